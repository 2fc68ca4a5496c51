package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
)

// defaultEndpoint はBrevo(旧Sendinblue)のトランザクションメールAPI。
const defaultEndpoint = "https://api.brevo.com/v3/smtp/email"

// TextSanitizer は投稿本文からマークアップを除去する。
type TextSanitizer interface {
	StripTags(raw string) string
}

// Config はメール通知の設定。
type Config struct {
	APIKey     string
	Recipients []string
	Sender     string
	FrontURL   string
}

var alertTemplate = template.Must(template.New("alert").Parse(`<html><body>
<p>検索「{{.SearchName}}」でエンゲージメントの急増を検出しました。</p>
<p><a href="{{.TweetURL}}">@{{.Username}}</a>: {{.Content}}</p>
<ul>
{{range .Increases}}<li>{{.Metric}}: {{.Before}} → {{.After}} (+{{.Delta}})</li>
{{end}}</ul>
<p><a href="{{.SearchURL}}">検索を開く</a></p>
</body></html>`))

type alertView struct {
	SearchName string
	SearchURL  string
	TweetURL   string
	Username   string
	Content    string
	Increases  []Increase
}

type emailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type emailRequest struct {
	Sender      emailAddress   `json:"sender"`
	To          []emailAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

// Brevo はBrevoのAPIでアラートメールを送信する。
type Brevo struct {
	httpClient *http.Client
	logger     *slog.Logger
	sanitizer  TextSanitizer
	cfg        Config
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewBrevo はBrevoを生成する。
func NewBrevo(httpClient *http.Client, logger *slog.Logger, sanitizer TextSanitizer, cfg Config) *Brevo {
	return &Brevo{
		httpClient: httpClient,
		logger:     logger,
		sanitizer:  sanitizer,
		cfg:        cfg,
		endpoint:   defaultEndpoint,
	}
}

// Enabled はAPIキーと宛先が設定されているかを返す。
func (b *Brevo) Enabled() bool {
	return b.cfg.APIKey != "" && len(b.cfg.Recipients) > 0
}

// SendEngagementAlert はアラートメールを送信する。無効な場合は何もしない。
func (b *Brevo) SendEngagementAlert(ctx context.Context, alert EngagementAlert) error {
	if !b.Enabled() {
		b.logger.Info("メール通知が無効のためアラートを送信しません",
			slog.String("search_id", alert.SearchID),
			slog.String("tweet_id", alert.Tweet.ID),
		)
		return nil
	}

	body, err := b.render(alert)
	if err != nil {
		return err
	}

	payload := emailRequest{
		Sender:      emailAddress{Name: "Searchwatch", Email: b.cfg.Sender},
		Subject:     fmt.Sprintf("[Searchwatch] %s: エンゲージメント急増", alert.SearchName),
		HTMLContent: body,
	}
	for _, r := range b.cfg.Recipients {
		payload.To = append(payload.To, emailAddress{Email: r})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("メール本文のエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("api-key", b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Error("メール送信APIの呼び出しに失敗しました",
			slog.String("search_id", alert.SearchID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		b.logger.Error("メール送信APIがエラーステータスを返しました",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return fmt.Errorf("メール送信APIがエラーステータスを返しました: %d", resp.StatusCode)
	}

	b.logger.Info("アラートメールを送信しました",
		slog.String("search_id", alert.SearchID),
		slog.String("tweet_id", alert.Tweet.ID),
		slog.Int("recipients", len(b.cfg.Recipients)),
	)
	return nil
}

func (b *Brevo) render(alert EngagementAlert) (string, error) {
	content := alert.Tweet.Content
	if b.sanitizer != nil {
		content = b.sanitizer.StripTags(content)
	}
	view := alertView{
		SearchName: alert.SearchName,
		SearchURL:  fmt.Sprintf("%s/searches/%s", b.cfg.FrontURL, alert.SearchID),
		TweetURL:   alert.Tweet.URL,
		Username:   alert.Tweet.Username,
		Content:    content,
		Increases:  alert.Increases,
	}

	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("メール本文の生成に失敗しました: %w", err)
	}
	return buf.String(), nil
}
