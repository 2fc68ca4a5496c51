package botscore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/hitoshi/searchwatch/internal/model"
)

const (
	// PerenName はperen判定APIのプロバイダー名。
	PerenName = "peren"
	// defaultPerenEndpoint はperen判定APIのエンドポイント。
	defaultPerenEndpoint = "https://bots.peren.fr/twitter"
)

// Peren はperen判定APIのクライアント。
// 一括取得APIはないため、バッチはレート制限に従った逐次呼び出しで処理する。
type Peren struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	endpoint   string
	limiter    *rate.Limiter
}

var _ Provider = (*Peren)(nil)

// NewPeren はPerenを生成する。APIキーが未設定の場合はエラーを返す。
func NewPeren(httpClient *http.Client, logger *slog.Logger, cfg Config) (*Peren, error) {
	if cfg.PerenAPIKey == "" {
		return nil, fmt.Errorf("PEREN_API_KEYが設定されていません")
	}
	endpoint := cfg.PerenEndpoint
	if endpoint == "" {
		endpoint = defaultPerenEndpoint
	}
	limit := rate.Inf
	if cfg.PerenRate > 0 {
		limit = rate.Limit(cfg.PerenRate)
	}
	return &Peren{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     cfg.PerenAPIKey,
		endpoint:   endpoint,
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

func (p *Peren) Name() string { return PerenName }

// ScoreOne は1アカウントのスコアを取得する。
// レスポンスのbot_score以外の項目はメタデータとして保持する。
func (p *Peren) ScoreOne(ctx context.Context, user model.User) (Score, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Score{}, err
	}

	reqURL, err := url.Parse(p.endpoint)
	if err != nil {
		return Score{}, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("id", user.Username)
	q.Set("key", p.apiKey)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return Score{}, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("peren判定APIの呼び出しに失敗しました",
			slog.String("username", user.Username),
			slog.String("error", err.Error()),
		)
		return Score{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Error("peren判定APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("username", user.Username),
		)
		return Score{}, fmt.Errorf("peren判定APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Score{}, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return parsePerenResponse(body)
}

func parsePerenResponse(body []byte) (Score, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Score{}, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	raw, ok := fields["bot_score"]
	if !ok {
		return Score{}, fmt.Errorf("レスポンスにbot_scoreがありません")
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return Score{}, fmt.Errorf("bot_scoreの形式が不正です: %w", err)
	}
	delete(fields, "bot_score")

	metadata, err := json.Marshal(fields)
	if err != nil {
		return Score{}, fmt.Errorf("メタデータのエンコードに失敗しました: %w", err)
	}
	return Score{Value: value, Metadata: metadata}, nil
}

// ScoreBatch は各アカウントを順に取得する。1件でも失敗した場合はバッチ全体を失敗とする。
func (p *Peren) ScoreBatch(ctx context.Context, users []model.User) ([]Score, error) {
	scores := make([]Score, 0, len(users))
	for _, u := range users {
		s, err := p.ScoreOne(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("%s のスコア取得に失敗しました: %w", u.Username, err)
		}
		scores = append(scores, s)
	}
	return scores, nil
}
