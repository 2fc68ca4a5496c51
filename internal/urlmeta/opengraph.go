package urlmeta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/hitoshi/searchwatch/internal/model"
)

// OpenGraphName はOpen Graphプロバイダーの名前。
const OpenGraphName = "open-graph"

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 5 * 1024 * 1024
)

// feedContentTypes はフィードとして認識するContent-Typeのリスト。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はボディ解析でフィードか判定するContent-Type。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// OpenGraph はHTMLのheadにあるOpen Graph、Twitter Card、title要素からメタデータを取得する。
// URLがRSS/Atomフィードの場合はチャンネル情報を使う。
type OpenGraph struct {
	validator URLValidator
	sanitizer TextSanitizer
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

var _ Provider = (*OpenGraph)(nil)

// NewOpenGraph はOpenGraphを生成する。
func NewOpenGraph(validator URLValidator, sanitizer TextSanitizer, logger *slog.Logger, cfg Config) *OpenGraph {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenGraph{
		validator: validator,
		sanitizer: sanitizer,
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (o *OpenGraph) Name() string { return OpenGraphName }

// Fetch はURLを取得してメタデータを返す。
func (o *OpenGraph) Fetch(ctx context.Context, rawURL string) (*model.URLMetadata, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URLが空です")
	}
	if err := o.validator.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("URLの検証に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Searchwatch/1.0 (+metadata)")
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/rss+xml, application/atom+xml, */*")

	resp, err := o.validator.NewSafeClient(o.timeout).Do(req)
	if err != nil {
		o.logger.Error("URLメタデータの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("URLメタデータの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.logger.Error("URLがエラーステータスを返しました",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("URLがエラーステータスを返しました: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var meta *model.URLMetadata
	if IsDirectFeed(contentType, body) {
		meta, err = parseFeed(body)
		if err != nil {
			return nil, err
		}
	} else {
		meta = ParseHTML(body, rawURL)
	}

	o.clean(meta)
	if meta.URL == "" {
		meta.URL = rawURL
	}
	meta.Provider = OpenGraphName
	meta.ScrapedAt = o.now().UTC()
	return meta, nil
}

func (o *OpenGraph) clean(meta *model.URLMetadata) {
	if o.sanitizer == nil {
		return
	}
	meta.Title = o.sanitizer.StripTags(meta.Title)
	meta.Description = o.sanitizer.StripTags(meta.Description)
	meta.SiteName = o.sanitizer.StripTags(meta.SiteName)
}

// IsDirectFeed はContent-Typeとボディからレスポンスがフィードかを判定する。
func IsDirectFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, ct := range feedContentTypes {
		if mediaType == ct {
			return true
		}
	}

	isXML := false
	for _, ct := range xmlContentTypes {
		if mediaType == ct {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}

	// ルート要素の判定には先頭4KBで足りる
	n := min(len(body), 4096)
	prefix := strings.ToLower(string(body[:n]))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

func parseFeed(body []byte) (*model.URLMetadata, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}
	meta := &model.URLMetadata{
		Title:       feed.Title,
		Description: feed.Description,
		URL:         feed.Link,
		Locale:      feed.Language,
		Type:        feed.FeedType,
	}
	if feed.Image != nil {
		meta.Image = feed.Image.URL
	}
	return meta, nil
}

// ParseHTML はheadタグ内のmeta要素とtitle要素からメタデータを抽出する。
// Open Graphの値を優先し、無ければTwitter Card、description、titleの順に補う。
// 画像とURLの相対パスはbaseURLで解決する。
func ParseHTML(body []byte, baseURL string) *model.URLMetadata {
	og := map[string]string{}
	var title string

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false

loop:
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			break loop

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "body":
				break loop
			case "title":
				inTitle = tt == html.StartTagToken
			case "meta":
				if !hasAttr {
					continue
				}
				key, content := metaAttrs(tokenizer)
				if key == "" || content == "" {
					continue
				}
				// 同じキーが複数ある場合は最初の値を使う
				if _, ok := og[key]; !ok {
					og[key] = content
				}
			}

		case html.TextToken:
			if inTitle && title == "" {
				title = strings.TrimSpace(string(tokenizer.Text()))
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "title":
				inTitle = false
			case "head":
				break loop
			}
		}
	}

	meta := &model.URLMetadata{
		Title:       firstNonEmpty(og["og:title"], og["twitter:title"], title),
		Description: firstNonEmpty(og["og:description"], og["twitter:description"], og["description"]),
		Image:       firstNonEmpty(og["og:image"], og["og:image:url"], og["twitter:image"]),
		SiteName:    og["og:site_name"],
		Type:        og["og:type"],
		URL:         og["og:url"],
		Locale:      og["og:locale"],
	}

	if base, err := url.Parse(baseURL); err == nil {
		meta.Image = resolveURL(base, meta.Image)
		meta.URL = resolveURL(base, meta.URL)
	}
	return meta
}

// metaAttrs はmeta要素のproperty/nameとcontentを返す。キーは小文字にする。
func metaAttrs(tokenizer *html.Tokenizer) (key, content string) {
	for {
		k, v, more := tokenizer.TagAttr()
		switch strings.ToLower(string(k)) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(string(v)))
			}
		case "content":
			content = strings.TrimSpace(string(v))
		}
		if !more {
			return key, content
		}
	}
}

func resolveURL(base *url.URL, rawRef string) string {
	if rawRef == "" {
		return ""
	}
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
