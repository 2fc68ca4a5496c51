// Package proxy はスクレイパーの外向き通信に使うプロキシのプールと、
// プロキシを切り替えながら再試行する仕組みを提供する。
// プールはプロセスごとに持ち、ワーカー間で共有しない。
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"sync"
)

// addressPattern はプロキシ一覧から ip:port を抽出する。
var addressPattern = regexp.MustCompile(`\d+\.\d+\.\d+\.\d+:\d+`)

// Proxy は外向き通信に使うプロキシ。URLが空の場合は直接接続を表す。
type Proxy struct {
	URL string
}

// IsDirect はプロキシを使わない直接接続かを返す。
func (p Proxy) IsDirect() bool {
	return p.URL == ""
}

// Pool は利用可能なプロキシの集合。
type Pool struct {
	mu       sync.Mutex
	proxies  []Proxy
	logger   *slog.Logger
	intn     func(n int) int
	onRemove func(Proxy)
}

// NewPool はPoolを生成する。
func NewPool(proxies []Proxy, logger *slog.Logger) *Pool {
	return &Pool{
		proxies: append([]Proxy(nil), proxies...),
		logger:  logger,
		intn:    rand.IntN,
	}
}

// OnRemove はプロキシ除外時に呼ばれる関数を設定する。
func (p *Pool) OnRemove(fn func(Proxy)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemove = fn
}

// Len は残っているプロキシ数を返す。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Random はプールから一様ランダムに1件選ぶ。
// プールが空の場合は待たずに直接接続のプレースホルダーを返す。
func (p *Pool) Random() Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return Proxy{}
	}
	return p.proxies[p.intn(len(p.proxies))]
}

// Remove はプロキシをプールから除外する。直接接続のプレースホルダーは除外しない。
func (p *Pool) Remove(proxy Proxy) {
	if proxy.IsDirect() {
		return
	}

	p.mu.Lock()
	removed := false
	for i, candidate := range p.proxies {
		if candidate == proxy {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			removed = true
			break
		}
	}
	remaining := len(p.proxies)
	hook := p.onRemove
	p.mu.Unlock()

	if !removed {
		return
	}
	p.logger.Warn("プロキシをプールから除外しました",
		slog.String("proxy", proxy.URL),
		slog.Int("remaining", remaining),
	)
	if hook != nil {
		hook(proxy)
	}
}

// RetryWithProxy はランダムに選んだプロキシでopを実行し、失敗したら別のプロキシで再試行する。
// isDisqualifyingがtrueを返したエラーのプロキシはプールから除外する。
// 試行回数は最大maxRetries+1回で、すべて失敗した場合は最後のエラーを返す。
func RetryWithProxy[T any](
	ctx context.Context,
	pool *Pool,
	op func(ctx context.Context, proxy Proxy) (T, error),
	isDisqualifying func(error) bool,
	maxRetries int,
) (T, error) {
	var zero T
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		proxy := pool.Random()
		result, err := op(ctx, proxy)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isDisqualifying != nil && isDisqualifying(err) {
			pool.Remove(proxy)
		}

		pool.logger.Warn("プロキシ経由の処理に失敗しました",
			slog.String("proxy", proxy.URL),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxRetries+1),
			slog.String("error", err.Error()),
		)
	}

	return zero, lastErr
}

// LoadList はプロキシ一覧のテキストを取得し、含まれる ip:port をhttpプロキシとして返す。
func LoadList(ctx context.Context, client *http.Client, listURL string) ([]Proxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("プロキシ一覧の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("プロキシ一覧の取得先がステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	return ParseList(string(body)), nil
}

// ParseList はテキストから ip:port を抽出する。重複は除外する。
func ParseList(text string) []Proxy {
	matches := addressPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	proxies := make([]Proxy, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		proxies = append(proxies, Proxy{URL: "http://" + m})
	}
	return proxies
}
