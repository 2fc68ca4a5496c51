package middleware

import "net/http"

// NewSecurityHeadersMiddleware はJSON APIの応答に付けるヘッダーを設定するミドルウェアを返す。
// 応答はブラウザで描画されることもキャッシュされることも想定しない。
// 検索状態は刻々と変わるため、古い状態を中継キャッシュに残さない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
