package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/graph"
	"github.com/hitoshi/searchwatch/internal/metrics"
	"github.com/hitoshi/searchwatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	RateLimiter *middleware.RateLimiter

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 検索
	Tracker  SearchTracker
	Searches SearchFinder

	// アカウント
	Scraper UserLookup
	Users   UserStore

	// 外部プロバイダー。nilの場合は該当エンドポイントが503を返す
	BotScore botscore.Provider
	Graph    graph.Provider
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	searchHandler := NewSearchHandler(deps.Tracker, deps.Searches)
	scrapeHandler := NewScrapeHandler(deps.Scraper, deps.Users, deps.BotScore, logger)
	graphHandler := NewGraphHandler(deps.Graph, logger)

	// --- 運用向けのルート ---
	mountOps(r, deps.HealthChecker, deps.Gatherer, logger)

	// --- レート制限付きのルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 検索管理
		r.Route("/api/searches", func(r chi.Router) {
			// POST /api/searches - 検索登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.SearchRegistrationMiddleware()).Post("/", searchHandler.TrackSearch)
			r.Get("/{id}", searchHandler.GetSearch)
		})

		// アカウント単位の取得
		r.Route("/scrape/twitter/user/{username}", func(r chi.Router) {
			r.Get("/", scrapeHandler.GetUser)
			r.Get("/botscore", scrapeHandler.GetBotScore)
		})

		r.Get("/graph/twitter/hashtag/{name}", graphHandler.GetHashtagGraph)
	})

	return r
}

// NewOpsRouter は /health と /metrics だけを持つルーターを返す。
// ワーカープロセスのヘルスチェックとメトリクス収集に使う。
func NewOpsRouter(checker HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	mountOps(r, checker, gatherer, logger)
	return r
}

func mountOps(r chi.Router, checker HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger) {
	r.Get("/health", newHealthHandler(checker, logger))
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
}
