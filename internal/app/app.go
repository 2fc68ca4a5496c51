package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/config"
	"github.com/hitoshi/searchwatch/internal/database"
	"github.com/hitoshi/searchwatch/internal/graph"
	"github.com/hitoshi/searchwatch/internal/handler"
	"github.com/hitoshi/searchwatch/internal/indexer"
	"github.com/hitoshi/searchwatch/internal/logger"
	"github.com/hitoshi/searchwatch/internal/metrics"
	"github.com/hitoshi/searchwatch/internal/middleware"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/notifier"
	"github.com/hitoshi/searchwatch/internal/proxy"
	"github.com/hitoshi/searchwatch/internal/queue"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/scraper"
	"github.com/hitoshi/searchwatch/internal/security"
	"github.com/hitoshi/searchwatch/internal/urlmeta"
	"github.com/hitoshi/searchwatch/internal/volumetry"
	"github.com/hitoshi/searchwatch/internal/worker/cleanup"
	"github.com/hitoshi/searchwatch/internal/worker/enrichment"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
	"github.com/hitoshi/searchwatch/internal/worker/retweets"
	"github.com/hitoshi/searchwatch/internal/worker/search"
)

// defaultServerPort はSERVER_PORT未設定時のポート。
const defaultServerPort = "4000"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultServerPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("processor_id", cfg.ProcessorID),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func newManager(cfg *config.Config, searches repository.SearchRepository, items repository.QueueItemRepository) *queue.Manager {
	return queue.NewManager(searches, items, logger.Component(nil, "queue"), queue.Config{
		ProcessorID:         cfg.ProcessorID,
		StaleAfter:          cfg.ProcessorStaleAfter,
		RecoverablePatterns: cfg.RecoverableErrorPatterns,
	})
}

func newBotScoreProvider(cfg *config.Config) (botscore.Provider, error) {
	p, err := botscore.New(cfg.BotScoreProvider, botscore.Config{
		PerenAPIKey:        cfg.PerenAPIKey,
		PerenRate:          cfg.PerenAPIRate,
		SocialNetworksPath: cfg.BotScoreSocialNetworksPath,
	}, &http.Client{Timeout: 30 * time.Second}, logger.Component(nil, "botscore"))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot score provider: %w", err)
	}
	return p, nil
}

func newGraphProvider(cfg *config.Config) (graph.Provider, error) {
	p, err := graph.New(cfg.GraphGeneratorProvider, graph.Config{
		SocialNetworksPath: cfg.GraphGeneratorSocialNetworksPath,
	}, logger.Component(nil, "graph"))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph provider: %w", err)
	}
	return p, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 外部プロバイダーの初期化。名前が未知の場合は起動しない
	botScoreProvider, err := newBotScoreProvider(cfg)
	if err != nil {
		return err
	}
	graphProvider, err := newGraphProvider(cfg)
	if err != nil {
		return err
	}

	// 2. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 3. リポジトリの初期化
	searchRepo := repository.NewPostgresSearchRepo(db)
	queueRepo := repository.NewPostgresQueueItemRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)

	// 4. ルーターの構築
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSearchRegistration),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        logger.Component(nil, "api"),
		RateLimiter:   rateLimiter,
		HealthChecker: db,
		Gatherer:      reg,
		Tracker:       newManager(cfg, searchRepo, queueRepo),
		Searches:      searchRepo,
		Scraper:       scraper.NewSnscrape(logger.Component(nil, "scraper"), scraper.Config{Path: cfg.SnscrapePath}),
		Users:         userRepo,
		BotScore:      botScoreProvider,
		Graph:         graphProvider,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // スクレイパーとプロバイダーの呼び出しを待つ
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はctxがキャンセルされるまでHTTPサーバーを動かし、グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	listenErr := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// POLLERSで選んだポーラーとキュークリーンアップジョブを起動し、
// /health と /metrics をSERVER_PORTで公開する。
// SIGINTまたはSIGTERMシグナルを受信すると各ループの処理の切れ目で停止する。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	searchRepo := repository.NewPostgresSearchRepo(db)
	queueRepo := repository.NewPostgresQueueItemRepo(db)
	tweetRepo := repository.NewPostgresTweetRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	volumetryRepo := repository.NewPostgresVolumetryRepo(db, logger.Component(nil, "volumetry"))
	processorRepo := repository.NewPostgresProcessorRepo(db)

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 4. 外部プロバイダーの初期化。名前が未知の場合は起動しない
	botScoreProvider, err := newBotScoreProvider(cfg)
	if err != nil {
		return err
	}
	sanitizer := security.NewTextSanitizer()
	urlProvider, err := urlmeta.New(cfg.URLMetadataProvider, urlmeta.Config{Timeout: cfg.URLMetadataTimeout},
		security.NewSSRFGuard(), sanitizer, logger.Component(nil, "urlmeta"))
	if err != nil {
		return fmt.Errorf("failed to create url metadata provider: %w", err)
	}
	idx, err := indexer.New(cfg.ElasticsearchURL, logger.Component(nil, "indexer"))
	if err != nil {
		return err
	}
	alerter := notifier.NewBrevo(&http.Client{Timeout: 10 * time.Second}, logger.Component(nil, "notifier"), sanitizer, notifier.Config{
		APIKey:     cfg.SendinblueAPIKey,
		Recipients: cfg.AlertRecipients,
		Sender:     cfg.AlertSender,
		FrontURL:   cfg.FrontURL,
	})

	// 5. スクレイパーとプロキシプール
	snscrape := scraper.NewSnscrape(logger.Component(nil, "scraper"), scraper.Config{Path: cfg.SnscrapePath})
	version, err := snscrape.Version(ctx)
	if err != nil {
		slog.Warn("スクレイパーのバージョンを取得できませんでした", slog.String("error", err.Error()))
	}
	pool := newProxyPool(ctx, cfg)
	pool.OnRemove(func(proxy.Proxy) { collector.RecordProxyRemoved() })

	aggregator := volumetry.NewAggregator(volumetryRepo, logger.Component(nil, "volumetry"))
	aggregator.OnMerge(collector.RecordVolumetryMerge)

	manager := newManager(cfg, searchRepo, queueRepo)
	hb := heartbeat.New(processorRepo, cfg.ProcessorID, model.ProcessorMetadata{
		Name:    cfg.ProcessorName,
		Pollers: cfg.Pollers,
		Version: version,
	}, logger.Component(nil, "heartbeat"))
	loopCfg := loop.Config{PollInterval: cfg.PollInterval, StoreBackoff: cfg.StoreBackoff}
	// 停止判定の閾値より十分短い間隔で、処理中もハートビートを更新する
	keepAlive := cfg.ProcessorStaleAfter / 3

	// 6. ポーラーの起動。起動時の自己修復に失敗した場合はワーカー全体を停止する
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	start := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error("poller failed", slog.String("poller", name), slog.String("error", err.Error()))
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s poller: %w", name, err)
				}
				errMu.Unlock()
				cancel()
			}
		}()
	}

	if cfg.HasPoller(config.PollerSearch) {
		deps := search.Deps{
			Manager:     manager,
			Searches:    searchRepo,
			Tweets:      tweetRepo,
			Users:       userRepo,
			Volumetry:   aggregator,
			Scraper:     snscrape,
			Proxies:     pool,
			Heartbeat:   hb,
			Metrics:     collector,
			URLMetadata: urlProvider,
		}
		if idx != nil {
			deps.Indexer = idx
		}
		poller := search.NewPoller(deps, logger.Component(nil, "search-poller"), search.Config{
			MinPriority:    cfg.MinPriority,
			BatchSize:      cfg.NbTweetsToScrape,
			FirstBatchSize: cfg.NbTweetsToScrapeFirstTime,
			ScrapeRetries:  cfg.ScrapeRetries,
			NextPollDelay:  cfg.NextPollDelay,
			Loop:           loopCfg,

			KeepAliveInterval: keepAlive,
		})
		start(config.PollerSearch, poller.Start)
	}

	if cfg.HasPoller(config.PollerRetweets) {
		poller := retweets.NewPoller(retweets.Deps{
			Manager:   manager,
			Tweets:    tweetRepo,
			Scraper:   snscrape,
			Proxies:   pool,
			Heartbeat: hb,
			Metrics:   collector,
			Alerter:   alerter,
		}, logger.Component(nil, "retweets-poller"), retweets.Config{
			MinPriority:   cfg.MinPriority,
			BatchSize:     cfg.NbTweetsToScrape,
			ScrapeRetries: cfg.ScrapeRetries,
			NextPollDelay: cfg.NextPollDelay,
			Thresholds:    notifier.DefaultThresholds,
			Loop:          loopCfg,

			KeepAliveInterval: keepAlive,
		})
		start(config.PollerRetweets, poller.Start)
	}

	if cfg.HasPoller(config.PollerBotScore) {
		if botScoreProvider == nil {
			slog.Warn("BOT_SCORE_PROVIDERが未設定のためボットスコアのポーラーを起動しません")
		} else {
			poller := enrichment.NewPoller(userRepo, botScoreProvider, hb, collector,
				logger.Component(nil, "botscore-poller"), enrichment.Config{
					BatchSize:    cfg.BotScoreBatchSize,
					MinBatchSize: cfg.BotScoreMinBatchSize,
					TTL:          cfg.BotScoreTTL,
					Loop:         loop.Config{PollInterval: cfg.BotScoreInterval, StoreBackoff: cfg.StoreBackoff},
				})
			start(config.PollerBotScore, func(ctx context.Context) error {
				poller.Start(ctx)
				return nil
			})
		}
	}

	// 7. キュークリーンアップジョブを日次でバックグラウンド実行
	cleanupJob := cleanup.NewCleanupJob(queueRepo, logger.Component(nil, "cleanup"))
	cleanupJob.RetentionDays = cfg.QueueRetentionDays
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx)
	}()

	slog.Info("worker starting",
		slog.String("processor_id", cfg.ProcessorID),
		slog.Any("pollers", cfg.Pollers),
		slog.Int("min_priority", cfg.MinPriority),
		slog.Int("proxies", pool.Len()),
	)

	// 8. ヘルスチェックとメトリクスの公開
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewOpsRouter(db, reg, logger.Component(nil, "ops")),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	serveErr := serveUntilDone(ctx, server, "ops server")

	// サーバーの停止後、各ループが処理の切れ目で抜けるのを待つ
	cancel()
	wg.Wait()

	slog.Info("worker stopped gracefully")
	if firstErr != nil {
		return firstErr
	}
	return serveErr
}

// newProxyPool はPROXY_LIST_URLからプロキシ一覧を読み込む。
// 取得に失敗した場合は空のプールで直接接続する。
func newProxyPool(ctx context.Context, cfg *config.Config) *proxy.Pool {
	log := logger.Component(nil, "proxy")
	if cfg.ProxyListURL == "" {
		return proxy.NewPool(nil, log)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	proxies, err := proxy.LoadList(loadCtx, &http.Client{Timeout: 30 * time.Second}, cfg.ProxyListURL)
	if err != nil {
		log.Warn("プロキシ一覧を読み込めませんでした。直接接続で続行します", slog.String("error", err.Error()))
		return proxy.NewPool(nil, log)
	}
	log.Info("プロキシ一覧を読み込みました", slog.Int("count", len(proxies)))
	return proxy.NewPool(proxies, log)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
