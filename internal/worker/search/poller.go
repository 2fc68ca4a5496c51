// Package search は検索語の投稿を収集するポーラーを提供する。
// キューアイテムをクレームし、カーソルに従って取得した投稿を保存・集計し、後続のアイテムを登録する。
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/searchwatch/internal/metrics"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/pagination"
	"github.com/hitoshi/searchwatch/internal/proxy"
	"github.com/hitoshi/searchwatch/internal/queue"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/scraper"
	"github.com/hitoshi/searchwatch/internal/urlmeta"
	"github.com/hitoshi/searchwatch/internal/volumetry"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
)

// Scraper は投稿の取得機能。
type Scraper interface {
	Fetch(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error)
}

// Indexer は投稿と投稿者の検索インデックス登録。
type Indexer interface {
	IndexBatch(ctx context.Context, searchID string, tweets []model.Tweet, users []model.User) error
}

// Config はポーラーの設定。
type Config struct {
	MinPriority    int
	BatchSize      int
	FirstBatchSize int
	ScrapeRetries  int
	NextPollDelay  time.Duration
	Loop           loop.Config

	// KeepAliveInterval は処理中にハートビートを更新する間隔。0の場合は更新しない。
	KeepAliveInterval time.Duration
}

// Deps はポーラーの依存。URLMetadataとIndexerは省略できる。
type Deps struct {
	Manager     *queue.Manager
	Searches    repository.SearchRepository
	Tweets      repository.TweetRepository
	Users       repository.UserRepository
	Volumetry   *volumetry.Aggregator
	Scraper     Scraper
	Proxies     *proxy.Pool
	Heartbeat   *heartbeat.Heartbeat
	Metrics     metrics.Recorder
	URLMetadata urlmeta.Provider
	Indexer     Indexer
}

// Poller はSEARCHアイテムを処理する。
type Poller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewPoller はPollerを生成する。
func NewPoller(deps Deps, logger *slog.Logger, cfg Config) *Poller {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Poller{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Start は起動時の自己修復を行ってからポーリングを開始する。
// コンテキストがキャンセルされるまで戻らない。
func (p *Poller) Start(ctx context.Context) error {
	if _, err := p.deps.Manager.ResetOutdated(ctx, model.QueueActionSearch); err != nil {
		return fmt.Errorf("キューの自己修復に失敗しました: %w", err)
	}
	loop.Run(ctx, p.logger, p.cfg.Loop, p.RunOnce)
	return nil
}

// RunOnce はアイテムを1件クレームして処理する。
// 取得や保存の失敗はアイテムのエラー状態に変換し、エラーは返さない。
// ストアへの状態更新自体に失敗した場合のみエラーを返す。
func (p *Poller) RunOnce(ctx context.Context) (loop.Outcome, error) {
	if err := p.deps.Heartbeat.Polled(ctx); err != nil {
		return loop.Idle, err
	}

	item, remaining, err := p.deps.Manager.ClaimNext(ctx, model.QueueActionSearch, p.cfg.MinPriority)
	if err != nil {
		return loop.Idle, fmt.Errorf("キューアイテムのクレームに失敗しました: %w", err)
	}
	if item == nil {
		return loop.Idle, nil
	}
	p.deps.Metrics.RecordClaim(string(model.QueueActionSearch))

	start := time.Now()
	stopKeepAlive := p.deps.Heartbeat.KeepAlive(ctx, p.cfg.KeepAliveInterval)
	outcome, procErr := p.process(ctx, item)
	stopKeepAlive()
	p.deps.Metrics.RecordFetchLatency(string(model.QueueActionSearch), time.Since(start))

	if procErr != nil {
		if ctx.Err() != nil {
			// 処理中のまま残し、次回起動時の自己修復に任せる
			return loop.Idle, ctx.Err()
		}
		if err := p.deps.Manager.StopProcessingWithError(ctx, item, procErr); err != nil {
			return loop.Idle, fmt.Errorf("エラー状態の記録に失敗しました: %w", err)
		}
		outcome = metrics.OutcomeError
	}
	p.deps.Metrics.RecordJobOutcome(string(model.QueueActionSearch), outcome)

	if err := p.deps.Heartbeat.Processed(ctx); err != nil {
		return loop.Idle, err
	}
	if remaining > 0 {
		return loop.RetryNow, nil
	}
	return loop.Processed, nil
}

// process は取得から後続アイテムの登録までを行い、結果ラベルを返す。
func (p *Poller) process(ctx context.Context, item *model.QueueItem) (string, error) {
	search := item.Search
	claimedStatus := search.Status

	p.refreshURLMetadata(ctx, search)

	if err := p.deps.Manager.StartProcessing(ctx, item); err != nil {
		return "", err
	}

	batchSize := p.cfg.BatchSize
	if item.Cursor.Mode() == model.FetchModeFirst {
		batchSize = p.cfg.FirstBatchSize
	}
	req := scraper.FetchRequest{Term: search.Name, Cursor: item.Cursor, BatchSize: batchSize}

	result, err := proxy.RetryWithProxy(ctx, p.deps.Proxies,
		func(ctx context.Context, px proxy.Proxy) (*scraper.FetchResult, error) {
			r := req
			r.Proxy = px.URL
			return p.deps.Scraper.Fetch(ctx, r)
		},
		scraper.IsGuestTokenError,
		p.cfg.ScrapeRetries,
	)
	if err != nil {
		return "", err
	}

	p.deps.Metrics.RecordRecordsFetched("tweets", len(result.Tweets))
	p.deps.Metrics.RecordRecordsFetched("users", len(result.Users))

	if err := p.persist(ctx, search, result); err != nil {
		return "", err
	}

	plan := pagination.Reconcile(pagination.Input{
		Item:          item,
		ClaimedStatus: claimedStatus,
		Newest:        result.Newest,
		Oldest:        result.Oldest,
		Now:           p.now(),
		NextPollDelay: p.cfg.NextPollDelay,
	})

	for _, f := range plan.FollowUps {
		if _, err := p.deps.Manager.Enqueue(ctx, search.ID, model.QueueActionSearch, f.Cursor, f.Priority, f.ProcessingDate); err != nil {
			return "", err
		}
	}
	if err := p.deps.Manager.StopProcessing(ctx, item, plan.ItemPatch, plan.SearchPatch); err != nil {
		return "", err
	}

	p.logger.Info("検索の収集を完了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("search", search.Name),
		slog.String("mode", item.Cursor.Mode().String()),
		slog.Int("tweets", len(result.Tweets)),
		slog.Int("follow_ups", len(plan.FollowUps)),
	)

	if plan.ItemPatch.Status == model.QueueStatusPending {
		return metrics.OutcomeReuse, nil
	}
	return metrics.OutcomeDone, nil
}

// persist は投稿と投稿者を保存し、ボリュームを加算する。
func (p *Poller) persist(ctx context.Context, search *model.Search, result *scraper.FetchResult) error {
	if len(result.Tweets) > 0 {
		if err := p.deps.Tweets.BatchUpsert(ctx, result.Tweets, search.ID); err != nil {
			return err
		}
	}
	if len(result.Users) > 0 {
		if err := p.deps.Users.BatchUpsert(ctx, result.Users, search.ID); err != nil {
			return err
		}
	}

	if err := p.deps.Volumetry.Merge(ctx, search.ID, volumetry.Compute(result.Tweets, search.Name)); err != nil {
		return err
	}

	if p.deps.Indexer != nil {
		if err := p.deps.Indexer.IndexBatch(ctx, search.ID, result.Tweets, result.Users); err != nil {
			// 検索インデックスは補助的なため収集は継続する
			p.logger.Warn("検索インデックスの更新に失敗しました",
				slog.String("search_id", search.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// refreshURLMetadata はURL種別の検索でメタデータが未取得なら取得して保存する。
// 失敗はログに記録するのみで収集は継続する。
func (p *Poller) refreshURLMetadata(ctx context.Context, search *model.Search) {
	if p.deps.URLMetadata == nil || !search.NeedsURLMetadata() {
		return
	}

	meta, err := p.deps.URLMetadata.Fetch(ctx, search.Name)
	if err != nil {
		p.logger.Warn("URLメタデータの取得に失敗しました",
			slog.String("search_id", search.ID),
			slog.String("url", search.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	metadata := search.Metadata
	metadata.URL = meta
	if err := p.deps.Searches.UpdateMetadata(ctx, search.ID, metadata); err != nil {
		p.logger.Warn("URLメタデータの保存に失敗しました",
			slog.String("search_id", search.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	search.Metadata = metadata
}
