// Package retweets は検索語のネイティブリツイートを追跡し、
// リツイート元の投稿のエンゲージメント急増を通知するポーラーを提供する。
package retweets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/searchwatch/internal/metrics"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/notifier"
	"github.com/hitoshi/searchwatch/internal/pagination"
	"github.com/hitoshi/searchwatch/internal/proxy"
	"github.com/hitoshi/searchwatch/internal/queue"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/scraper"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
)

// Scraper は投稿の取得機能。
type Scraper interface {
	Fetch(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error)
}

// Alerter はエンゲージメント急増の通知。
type Alerter interface {
	SendEngagementAlert(ctx context.Context, alert notifier.EngagementAlert) error
}

// Config はポーラーの設定。
type Config struct {
	MinPriority   int
	BatchSize     int
	ScrapeRetries int
	NextPollDelay time.Duration
	Thresholds    notifier.Thresholds
	Loop          loop.Config

	// KeepAliveInterval は処理中にハートビートを更新する間隔。0の場合は更新しない。
	KeepAliveInterval time.Duration
}

// Deps はポーラーの依存。Alerterは省略できる。
type Deps struct {
	Manager   *queue.Manager
	Tweets    repository.TweetRepository
	Scraper   Scraper
	Proxies   *proxy.Pool
	Heartbeat *heartbeat.Heartbeat
	Metrics   metrics.Recorder
	Alerter   Alerter
}

// Poller はRETWEETSアイテムを処理する。
// 検索の収集状態は変更せず、キューアイテムのみを更新する。
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

// Start はRETWEETSアイテムを持たない検索にアイテムを作成し、自己修復を行ってからポーリングを開始する。
func (p *Poller) Start(ctx context.Context) error {
	created, err := p.deps.Manager.EnsureItems(ctx, model.QueueActionRetweets, model.PriorityMedium)
	if err != nil {
		return fmt.Errorf("RETWEETSアイテムの作成に失敗しました: %w", err)
	}
	if created > 0 {
		p.logger.Info("RETWEETSアイテムを作成しました", slog.Int("count", created))
	}
	if _, err := p.deps.Manager.ResetOutdated(ctx, model.QueueActionRetweets); err != nil {
		return fmt.Errorf("キューの自己修復に失敗しました: %w", err)
	}
	loop.Run(ctx, p.logger, p.cfg.Loop, p.RunOnce)
	return nil
}

// RunOnce はアイテムを1件クレームして処理する。
func (p *Poller) RunOnce(ctx context.Context) (loop.Outcome, error) {
	const action = string(model.QueueActionRetweets)

	if err := p.deps.Heartbeat.Polled(ctx); err != nil {
		return loop.Idle, err
	}

	item, remaining, err := p.deps.Manager.ClaimNext(ctx, model.QueueActionRetweets, p.cfg.MinPriority)
	if err != nil {
		return loop.Idle, fmt.Errorf("キューアイテムのクレームに失敗しました: %w", err)
	}
	if item == nil {
		return loop.Idle, nil
	}
	p.deps.Metrics.RecordClaim(action)

	start := time.Now()
	stopKeepAlive := p.deps.Heartbeat.KeepAlive(ctx, p.cfg.KeepAliveInterval)
	outcome, procErr := p.process(ctx, item)
	stopKeepAlive()
	p.deps.Metrics.RecordFetchLatency(action, time.Since(start))

	if procErr != nil {
		if ctx.Err() != nil {
			return loop.Idle, ctx.Err()
		}
		if err := p.deps.Manager.StopItemWithError(ctx, item, procErr); err != nil {
			return loop.Idle, fmt.Errorf("エラー状態の記録に失敗しました: %w", err)
		}
		outcome = metrics.OutcomeError
	}
	p.deps.Metrics.RecordJobOutcome(action, outcome)

	if err := p.deps.Heartbeat.Processed(ctx); err != nil {
		return loop.Idle, err
	}
	if remaining > 0 {
		return loop.RetryNow, nil
	}
	return loop.Processed, nil
}

func (p *Poller) process(ctx context.Context, item *model.QueueItem) (string, error) {
	search := item.Search
	req := scraper.FetchRequest{
		Term:      search.Name,
		Cursor:    item.Cursor,
		BatchSize: p.cfg.BatchSize,
		Retweets:  true,
	}

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
	p.deps.Metrics.RecordRecordsFetched("retweeted", len(result.Retweeted))

	if len(result.Retweeted) > 0 {
		previous, err := p.deps.Tweets.UpsertEngagement(ctx, result.Retweeted, search.ID)
		if err != nil {
			return "", err
		}
		p.alert(ctx, search, result.Retweeted, previous)
	}

	now := p.now()
	if !pagination.HasNew(item.Cursor, result.Newest) {
		// 新着がなければキューを増やさず同じアイテムを次回に回す
		if err := p.deps.Manager.StopItem(ctx, item, queue.Reuse(now.Add(p.cfg.NextPollDelay))); err != nil {
			return "", err
		}
		return metrics.OutcomeReuse, nil
	}

	if _, err := p.deps.Manager.Enqueue(ctx, search.ID, model.QueueActionRetweets,
		model.ForwardFrom(result.Newest.ID), model.PriorityHigh, now); err != nil {
		return "", err
	}
	if err := p.deps.Manager.StopItem(ctx, item, queue.ItemPatch{}); err != nil {
		return "", err
	}

	p.logger.Info("リツイートの収集を完了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("search", search.Name),
		slog.Int("retweeted", len(result.Retweeted)),
	)
	return metrics.OutcomeDone, nil
}

// alert は前回値からの増加がしきい値を超えた投稿を通知する。通知の失敗はログのみ。
func (p *Poller) alert(ctx context.Context, search *model.Search, updated []model.Tweet, previous map[string]model.Tweet) {
	if p.deps.Alerter == nil {
		return
	}
	for _, t := range updated {
		before, ok := previous[t.ID]
		if !ok {
			continue
		}
		increases := notifier.DetectIncreases(before, t, p.cfg.Thresholds)
		if len(increases) == 0 {
			continue
		}

		p.logger.Info("エンゲージメントの急増を検出しました",
			slog.String("search", search.Name),
			slog.String("tweet_id", t.ID),
			slog.Int("metrics", len(increases)),
		)
		err := p.deps.Alerter.SendEngagementAlert(ctx, notifier.EngagementAlert{
			SearchID:   search.ID,
			SearchName: search.Name,
			Tweet:      t,
			Increases:  increases,
		})
		if err != nil {
			p.logger.Error("アラートの送信に失敗しました",
				slog.String("tweet_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
