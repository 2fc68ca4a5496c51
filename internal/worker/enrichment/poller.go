// Package enrichment はボットスコアが未取得または古い投稿者を定期的に判定するポーラーを提供する。
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/metrics"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
)

// UserRepository はポーラーが使う投稿者の永続化機能。
type UserRepository interface {
	ListOutdatedBotScore(ctx context.Context, staleBefore time.Time, limit int) ([]model.User, error)
	UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error
	MarkBotScoreFailed(ctx context.Context, userID, provider string, at time.Time, cause string) error
}

// Config はポーラーの設定。
type Config struct {
	// BatchSize は1回に判定する件数の既定値。
	BatchSize int
	// MinBatchSize は失敗時に縮小するバッチサイズの下限。
	MinBatchSize int
	// TTL はスコアの再取得間隔。
	TTL  time.Duration
	Loop loop.Config
}

// Poller は投稿者のボットスコアを更新する。
// 判定の呼び出しに失敗するとバッチサイズを半分にして即座に再試行し、成功すると既定値に戻す。
// 下限のバッチサイズでも失敗した投稿者は失敗として記録し、再取得間隔が過ぎるまで後回しにする。
type Poller struct {
	users     UserRepository
	provider  botscore.Provider
	heartbeat *heartbeat.Heartbeat
	metrics   metrics.Recorder
	logger    *slog.Logger
	cfg       Config
	limit     int
	now       func() time.Time
}

// NewPoller はPollerを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewPoller(
	users UserRepository,
	provider botscore.Provider,
	hb *heartbeat.Heartbeat,
	recorder metrics.Recorder,
	logger *slog.Logger,
	cfg Config,
) *Poller {
	if cfg.MinBatchSize < 1 {
		cfg.MinBatchSize = 1
	}
	if cfg.BatchSize < cfg.MinBatchSize {
		cfg.BatchSize = cfg.MinBatchSize
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	recorder.SetBotScoreBatchSize(cfg.BatchSize)
	return &Poller{
		users:     users,
		provider:  provider,
		heartbeat: hb,
		metrics:   recorder,
		logger:    logger,
		cfg:       cfg,
		limit:     cfg.BatchSize,
		now:       time.Now,
	}
}

// Limit は次回のバッチサイズを返す。
func (p *Poller) Limit() int {
	return p.limit
}

// Start はコンテキストがキャンセルされるまでポーリングを続ける。
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("ボットスコアの判定を開始します",
		slog.String("provider", p.provider.Name()),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("min_batch_size", p.cfg.MinBatchSize),
		slog.Duration("ttl", p.cfg.TTL),
	)
	loop.Run(ctx, p.logger, p.cfg.Loop, p.RunOnce)
}

// RunOnce は1バッチ分の投稿者を判定して保存する。
func (p *Poller) RunOnce(ctx context.Context) (loop.Outcome, error) {
	if err := p.heartbeat.Polled(ctx); err != nil {
		return loop.Idle, err
	}

	now := p.now()
	users, err := p.users.ListOutdatedBotScore(ctx, now.Add(-p.cfg.TTL), p.limit)
	if err != nil {
		return loop.Idle, fmt.Errorf("判定対象の投稿者の取得に失敗しました: %w", err)
	}
	if len(users) == 0 {
		return loop.Idle, nil
	}

	scores, err := p.provider.ScoreBatch(ctx, users)
	if err == nil && len(scores) != len(users) {
		err = fmt.Errorf("判定結果の件数が一致しません: got %d, want %d", len(scores), len(users))
	}
	if err != nil {
		if ctx.Err() != nil {
			return loop.Idle, ctx.Err()
		}
		return p.degrade(ctx, users, now, err)
	}

	for i, u := range users {
		if err := p.users.UpdateBotScore(ctx, u.ID, botscore.ToBotScore(p.provider, scores[i], now)); err != nil {
			return loop.Idle, fmt.Errorf("ボットスコアの保存に失敗しました: %w", err)
		}
	}
	p.metrics.RecordRecordsFetched("botscores", len(users))

	if p.limit != p.cfg.BatchSize {
		p.logger.Info("バッチサイズを既定値に戻しました",
			slog.Int("from", p.limit),
			slog.Int("to", p.cfg.BatchSize),
		)
		p.limit = p.cfg.BatchSize
		p.metrics.SetBotScoreBatchSize(p.limit)
	}

	p.logger.Info("ボットスコアを更新しました",
		slog.String("provider", p.provider.Name()),
		slog.Int("users", len(users)),
	)
	if err := p.heartbeat.Processed(ctx); err != nil {
		return loop.Idle, err
	}
	return loop.Processed, nil
}

// degrade はバッチサイズを半分にして即時再試行を指示する。
// 下限に達している場合は対象の投稿者を失敗として記録し、待機してから次の投稿者へ進む。
func (p *Poller) degrade(ctx context.Context, users []model.User, now time.Time, cause error) (loop.Outcome, error) {
	if p.limit <= p.cfg.MinBatchSize {
		p.logger.Error("最小バッチサイズでもボットスコアの取得に失敗しました",
			slog.Int("batch_size", p.limit),
			slog.String("error", cause.Error()),
		)
		reason := strings.ToValidUTF8(cause.Error(), "")
		for _, u := range users {
			if err := p.users.MarkBotScoreFailed(ctx, u.ID, p.provider.Name(), now, reason); err != nil {
				return loop.Idle, fmt.Errorf("ボットスコアの失敗記録に失敗しました: %w", err)
			}
			p.logger.Warn("ボットスコアを取得できない投稿者を後回しにします",
				slog.String("user_id", u.ID),
				slog.String("username", u.Username),
			)
		}
		return loop.Idle, nil
	}

	next := max(p.limit/2, p.cfg.MinBatchSize)
	p.logger.Warn("ボットスコアの取得に失敗したためバッチサイズを縮小します",
		slog.Int("from", p.limit),
		slog.Int("to", next),
		slog.String("error", cause.Error()),
	)
	p.limit = next
	p.metrics.SetBotScoreBatchSize(p.limit)
	return loop.RetryNow, nil
}
