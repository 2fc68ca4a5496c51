// Package heartbeat はワーカーの生存を記録する。
// 停止したワーカーの検出とキューの自己修復はこの記録に依存する。
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/repository"
)

// Heartbeat は1ワーカー分のハートビートを記録する。
type Heartbeat struct {
	repo     repository.ProcessorRepository
	id       string
	metadata model.ProcessorMetadata
	logger   *slog.Logger
	now      func() time.Time
}

// New はHeartbeatを生成する。
func New(repo repository.ProcessorRepository, id string, metadata model.ProcessorMetadata, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		repo:     repo,
		id:       id,
		metadata: metadata,
		logger:   logger,
		now:      time.Now,
	}
}

// Polled はキューをポーリングしたことを記録する。
func (h *Heartbeat) Polled(ctx context.Context) error {
	now := h.now().UTC()
	return h.beat(ctx, &model.Processor{ID: h.id, Metadata: h.metadata, LastPollAt: &now})
}

// Processed はキューアイテムの処理を終えたことを記録する。
func (h *Heartbeat) Processed(ctx context.Context) error {
	now := h.now().UTC()
	return h.beat(ctx, &model.Processor{ID: h.id, Metadata: h.metadata, LastPollAt: &now, LastProcessedAt: &now})
}

func (h *Heartbeat) beat(ctx context.Context, p *model.Processor) error {
	if err := h.repo.Heartbeat(ctx, p); err != nil {
		h.logger.Error("ハートビートの記録に失敗しました",
			slog.String("processor_id", h.id),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// KeepAlive はstopが呼ばれるまでinterval毎にポーリング時刻を記録する。
// 1件の処理がStaleAfterより長引いても、他のワーカーの自己修復で処理中のアイテムを奪われないようにする。
// intervalが0以下の場合は何もしない。
func (h *Heartbeat) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 失敗はbeatでログに残し、処理は止めない
				_ = h.Polled(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
