// Package cleanup は完了済みキューアイテムの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したDONEアイテムを日次バッチで削除する。
// PENDING・PROCESSING・DONE_ERRORのアイテムと検索は削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// QueueItemDeleter は完了済みアイテムの削除を抽象化するインターフェース。
type QueueItemDeleter interface {
	DeleteDoneBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したキューアイテムの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	items         QueueItemDeleter
	logger        *slog.Logger
	RetentionDays int // アイテムの保持日数（デフォルト: 30）
	Interval      time.Duration
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日、実行間隔は24時間。
func NewCleanupJob(items QueueItemDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		items:         items,
		logger:        logger,
		RetentionDays: 30,
		Interval:      24 * time.Hour,
		now:           time.Now,
	}
}

// Start は起動直後に1回実行し、その後Intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	j.logger.Info("キュークリーンアップジョブを開始しました",
		slog.Int("retention_days", j.RetentionDays),
		slog.Duration("interval", j.Interval),
	)

	// 失敗はRun内でログに記録済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("キュークリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過したDONEアイテムを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.items.DeleteDoneBefore(ctx, before)
	if err != nil {
		j.logger.Error("キュークリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("キュークリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("キュークリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("before", before),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
