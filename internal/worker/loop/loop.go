// Package loop はポーラーの繰り返し実行を提供する。
// 1回分の処理(Step)を呼び出し、その結果に応じて待機してから次を呼び出す。
package loop

import (
	"context"
	"log/slog"
	"time"
)

// Outcome は1回分の処理の結果。
type Outcome int

const (
	// Idle は処理対象がなかったことを表す。PollInterval待ってから次を呼ぶ。
	Idle Outcome = iota
	// Processed は1件処理したことを表す。待たずに次を呼ぶ。
	Processed
	// RetryNow は処理対象が残っていることを表す。待たずに次を呼ぶ。
	RetryNow
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case RetryNow:
		return "retry_now"
	default:
		return "idle"
	}
}

// Step は1回分の処理。エラーはストアの障害など処理を継続できなかった場合に返す。
type Step func(ctx context.Context) (Outcome, error)

// Config はループの待機時間。
type Config struct {
	// PollInterval は処理対象がなかった場合の待機時間。
	PollInterval time.Duration
	// StoreBackoff はStepがエラーを返した場合の待機時間。
	StoreBackoff time.Duration
}

// Run はコンテキストがキャンセルされるまでstepを繰り返し実行する。
// キャンセルは処理と処理の間で確認し、実行中のstepは中断しない。
func Run(ctx context.Context, logger *slog.Logger, cfg Config, step Step) {
	logger.Info("ポーラーを開始しました",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("store_backoff", cfg.StoreBackoff),
	)

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			logger.Info("ポーラーを停止しました")
			return
		}

		outcome, err := step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("ポーラーを停止しました")
				return
			}
			consecutiveErrors++
			logger.Error("ポーラーの処理に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("consecutive_errors", consecutiveErrors),
				slog.Duration("backoff", cfg.StoreBackoff),
			)
			if !Sleep(ctx, cfg.StoreBackoff) {
				logger.Info("ポーラーを停止しました")
				return
			}
			continue
		}
		consecutiveErrors = 0

		if outcome == Idle {
			if !Sleep(ctx, cfg.PollInterval) {
				logger.Info("ポーラーを停止しました")
				return
			}
		}
	}
}

// Sleep はdの間待機する。待機中にコンテキストがキャンセルされた場合はfalseを返す。
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
