// Package queue はキューアイテムのクレームと、処理に伴う検索・キューアイテムの状態遷移を提供する。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/repository"
)

// Config はManagerの設定。
type Config struct {
	// ProcessorID はクレーム時にキューアイテムへ記録するワーカー識別子。
	ProcessorID string
	// StaleAfter はハートビートがこの時間途絶えたワーカーを停止済みとみなす閾値。
	StaleAfter time.Duration
	// RecoverablePatterns は再投入対象とするエラーメッセージの部分文字列。
	RecoverablePatterns []string
}

// RecoveryReport はResetOutdatedの結果。
type RecoveryReport struct {
	Reset    int64
	Requeued int64
}

// Manager はキューのクレームと状態遷移を管理する。
// 全ワーカー間の排他はQueueItemRepository.Claimの原子性のみに依存する。
type Manager struct {
	searches repository.SearchRepository
	items    repository.QueueItemRepository
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// NewManager はManagerを生成する。
func NewManager(
	searches repository.SearchRepository,
	items repository.QueueItemRepository,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	return &Manager{
		searches: searches,
		items:    items,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock は現在時刻の取得関数を差し替えたManagerを返す。
func (m *Manager) WithClock(now func() time.Time) *Manager {
	c := *m
	c.now = now
	return &c
}

// ProcessorID はこのManagerがクレームに使うワーカー識別子を返す。
func (m *Manager) ProcessorID() string {
	return m.cfg.ProcessorID
}

// ClaimNext は指定種別の最優先アイテムを1件クレームし、残りの処理可能件数とあわせて返す。
// 対象がない場合はnilを返す。
func (m *Manager) ClaimNext(ctx context.Context, action model.QueueAction, minPriority int) (*model.QueueItem, int, error) {
	item, remaining, err := m.items.Claim(ctx, action, minPriority, m.cfg.ProcessorID, m.now())
	if err != nil {
		return nil, 0, err
	}
	if item == nil {
		return nil, remaining, nil
	}

	if item.Search == nil {
		search, err := m.searches.FindByID(ctx, item.SearchID)
		if err != nil {
			return nil, 0, err
		}
		if search == nil {
			return nil, 0, fmt.Errorf("キューアイテム %s の検索 %s が見つかりません", item.ID, item.SearchID)
		}
		item.Search = search
	}

	m.logger.Info("キューアイテムをクレームしました",
		slog.String("queue_item_id", item.ID),
		slog.String("action", string(item.Action)),
		slog.Int("priority", item.Priority),
		slog.String("search", item.Search.Name),
		slog.String("mode", item.Cursor.Mode().String()),
		slog.Int("remaining", remaining),
	)

	return item, remaining, nil
}

// StartProcessing は検索を処理中ステータスに遷移させ、現在のスクレイプバージョンを記録する。
func (m *Manager) StartProcessing(ctx context.Context, item *model.QueueItem) error {
	if item.Search == nil {
		return fmt.Errorf("キューアイテム %s に検索が読み込まれていません", item.ID)
	}

	ApplyStart(item.Search, item)
	if err := m.searches.UpdateState(ctx, item.Search); err != nil {
		return err
	}
	return nil
}

// StopProcessing はキューアイテムと検索を完了状態にする。
// キューアイテムを先に更新し、続けて検索を更新する。
// 同じ入力で再実行しても同じ状態に収束する。
func (m *Manager) StopProcessing(ctx context.Context, item *model.QueueItem, itemPatch ItemPatch, searchPatch SearchPatch) error {
	if item.Search == nil {
		return fmt.Errorf("キューアイテム %s に検索が読み込まれていません", item.ID)
	}

	ApplyStop(item, item.Search, itemPatch, searchPatch)

	if err := m.items.UpdateState(ctx, item); err != nil {
		return err
	}
	if err := m.searches.UpdateState(ctx, item.Search); err != nil {
		return err
	}

	m.logger.Info("キューアイテムの処理を完了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("status", string(item.Status)),
		slog.String("search_status", string(item.Search.Status)),
	)
	return nil
}

// StopProcessingWithError はキューアイテムと検索をDONE_ERRORにし、エラー内容を記録する。
// DONE_ERRORのアイテムは再投入されるまで処理されない。
func (m *Manager) StopProcessingWithError(ctx context.Context, item *model.QueueItem, cause error) error {
	if item.Search == nil {
		return fmt.Errorf("キューアイテム %s に検索が読み込まれていません", item.ID)
	}

	reason := errorReason(cause)
	ApplyError(item, item.Search, reason)

	if err := m.items.UpdateState(ctx, item); err != nil {
		return err
	}
	if err := m.searches.UpdateState(ctx, item.Search); err != nil {
		return err
	}

	m.logger.Warn("キューアイテムをエラー終了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("search", item.Search.Name),
		slog.String("error", reason),
	)
	return nil
}

// StopItem はキューアイテムのみを完了状態にする。検索の状態は変更しない。
// 検索の収集状態と独立に動くRETWEETSアイテムで使う。
func (m *Manager) StopItem(ctx context.Context, item *model.QueueItem, itemPatch ItemPatch) error {
	ApplyItemStop(item, itemPatch)
	if err := m.items.UpdateState(ctx, item); err != nil {
		return err
	}

	m.logger.Info("キューアイテムの処理を完了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("action", string(item.Action)),
		slog.String("status", string(item.Status)),
	)
	return nil
}

// StopItemWithError はキューアイテムのみをDONE_ERRORにする。検索の状態は変更しない。
func (m *Manager) StopItemWithError(ctx context.Context, item *model.QueueItem, cause error) error {
	reason := errorReason(cause)
	item.Status = model.QueueStatusDoneError
	item.Error = reason
	if err := m.items.UpdateState(ctx, item); err != nil {
		return err
	}

	m.logger.Warn("キューアイテムをエラー終了しました",
		slog.String("queue_item_id", item.ID),
		slog.String("action", string(item.Action)),
		slog.String("error", reason),
	)
	return nil
}

// errorReason は保存用のエラー文字列を返す。TEXT列に入らない不正なUTF-8は取り除く。
func errorReason(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return strings.ToValidUTF8(cause.Error(), "")
}

// Enqueue は新しいPENDINGアイテムを作成する。
// processingDateがゼロ値の場合は即時処理可能とする。
func (m *Manager) Enqueue(ctx context.Context, searchID string, action model.QueueAction, cursor model.Cursor, priority int, processingDate time.Time) (*model.QueueItem, error) {
	now := m.now()
	if processingDate.IsZero() {
		processingDate = now
	}

	item := &model.QueueItem{
		ID:             m.newID(),
		Action:         action,
		Priority:       priority,
		Status:         model.QueueStatusPending,
		ProcessingDate: processingDate,
		Cursor:         cursor,
		SearchID:       searchID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.items.Create(ctx, item); err != nil {
		return nil, err
	}

	m.logger.Info("キューアイテムを追加しました",
		slog.String("queue_item_id", item.ID),
		slog.String("search_id", searchID),
		slog.String("action", string(action)),
		slog.Int("priority", priority),
		slog.String("cursor", cursor.String()),
		slog.Time("processing_date", processingDate),
	)
	return item, nil
}

// ResetOutdated は起動時の自己修復を行う。
// 停止したワーカーが保持していたPROCESSINGアイテムをPENDINGに戻し、
// 一時的な失敗によるDONE_ERRORアイテムを再投入する。
func (m *Manager) ResetOutdated(ctx context.Context, action model.QueueAction) (RecoveryReport, error) {
	var report RecoveryReport

	staleBefore := m.now().Add(-m.cfg.StaleAfter)
	reset, err := m.items.ResetOrphaned(ctx, action, m.cfg.ProcessorID, staleBefore)
	if err != nil {
		return report, err
	}
	report.Reset = reset

	requeued, err := m.items.RequeueFailed(ctx, action, m.cfg.RecoverablePatterns)
	if err != nil {
		return report, err
	}
	report.Requeued = requeued

	m.logger.Info("キューの自己修復を実行しました",
		slog.String("action", string(action)),
		slog.Int64("reset", report.Reset),
		slog.Int64("requeued", report.Requeued),
	)
	return report, nil
}

// EnsureItems は指定種別のキューアイテムを持たない全検索に初回取得のアイテムを作成する。
func (m *Manager) EnsureItems(ctx context.Context, action model.QueueAction, priority int) (int, error) {
	searches, err := m.searches.ListWithoutQueueItem(ctx, action)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, s := range searches {
		if _, err := m.Enqueue(ctx, s.ID, action, model.FirstRequest(), priority, time.Time{}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Track は検索語を追跡対象に登録する。既に登録済みの場合は既存の検索を返す。
// SEARCHアイテムを持たない検索には即時処理のアイテムを、RETWEETSアイテムも同様に作成する。
// 戻り値のboolは新規作成したかどうか。
func (m *Manager) Track(ctx context.Context, name string, searchType model.SearchType) (*model.Search, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("検索語が空です")
	}

	search, err := m.searches.FindByName(ctx, name)
	if err != nil {
		return nil, false, err
	}

	created := false
	if search == nil {
		now := m.now()
		search = &model.Search{
			ID:        m.newID(),
			Name:      name,
			Type:      searchType,
			Status:    model.SearchStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.searches.Create(ctx, search); err != nil {
			return nil, false, err
		}
		created = true
		m.logger.Info("検索を登録しました",
			slog.String("search_id", search.ID),
			slog.String("name", search.Name),
			slog.String("type", string(search.Type)),
		)
	}

	for _, action := range []model.QueueAction{model.QueueActionSearch, model.QueueActionRetweets} {
		exists, err := m.items.ExistsForSearch(ctx, search.ID, action)
		if err != nil {
			return nil, false, err
		}
		if exists {
			continue
		}
		if _, err := m.Enqueue(ctx, search.ID, action, model.FirstRequest(), model.PriorityNow, time.Time{}); err != nil {
			return nil, false, err
		}
	}

	return search, created, nil
}
