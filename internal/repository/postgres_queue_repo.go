package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresQueueItemRepo はPostgreSQLを使用したキューアイテムリポジトリ。
type PostgresQueueItemRepo struct {
	db *sql.DB
}

// NewPostgresQueueItemRepo はPostgresQueueItemRepoを生成する。
func NewPostgresQueueItemRepo(db *sql.DB) *PostgresQueueItemRepo {
	return &PostgresQueueItemRepo{db: db}
}

// claimQuery は最優先の処理可能アイテムを1件だけPROCESSINGに遷移させる。
// FOR UPDATE SKIP LOCKEDにより、並行するワーカー同士が同じ行を取得することはない。
// 外側のUPDATEにもstatus条件を付け、ロック解放後の再評価でも二重取得を防ぐ。
const claimQuery = `
WITH claimed AS (
    UPDATE queue_items SET
        status = 'PROCESSING',
        processor_id = $3,
        updated_at = $4
    WHERE id = (
        SELECT id FROM queue_items
        WHERE action = $1
          AND status = 'PENDING'
          AND priority >= $2
          AND processing_date <= $4
        ORDER BY priority ASC, created_at DESC
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    )
    AND status = 'PENDING'
    RETURNING id, action, priority, status, processing_date, processor_id,
              last_evaluated_until_id, last_evaluated_since_id,
              number_times_crawled, error, search_id, created_at, updated_at
)
SELECT c.id, c.action, c.priority, c.status, c.processing_date, c.processor_id,
       c.last_evaluated_until_id, c.last_evaluated_since_id,
       c.number_times_crawled, c.error, c.search_id, c.created_at, c.updated_at,
       ` + searchColumns + `
FROM claimed c
JOIN searches s ON s.id = c.search_id`

const countClaimableQuery = `
SELECT COUNT(*) FROM queue_items
WHERE action = $1 AND status = 'PENDING' AND priority >= $2 AND processing_date <= $3`

// Claim は処理可能なPENDINGアイテムのうち最優先の1件を原子的に取得する。
// 対象がない場合はnilと残件数0を返す。
func (r *PostgresQueueItemRepo) Claim(ctx context.Context, action model.QueueAction, minPriority int, processorID string, now time.Time) (*model.QueueItem, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	item, err := scanClaimedItem(tx.QueryRowContext(ctx, claimQuery, action, minPriority, processorID, now))
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("キューアイテムのクレームに失敗しました: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, countClaimableQuery, action, minPriority, now).Scan(&remaining); err != nil {
		return nil, 0, fmt.Errorf("残りキューアイテム数の取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return item, remaining, nil
}

// scanClaimedItem はclaimQueryの結果1行をキューアイテムと所有検索に読み込む。
func scanClaimedItem(row rowScanner) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	search := &model.Search{}
	var processorID, untilID, sinceID, itemError sql.NullString
	var metadata []byte
	var firstOccurence, oldest, newest sql.NullTime
	var searchError sql.NullString

	if err := row.Scan(
		&item.ID, &item.Action, &item.Priority, &item.Status, &item.ProcessingDate, &processorID,
		&untilID, &sinceID,
		&item.NumberTimesCrawled, &itemError, &item.SearchID, &item.CreatedAt, &item.UpdatedAt,
		&search.ID, &search.Name, &search.Type, &search.Status, &metadata,
		&firstOccurence, &oldest, &newest,
		&search.ScrapeVersion, &searchError, &search.CreatedAt, &search.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cursor, err := model.CursorFromIDs(nullStringValue(untilID), nullStringValue(sinceID))
	if err != nil {
		return nil, err
	}
	item.Cursor = cursor
	item.ProcessorID = nullStringValue(processorID)
	item.Error = nullStringValue(itemError)

	if err := unmarshalSearchMetadata(metadata, &search.Metadata); err != nil {
		return nil, err
	}
	search.FirstOccurenceDate = nullTimeValue(firstOccurence)
	search.OldestProcessedDate = nullTimeValue(oldest)
	search.NewestProcessedDate = nullTimeValue(newest)
	search.Error = nullStringValue(searchError)
	item.Search = search

	return item, nil
}

// Create はキューアイテムを作成する。
func (r *PostgresQueueItemRepo) Create(ctx context.Context, item *model.QueueItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_items (
		    id, action, priority, status, processing_date, processor_id, search_id,
		    last_evaluated_until_id, last_evaluated_since_id, number_times_crawled, error,
		    created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.Action, item.Priority, item.Status, item.ProcessingDate,
		nullString(item.ProcessorID), item.SearchID,
		nullString(item.Cursor.UntilID()), nullString(item.Cursor.SinceID()),
		item.NumberTimesCrawled, nullString(item.Error),
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("キューアイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState はキューアイテムの状態を更新する。
func (r *PostgresQueueItemRepo) UpdateState(ctx context.Context, item *model.QueueItem) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET
		    status = $2,
		    processor_id = $3,
		    processing_date = $4,
		    number_times_crawled = $5,
		    error = $6,
		    updated_at = now()
		 WHERE id = $1`,
		item.ID,
		item.Status,
		nullString(item.ProcessorID),
		item.ProcessingDate,
		item.NumberTimesCrawled,
		nullString(item.Error),
	)
	if err != nil {
		return fmt.Errorf("キューアイテム状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ExistsForSearch は指定検索に指定種別のキューアイテムが存在するかを返す。
func (r *PostgresQueueItemRepo) ExistsForSearch(ctx context.Context, searchID string, action model.QueueAction) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE search_id = $1 AND action = $2)`,
		searchID, action,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("キューアイテムの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// ResetOrphaned は所有者が停止したPROCESSINGアイテムをPENDINGに戻す。
func (r *PostgresQueueItemRepo) ResetOrphaned(ctx context.Context, action model.QueueAction, processorID string, staleBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_items q SET
		    status = 'PENDING',
		    processor_id = NULL,
		    updated_at = now()
		 WHERE q.action = $1
		   AND q.status = 'PROCESSING'
		   AND (
		       q.processor_id IS NULL
		       OR q.processor_id = $2
		       OR NOT EXISTS (
		           SELECT 1 FROM processors p
		           WHERE p.id = q.processor_id AND p.updated_at >= $3
		       )
		   )`,
		action, processorID, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("処理中キューアイテムのリセットに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("リセット件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// RequeueFailed はエラーメッセージがpatternsのいずれかを含むDONE_ERRORアイテムを再投入する。
// アイテムと所有検索の更新は同一トランザクションで行う。
func (r *PostgresQueueItemRepo) RequeueFailed(ctx context.Context, action model.QueueAction, patterns []string) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}

	likes := make([]string, len(patterns))
	for i, p := range patterns {
		likes[i] = "%" + p + "%"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`UPDATE queue_items SET
		    status = 'PENDING',
		    processor_id = NULL,
		    error = NULL,
		    updated_at = now()
		 WHERE action = $1
		   AND status = 'DONE_ERROR'
		   AND error ILIKE ANY($2)
		 RETURNING search_id`,
		action, pq.Array(likes),
	)
	if err != nil {
		return 0, fmt.Errorf("失敗キューアイテムの再投入に失敗しました: %w", err)
	}

	var searchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("再投入したキューアイテムの読み取りに失敗しました: %w", err)
		}
		searchIDs = append(searchIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("再投入したキューアイテムの走査に失敗しました: %w", err)
	}
	rows.Close()

	if len(searchIDs) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE searches SET status = 'PENDING', error = NULL, updated_at = now()
			 WHERE id = ANY($1::uuid[]) AND status = 'DONE_ERROR'`,
			pq.Array(searchIDs),
		); err != nil {
			return 0, fmt.Errorf("失敗した検索の再開に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return int64(len(searchIDs)), nil
}

// DeleteDoneBefore は指定日時より前に完了したDONEアイテムを削除する。
// DONE_ERRORは再投入の対象となるため残す。
func (r *PostgresQueueItemRepo) DeleteDoneBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items
		 WHERE status = 'DONE' AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("完了済みキューアイテムの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ QueueItemRepository = (*PostgresQueueItemRepo)(nil)
