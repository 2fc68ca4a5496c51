package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresProcessorRepo はPostgreSQLを使用したワーカーハートビートのリポジトリ。
type PostgresProcessorRepo struct {
	db *sql.DB
}

// NewPostgresProcessorRepo はPostgresProcessorRepoを生成する。
func NewPostgresProcessorRepo(db *sql.DB) *PostgresProcessorRepo {
	return &PostgresProcessorRepo{db: db}
}

// Heartbeat はハートビートをUPSERTする。nilの日時は既存値を維持する。
func (r *PostgresProcessorRepo) Heartbeat(ctx context.Context, p *model.Processor) error {
	metadata, err := jsonParam(p.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO processors (id, metadata, last_poll_at, last_processed_at, updated_at)
		 VALUES ($1, $2::jsonb, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     metadata = EXCLUDED.metadata,
		     last_poll_at = COALESCE(EXCLUDED.last_poll_at, processors.last_poll_at),
		     last_processed_at = COALESCE(EXCLUDED.last_processed_at, processors.last_processed_at),
		     updated_at = EXCLUDED.updated_at`,
		p.ID, metadata, nullTime(p.LastPollAt), nullTime(p.LastProcessedAt), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ハートビートの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProcessorRepository = (*PostgresProcessorRepo)(nil)
