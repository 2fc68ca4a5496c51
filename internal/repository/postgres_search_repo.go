package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresSearchRepo はPostgreSQLを使用した検索リポジトリ。
type PostgresSearchRepo struct {
	db *sql.DB
}

// NewPostgresSearchRepo はPostgresSearchRepoを生成する。
func NewPostgresSearchRepo(db *sql.DB) *PostgresSearchRepo {
	return &PostgresSearchRepo{db: db}
}

const searchColumns = `s.id, s.name, s.type, s.status, s.metadata,
	s.first_occurence_date, s.oldest_processed_date, s.newest_processed_date,
	s.scrape_version, s.error, s.created_at, s.updated_at`

// scanSearch はsearchColumnsの順で1行を読み取る。
func scanSearch(row rowScanner) (*model.Search, error) {
	s := &model.Search{}
	var metadata []byte
	var firstOccurence, oldest, newest sql.NullTime
	var errorText sql.NullString

	if err := row.Scan(
		&s.ID, &s.Name, &s.Type, &s.Status, &metadata,
		&firstOccurence, &oldest, &newest,
		&s.ScrapeVersion, &errorText, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := unmarshalSearchMetadata(metadata, &s.Metadata); err != nil {
		return nil, err
	}
	s.FirstOccurenceDate = nullTimeValue(firstOccurence)
	s.OldestProcessedDate = nullTimeValue(oldest)
	s.NewestProcessedDate = nullTimeValue(newest)
	s.Error = nullStringValue(errorText)

	return s, nil
}

func unmarshalSearchMetadata(raw []byte, dst *model.SearchMetadata) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("検索メタデータの読み取りに失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの検索を取得する。見つからない場合はnilを返す。
func (r *PostgresSearchRepo) FindByID(ctx context.Context, id string) (*model.Search, error) {
	s, err := scanSearch(r.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM searches s WHERE s.id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("検索の取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindByName は検索語で検索を取得する。見つからない場合はnilを返す。
func (r *PostgresSearchRepo) FindByName(ctx context.Context, name string) (*model.Search, error) {
	s, err := scanSearch(r.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM searches s WHERE s.name = $1`, name,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("検索語による検索の取得に失敗しました: %w", err)
	}
	return s, nil
}

// Create は検索を作成する。
func (r *PostgresSearchRepo) Create(ctx context.Context, search *model.Search) error {
	metadata, err := jsonParam(search.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO searches (id, name, type, status, metadata, scrape_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		search.ID, search.Name, search.Type, search.Status, metadata,
		search.ScrapeVersion, search.CreatedAt, search.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("検索の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState は検索の処理状態を更新する。
func (r *PostgresSearchRepo) UpdateState(ctx context.Context, search *model.Search) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE searches SET
		    status = $2,
		    first_occurence_date = $3,
		    oldest_processed_date = $4,
		    newest_processed_date = $5,
		    scrape_version = $6,
		    error = $7,
		    updated_at = now()
		 WHERE id = $1`,
		search.ID,
		search.Status,
		nullTime(search.FirstOccurenceDate),
		nullTime(search.OldestProcessedDate),
		nullTime(search.NewestProcessedDate),
		search.ScrapeVersion,
		nullString(search.Error),
	)
	if err != nil {
		return fmt.Errorf("検索状態の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateMetadata は検索のメタデータを置き換える。
func (r *PostgresSearchRepo) UpdateMetadata(ctx context.Context, searchID string, metadata model.SearchMetadata) error {
	param, err := jsonParam(metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE searches SET metadata = $2::jsonb, updated_at = now() WHERE id = $1`,
		searchID, param,
	)
	if err != nil {
		return fmt.Errorf("検索メタデータの更新に失敗しました: %w", err)
	}
	return nil
}

// ListWithoutQueueItem は指定種別のキューアイテムを1件も持たない検索を返す。
func (r *PostgresSearchRepo) ListWithoutQueueItem(ctx context.Context, action model.QueueAction) ([]*model.Search, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+searchColumns+`
		 FROM searches s
		 WHERE NOT EXISTS (
		     SELECT 1 FROM queue_items q WHERE q.search_id = s.id AND q.action = $1
		 )
		 ORDER BY s.created_at ASC`,
		action,
	)
	if err != nil {
		return nil, fmt.Errorf("キューアイテム未作成の検索の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var searches []*model.Search
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("検索の読み取りに失敗しました: %w", err)
		}
		searches = append(searches, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索の走査に失敗しました: %w", err)
	}

	return searches, nil
}

// compile-time interface check
var _ SearchRepository = (*PostgresSearchRepo)(nil)
