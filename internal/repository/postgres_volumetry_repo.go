package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresVolumetryRepo はPostgreSQLを使用したボリューム集計リポジトリ。
type PostgresVolumetryRepo struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresVolumetryRepo はPostgresVolumetryRepoを生成する。
func NewPostgresVolumetryRepo(db *sql.DB, logger *slog.Logger) *PostgresVolumetryRepo {
	return &PostgresVolumetryRepo{db: db, logger: logger}
}

// upsertVolumetryQuery はカウンタを加算する。既存行を上書きすることはない。
const upsertVolumetryQuery = `
INSERT INTO search_volumetry (
    search_id, platform_id, date,
    nb_tweets, nb_retweets, nb_likes, nb_quotes, nb_replies,
    languages, usernames, associated_hashtags
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb)
ON CONFLICT (search_id, platform_id, date) DO UPDATE SET
    nb_tweets = search_volumetry.nb_tweets + EXCLUDED.nb_tweets,
    nb_retweets = search_volumetry.nb_retweets + EXCLUDED.nb_retweets,
    nb_likes = search_volumetry.nb_likes + EXCLUDED.nb_likes,
    nb_quotes = search_volumetry.nb_quotes + EXCLUDED.nb_quotes,
    nb_replies = search_volumetry.nb_replies + EXCLUDED.nb_replies,
    languages = jsonb_add_counts(search_volumetry.languages, EXCLUDED.languages),
    usernames = jsonb_add_counts(search_volumetry.usernames, EXCLUDED.usernames),
    associated_hashtags = jsonb_add_counts(search_volumetry.associated_hashtags, EXCLUDED.associated_hashtags),
    updated_at = now()`

// BatchIncrement は全バケットを1トランザクションで加算UPSERTする。
// 失敗時は再投入できるよう、対象バケットをJSONでログに残す。
func (r *PostgresVolumetryRepo) BatchIncrement(ctx context.Context, searchID, platformID string, buckets []model.VolumetryBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	if err := r.batchIncrement(ctx, searchID, platformID, buckets); err != nil {
		payload, _ := jsonParam(buckets)
		r.logger.Error("ボリューム集計の保存に失敗しました",
			slog.String("search_id", searchID),
			slog.String("platform_id", platformID),
			slog.Int("buckets", len(buckets)),
			slog.String("payload", payload),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (r *PostgresVolumetryRepo) batchIncrement(ctx context.Context, searchID, platformID string, buckets []model.VolumetryBucket) error {
	// 同時に走る別の検索と行ロックの取得順を揃える
	sorted := make([]model.VolumetryBucket, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertVolumetryQuery)
	if err != nil {
		return fmt.Errorf("ボリューム集計クエリの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, b := range sorted {
		languages, err := jsonParam(countsOrEmpty(b.Languages))
		if err != nil {
			return err
		}
		usernames, err := jsonParam(countsOrEmpty(b.Usernames))
		if err != nil {
			return err
		}
		hashtags, err := jsonParam(countsOrEmpty(b.AssociatedHashtags))
		if err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx,
			searchID, platformID, b.Date.UTC(),
			b.Tweets, b.Retweets, b.Likes, b.Quotes, b.Replies,
			languages, usernames, hashtags,
		); err != nil {
			return fmt.Errorf("ボリューム集計の加算に失敗しました (date=%s): %w", b.Date.UTC().Format("2006-01-02T15:04:05Z"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func countsOrEmpty(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

// compile-time interface check
var _ VolumetryRepository = (*PostgresVolumetryRepo)(nil)
