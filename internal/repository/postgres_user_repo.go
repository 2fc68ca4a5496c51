package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用した投稿者リポジトリ。
// 現在はTwitterの投稿者のみを扱う。
type PostgresUserRepo struct {
	db         *sql.DB
	platformID string
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, platformID: model.PlatformTwitter}
}

const userColumns = `id, username, display_name, description, verified, created,
	followers_count, friends_count, statuses_count, favourites_count, listed_count, media_count,
	location, protected, link_url, profile_image_url, profile_banner_url, url,
	bot_score, bot_score_provider, bot_score_updated_at, bot_score_metadata, searches`

// upsertUserQuery はプロフィールのみを更新し、ボットスコア関連の列には触れない。
// 検索IDがNULLの場合はsearchesを変更しない。
const upsertUserQuery = `
INSERT INTO users (
    platform_id, id, username, display_name, description, verified, created,
    followers_count, friends_count, statuses_count, favourites_count, listed_count, media_count,
    location, protected, link_url, profile_image_url, profile_banner_url, url, searches
) VALUES (
    $1, $2, $3, $4, $5, $6, $7,
    $8, $9, $10, $11, $12, $13,
    $14, $15, $16, $17, $18, $19,
    CASE WHEN $20::uuid IS NULL THEN '{}'::uuid[] ELSE ARRAY[$20::uuid] END
)
ON CONFLICT (platform_id, id) DO UPDATE SET
    username = EXCLUDED.username,
    display_name = EXCLUDED.display_name,
    description = EXCLUDED.description,
    verified = EXCLUDED.verified,
    created = COALESCE(EXCLUDED.created, users.created),
    followers_count = EXCLUDED.followers_count,
    friends_count = EXCLUDED.friends_count,
    statuses_count = EXCLUDED.statuses_count,
    favourites_count = EXCLUDED.favourites_count,
    listed_count = EXCLUDED.listed_count,
    media_count = EXCLUDED.media_count,
    location = EXCLUDED.location,
    protected = EXCLUDED.protected,
    link_url = EXCLUDED.link_url,
    profile_image_url = EXCLUDED.profile_image_url,
    profile_banner_url = EXCLUDED.profile_banner_url,
    url = EXCLUDED.url,
    searches = CASE
        WHEN $20::uuid IS NULL OR $20::uuid = ANY(users.searches) THEN users.searches
        ELSE array_append(users.searches, $20::uuid)
    END,
    updated_at = now()`

// scanUser はuserColumnsの順で1行を読み取る。
func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var created, botUpdatedAt sql.NullTime
	var linkURL, imageURL, bannerURL, url, botProvider sql.NullString
	var botScore sql.NullFloat64
	var botMetadata []byte
	var searches pq.StringArray

	if err := row.Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.Description, &u.Verified, &created,
		&u.FollowersCount, &u.FriendsCount, &u.StatusesCount, &u.FavouritesCount, &u.ListedCount, &u.MediaCount,
		&u.Location, &u.Protected, &linkURL, &imageURL, &bannerURL, &url,
		&botScore, &botProvider, &botUpdatedAt, &botMetadata, &searches,
	); err != nil {
		return nil, err
	}

	u.Created = nullTimeValue(created)
	u.LinkURL = nullStringValue(linkURL)
	u.ProfileImageURL = nullStringValue(imageURL)
	u.ProfileBannerURL = nullStringValue(bannerURL)
	u.URL = nullStringValue(url)
	u.Searches = []string(searches)

	if botScore.Valid && botUpdatedAt.Valid {
		u.BotScore = &model.BotScore{
			Score:     botScore.Float64,
			Provider:  nullStringValue(botProvider),
			UpdatedAt: botUpdatedAt.Time,
			Metadata:  botMetadata,
		}
	}

	return u, nil
}

// BatchUpsert は投稿者を1トランザクションでアップサートする。
func (r *PostgresUserRepo) BatchUpsert(ctx context.Context, users []model.User, searchID string) error {
	if len(users) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertUserQuery)
	if err != nil {
		return fmt.Errorf("投稿者保存クエリの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for i := range users {
		u := &users[i]
		if _, err := stmt.ExecContext(ctx,
			r.platformID, u.ID, u.Username, u.DisplayName, u.Description, u.Verified, nullTime(u.Created),
			u.FollowersCount, u.FriendsCount, u.StatusesCount, u.FavouritesCount, u.ListedCount, u.MediaCount,
			u.Location, u.Protected, nullString(u.LinkURL), nullString(u.ProfileImageURL),
			nullString(u.ProfileBannerURL), nullString(u.URL), nullString(searchID),
		); err != nil {
			return fmt.Errorf("投稿者の保存に失敗しました (id=%s): %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// FindByUsername はユーザー名で投稿者を取得する。見つからない場合はnilを返す。
// ユーザー名の大文字小文字は区別しない。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE platform_id = $1 AND lower(username) = lower($2)
		 ORDER BY updated_at DESC LIMIT 1`,
		r.platformID, username,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿者の取得に失敗しました: %w", err)
	}
	return u, nil
}

// ListOutdatedBotScore はボットスコアが未取得またはstaleBeforeより古い投稿者を返す。
// 未取得の投稿者を優先し、その後は古い順に並べる。
func (r *PostgresUserRepo) ListOutdatedBotScore(ctx context.Context, staleBefore time.Time, limit int) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE platform_id = $1
		   AND (bot_score_updated_at IS NULL OR bot_score_updated_at < $2)
		 ORDER BY bot_score_updated_at ASC NULLS FIRST
		 LIMIT $3`,
		r.platformID, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ボットスコア更新対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("投稿者の読み取りに失敗しました: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿者の走査に失敗しました: %w", err)
	}

	return users, nil
}

// UpdateBotScore は投稿者のボットスコアを保存する。
func (r *PostgresUserRepo) UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error {
	var metadata sql.NullString
	if len(score.Metadata) > 0 {
		metadata = sql.NullString{String: string(score.Metadata), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET
		    bot_score = $3,
		    bot_score_provider = $4,
		    bot_score_updated_at = $5,
		    bot_score_metadata = $6::jsonb,
		    updated_at = now()
		 WHERE platform_id = $1 AND id = $2`,
		r.platformID, userID, score.Score, score.Provider, score.UpdatedAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("ボットスコアの保存に失敗しました: %w", err)
	}
	return nil
}

// MarkBotScoreFailed は判定に失敗した投稿者の試行日時と原因を保存する。
// bot_scoreはNULLにするため、読み取り時はスコア未取得として扱われる。
func (r *PostgresUserRepo) MarkBotScoreFailed(ctx context.Context, userID, provider string, at time.Time, cause string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET
		    bot_score = NULL,
		    bot_score_provider = $3,
		    bot_score_updated_at = $4,
		    bot_score_metadata = jsonb_build_object('error', $5::text),
		    updated_at = now()
		 WHERE platform_id = $1 AND id = $2`,
		r.platformID, userID, provider, at, cause,
	)
	if err != nil {
		return fmt.Errorf("ボットスコアの失敗記録に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
