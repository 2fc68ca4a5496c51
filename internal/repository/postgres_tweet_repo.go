package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/searchwatch/internal/model"
)

// PostgresTweetRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresTweetRepo struct {
	db *sql.DB
}

// NewPostgresTweetRepo はPostgresTweetRepoを生成する。
func NewPostgresTweetRepo(db *sql.DB) *PostgresTweetRepo {
	return &PostgresTweetRepo{db: db}
}

// upsertTweetQuery は投稿を冪等に保存する。
// searchesは集合として扱い、同じ検索IDを二重に追加しない。
const upsertTweetQuery = `
INSERT INTO tweets (
    id, url, date, hour, content, username, user_id,
    reply_count, retweet_count, like_count, quote_count,
    conversation_id, lang, source_url, outlinks, media,
    retweeted_tweet_id, quoted_tweet_id, in_reply_to_tweet_id, in_reply_to_username,
    mentioned_usernames, hashtags, cashtags, place, coordinates, searches
) VALUES (
    $1, $2, $3, $4, $5, $6, $7,
    $8, $9, $10, $11,
    $12, $13, $14, $15, $16::jsonb,
    $17, $18, $19, $20,
    $21, $22, $23, $24::jsonb, $25::jsonb, ARRAY[$26::uuid]
)
ON CONFLICT (id) DO UPDATE SET
    content = EXCLUDED.content,
    reply_count = EXCLUDED.reply_count,
    retweet_count = EXCLUDED.retweet_count,
    like_count = EXCLUDED.like_count,
    quote_count = EXCLUDED.quote_count,
    outlinks = EXCLUDED.outlinks,
    media = EXCLUDED.media,
    mentioned_usernames = EXCLUDED.mentioned_usernames,
    hashtags = EXCLUDED.hashtags,
    cashtags = EXCLUDED.cashtags,
    place = EXCLUDED.place,
    coordinates = EXCLUDED.coordinates,
    searches = CASE
        WHEN $26::uuid = ANY(tweets.searches) THEN tweets.searches
        ELSE array_append(tweets.searches, $26::uuid)
    END,
    updated_at = now()`

// BatchUpsert は投稿を1トランザクションでアップサートする。
func (r *PostgresTweetRepo) BatchUpsert(ctx context.Context, tweets []model.Tweet, searchID string) error {
	if len(tweets) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTweets(ctx, tx, tweets, searchID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// UpsertEngagement は投稿をアップサートし、更新前のエンゲージメント値をIDごとに返す。
// 既存行はFOR UPDATEで読み取り、比較対象と更新結果の間に他の書き込みが入らないようにする。
func (r *PostgresTweetRepo) UpsertEngagement(ctx context.Context, tweets []model.Tweet, searchID string) (map[string]model.Tweet, error) {
	previous := make(map[string]model.Tweet)
	if len(tweets) == 0 {
		return previous, nil
	}

	ids := make([]string, len(tweets))
	for i, t := range tweets {
		ids[i] = t.ID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, username, like_count, retweet_count, quote_count, reply_count
		 FROM tweets WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("既存投稿の取得に失敗しました: %w", err)
	}
	for rows.Next() {
		var t model.Tweet
		if err := rows.Scan(&t.ID, &t.Username, &t.LikeCount, &t.RetweetCount, &t.QuoteCount, &t.ReplyCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("既存投稿の読み取りに失敗しました: %w", err)
		}
		previous[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("既存投稿の走査に失敗しました: %w", err)
	}
	rows.Close()

	if err := upsertTweets(ctx, tx, tweets, searchID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return previous, nil
}

func upsertTweets(ctx context.Context, tx *sql.Tx, tweets []model.Tweet, searchID string) error {
	stmt, err := tx.PrepareContext(ctx, upsertTweetQuery)
	if err != nil {
		return fmt.Errorf("投稿保存クエリの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for i := range tweets {
		t := &tweets[i]

		media := t.Media
		if media == nil {
			media = []model.Media{}
		}
		mediaParam, err := jsonParam(media)
		if err != nil {
			return err
		}
		place, err := nullJSONParam(t.Place)
		if err != nil {
			return err
		}
		coordinates, err := nullJSONParam(t.Coordinates)
		if err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx,
			t.ID, nullString(t.URL), t.Date.UTC(), t.Hour(), t.Content, t.Username, nullString(t.UserID),
			t.ReplyCount, t.RetweetCount, t.LikeCount, t.QuoteCount,
			nullString(t.ConversationID), nullString(t.Lang), nullString(t.SourceURL),
			pq.Array(nonNilStrings(t.Outlinks)), mediaParam,
			nullString(t.RetweetedTweetID), nullString(t.QuotedTweetID),
			nullString(t.InReplyToTweetID), nullString(t.InReplyToUsername),
			pq.Array(nonNilStrings(t.MentionedUsernames)), pq.Array(nonNilStrings(t.Hashtags)),
			pq.Array(nonNilStrings(t.Cashtags)),
			place, coordinates, searchID,
		); err != nil {
			return fmt.Errorf("投稿の保存に失敗しました (id=%s): %w", t.ID, err)
		}
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// compile-time interface check
var _ TweetRepository = (*PostgresTweetRepo)(nil)
