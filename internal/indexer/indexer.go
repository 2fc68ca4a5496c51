// Package indexer は収集した投稿と投稿者をElasticsearchへ登録する。
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/hitoshi/searchwatch/internal/model"
)

// インデックス名。
const (
	TweetsIndex = "tweets"
	UsersIndex  = "users"
)

// appendSearchScript は既存ドキュメントのsearchesを保ったまま他のフィールドを上書きする。
const appendSearchScript = `def s = ctx._source.searches; ctx._source.putAll(params.doc); ` +
	`if (s == null) { s = new ArrayList(); } ` +
	`if (!s.contains(params.search)) { s.add(params.search); } ` +
	`ctx._source.searches = s;`

// Indexer はバルクAPIで投稿と投稿者をインデックスする。
type Indexer struct {
	client *es.Client
	logger *slog.Logger
}

// New はElasticsearchのURLからIndexerを生成する。URLが空の場合はnilを返す。
func New(url string, logger *slog.Logger) (*Indexer, error) {
	if url == "" {
		return nil, nil
	}
	client, err := es.NewClient(es.Config{Addresses: []string{url}})
	if err != nil {
		return nil, fmt.Errorf("Elasticsearchクライアントの生成に失敗しました: %w", err)
	}
	return &Indexer{client: client, logger: logger}, nil
}

// IndexBatch は投稿と投稿者を1回のバルクリクエストで登録する。
// 既存ドキュメントのsearchesにsearchIDを追加し、他のフィールドは最新値で置き換える。
func (x *Indexer) IndexBatch(ctx context.Context, searchID string, tweets []model.Tweet, users []model.User) error {
	if len(tweets) == 0 && len(users) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tweets {
		if err := encodeUpsert(enc, TweetsIndex, t.ID, searchID, tweetDocument(t)); err != nil {
			return err
		}
	}
	for _, u := range users {
		if err := encodeUpsert(enc, UsersIndex, u.ID, searchID, userDocument(u)); err != nil {
			return err
		}
	}

	start := time.Now()
	res, err := x.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		x.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("バルクリクエストに失敗しました: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("バルクリクエストがエラーを返しました: %s", res.String())
	}

	failed, err := countItemErrors(res.Body)
	if err != nil {
		return err
	}
	if failed > 0 {
		x.logger.Warn("一部のドキュメントのインデックスに失敗しました",
			slog.String("search_id", searchID),
			slog.Int("failed", failed),
		)
	}

	x.logger.Info("インデックスを更新しました",
		slog.String("search_id", searchID),
		slog.Int("tweets", len(tweets)),
		slog.Int("users", len(users)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func encodeUpsert(enc *json.Encoder, index, id, searchID string, doc map[string]any) error {
	meta := map[string]any{
		"update": map[string]any{"_index": index, "_id": id},
	}
	body := map[string]any{
		"scripted_upsert": true,
		"script": map[string]any{
			"source": appendSearchScript,
			"params": map[string]any{"doc": doc, "search": searchID},
		},
		"upsert": map[string]any{},
	}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("バルク操作のエンコードに失敗しました: %w", err)
	}
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("ドキュメントのエンコードに失敗しました: %w", err)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

func countItemErrors(r io.Reader) (int, error) {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return 0, fmt.Errorf("バルクレスポンスのパースに失敗しました: %w", err)
	}
	if !resp.Errors {
		return 0, nil
	}
	failed := 0
	for _, item := range resp.Items {
		for _, result := range item {
			if len(result.Error) > 0 {
				failed++
			}
		}
	}
	return failed, nil
}

func tweetDocument(t model.Tweet) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"url":                t.URL,
		"date":               t.Date.UTC().Format(time.RFC3339),
		"content":            t.Content,
		"username":           t.Username,
		"userId":             t.UserID,
		"replyCount":         t.ReplyCount,
		"retweetCount":       t.RetweetCount,
		"likeCount":          t.LikeCount,
		"quoteCount":         t.QuoteCount,
		"conversationId":     t.ConversationID,
		"lang":               t.Lang,
		"outlinks":           t.Outlinks,
		"retweetedTweetId":   t.RetweetedTweetID,
		"quotedTweetId":      t.QuotedTweetID,
		"inReplyToTweetId":   t.InReplyToTweetID,
		"mentionedUsernames": t.MentionedUsernames,
		"hashtags":           t.Hashtags,
		"cashtags":           t.Cashtags,
	}
}

func userDocument(u model.User) map[string]any {
	doc := map[string]any{
		"id":              u.ID,
		"username":        u.Username,
		"displayName":     u.DisplayName,
		"description":     u.Description,
		"verified":        u.Verified,
		"followersCount":  u.FollowersCount,
		"friendsCount":    u.FriendsCount,
		"statusesCount":   u.StatusesCount,
		"favouritesCount": u.FavouritesCount,
		"listedCount":     u.ListedCount,
		"mediaCount":      u.MediaCount,
		"location":        u.Location,
		"protected":       u.Protected,
		"profileImageUrl": u.ProfileImageURL,
	}
	if u.Created != nil {
		doc["created"] = u.Created.UTC().Format(time.RFC3339)
	}
	return doc
}
