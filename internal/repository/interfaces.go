// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// SearchRepository は検索データの永続化インターフェース。
type SearchRepository interface {
	// FindByID は指定IDの検索を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Search, error)

	// FindByName は検索語で検索を取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Search, error)

	// Create は検索を作成する。
	Create(ctx context.Context, search *model.Search) error

	// UpdateState は検索の処理状態を更新する。
	// status、first_occurence_date、oldest_processed_date、newest_processed_date、
	// scrape_version、errorを更新する。
	UpdateState(ctx context.Context, search *model.Search) error

	// UpdateMetadata は検索のメタデータを置き換える。
	UpdateMetadata(ctx context.Context, searchID string, metadata model.SearchMetadata) error

	// ListWithoutQueueItem は指定種別のキューアイテムを1件も持たない検索を返す。
	ListWithoutQueueItem(ctx context.Context, action model.QueueAction) ([]*model.Search, error)
}

// QueueItemRepository はキューアイテムの永続化インターフェース。
type QueueItemRepository interface {
	// Claim は処理可能なPENDINGアイテムのうち最優先の1件を原子的にPROCESSINGへ遷移させ、
	// 所有検索を結合して返す。対象がない場合はnilを返す。
	// あわせてクレーム後に残っている処理可能アイテム数を返す。
	// 処理可能とは action一致、priority >= minPriority、processing_date <= now を指す。
	// 並び順は priority 昇順、作成日時の新しい順。
	Claim(ctx context.Context, action model.QueueAction, minPriority int, processorID string, now time.Time) (*model.QueueItem, int, error)

	// Create はキューアイテムを作成する。
	Create(ctx context.Context, item *model.QueueItem) error

	// UpdateState はキューアイテムの状態を更新する。
	// status、processor_id、processing_date、number_times_crawled、errorを更新する。
	UpdateState(ctx context.Context, item *model.QueueItem) error

	// ExistsForSearch は指定検索に指定種別のキューアイテムが存在するかを返す。
	ExistsForSearch(ctx context.Context, searchID string, action model.QueueAction) (bool, error)

	// ResetOrphaned は所有者が停止したPROCESSINGアイテムをPENDINGに戻す。
	// processorIDが自分自身のもの、所有者なし、またはstaleBefore以降にハートビートのない所有者が対象。
	ResetOrphaned(ctx context.Context, action model.QueueAction, processorID string, staleBefore time.Time) (int64, error)

	// RequeueFailed はエラーメッセージがpatternsのいずれかを含むDONE_ERRORアイテムを
	// PENDINGに戻し、所有検索のDONE_ERRORも解除する。
	RequeueFailed(ctx context.Context, action model.QueueAction, patterns []string) (int64, error)
}

// VolumetryRepository はボリューム集計の永続化インターフェース。
type VolumetryRepository interface {
	// BatchIncrement は全バケットを1回のバルク操作で加算UPSERTする。
	BatchIncrement(ctx context.Context, searchID, platformID string, buckets []model.VolumetryBucket) error
}

// TweetRepository は投稿データの永続化インターフェース。
type TweetRepository interface {
	// BatchUpsert は投稿を冪等にアップサートし、検索IDをsearchesへ集合として追加する。
	BatchUpsert(ctx context.Context, tweets []model.Tweet, searchID string) error

	// UpsertEngagement は投稿をアップサートし、更新前に保存されていた値をIDごとに返す。
	// 未保存だった投稿は結果に含まれない。
	UpsertEngagement(ctx context.Context, tweets []model.Tweet, searchID string) (map[string]model.Tweet, error)
}

// UserRepository は投稿者データの永続化インターフェース。
type UserRepository interface {
	// BatchUpsert は投稿者を冪等にアップサートし、検索IDをsearchesへ集合として追加する。
	// searchIDが空の場合はsearchesを変更しない。ボットスコア関連の列は変更しない。
	BatchUpsert(ctx context.Context, users []model.User, searchID string) error

	// FindByUsername はユーザー名で投稿者を取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// ListOutdatedBotScore はボットスコアが未取得またはstaleBeforeより古い投稿者を最大limit件返す。
	ListOutdatedBotScore(ctx context.Context, staleBefore time.Time, limit int) ([]model.User, error)

	// UpdateBotScore は投稿者のボットスコアと出所、取得日時を保存する。
	UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error
	// MarkBotScoreFailed は判定に失敗した投稿者のスコアを消し、試行日時と原因を記録する。
	// 記録後はスコア未取得の投稿者より後ろに並び、再取得間隔が過ぎるまで対象外になる。
	MarkBotScoreFailed(ctx context.Context, userID, provider string, at time.Time, cause string) error
}

// ProcessorRepository はワーカーのハートビートの永続化インターフェース。
type ProcessorRepository interface {
	// Heartbeat はハートビートをUPSERTする。nilの日時は既存値を維持する。
	Heartbeat(ctx context.Context, processor *model.Processor) error
}
