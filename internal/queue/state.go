package queue

import (
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// SearchPatch は処理完了時に検索へ適用する変更。
// nilのフィールドは変更しない。Statusが空の場合はDONEにする。
type SearchPatch struct {
	Status              model.SearchStatus
	FirstOccurenceDate  *time.Time
	OldestProcessedDate *time.Time
	NewestProcessedDate *time.Time
}

// ItemPatch は処理完了時にキューアイテムへ適用する変更。
// Statusが空の場合はDONEにする。
type ItemPatch struct {
	Status           model.QueueStatus
	ProcessingDate   *time.Time
	IncrementCrawled bool
}

// Reuse は新着がなかったアイテムを同じレコードのまま次回へ回すパッチを返す。
func Reuse(next time.Time) ItemPatch {
	return ItemPatch{
		Status:           model.QueueStatusPending,
		ProcessingDate:   &next,
		IncrementCrawled: true,
	}
}

// StatusForCursor はカーソルの方向に応じた処理中ステータスを返す。
func StatusForCursor(c model.Cursor) model.SearchStatus {
	switch c.Mode() {
	case model.FetchModeBackfill:
		return model.SearchStatusProcessingPrevious
	case model.FetchModeForward:
		return model.SearchStatusProcessingNew
	default:
		return model.SearchStatusProcessing
	}
}

// ApplyStart は処理開始時の状態を検索に設定する。
func ApplyStart(search *model.Search, item *model.QueueItem) {
	search.Status = StatusForCursor(item.Cursor)
	search.ScrapeVersion = model.ScrapeVersion
}

// ApplyStop は処理完了時の状態をキューアイテムと検索に設定し、過去のエラーを消す。
func ApplyStop(item *model.QueueItem, search *model.Search, itemPatch ItemPatch, searchPatch SearchPatch) {
	ApplyItemStop(item, itemPatch)

	search.Status = searchPatch.Status
	if search.Status == "" {
		search.Status = model.SearchStatusDone
	}
	if searchPatch.FirstOccurenceDate != nil {
		search.FirstOccurenceDate = searchPatch.FirstOccurenceDate
	}
	if searchPatch.OldestProcessedDate != nil {
		search.OldestProcessedDate = searchPatch.OldestProcessedDate
	}
	if searchPatch.NewestProcessedDate != nil {
		search.NewestProcessedDate = searchPatch.NewestProcessedDate
	}
	search.Error = ""
}

// ApplyItemStop は処理完了時の状態をキューアイテムに設定し、過去のエラーを消す。
func ApplyItemStop(item *model.QueueItem, itemPatch ItemPatch) {
	item.Status = itemPatch.Status
	if item.Status == "" {
		item.Status = model.QueueStatusDone
	}
	if item.Status == model.QueueStatusPending {
		item.ProcessorID = ""
	}
	if itemPatch.ProcessingDate != nil {
		item.ProcessingDate = *itemPatch.ProcessingDate
	}
	if itemPatch.IncrementCrawled {
		item.NumberTimesCrawled++
	}
	item.Error = ""
}

// ApplyError は処理失敗時の状態をキューアイテムと検索に設定する。
func ApplyError(item *model.QueueItem, search *model.Search, reason string) {
	item.Status = model.QueueStatusDoneError
	item.Error = reason
	search.Status = model.SearchStatusDoneError
	search.Error = reason
}
