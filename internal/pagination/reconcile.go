// Package pagination は検索ごとの双方向カーソル(過去方向の遡りと新着方向のポーリング)の
// 取得後の後続処理を決定する。
package pagination

import (
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/queue"
)

// Marker はバッチ境界のレコード。
type Marker struct {
	ID   string
	Date time.Time
}

// Input は取得完了後の後続処理の決定に必要な情報。
type Input struct {
	// Item はクレームしたキューアイテム。カーソルと優先度を参照する。
	Item *model.QueueItem
	// ClaimedStatus は処理開始前の検索ステータス。
	ClaimedStatus model.SearchStatus
	// Newest と Oldest はカーソル境界のレコードを除外する前のバッチ先頭と末尾。
	// 空のバッチではnil。
	Newest *Marker
	Oldest *Marker
	Now    time.Time
	// NextPollDelay は新着ポーリングの間隔。
	NextPollDelay time.Duration
}

// FollowUp は追加で作成するキューアイテム。
type FollowUp struct {
	Cursor         model.Cursor
	Priority       int
	ProcessingDate time.Time
}

// Plan は取得1回分の後続処理。
type Plan struct {
	FollowUps   []FollowUp
	ItemPatch   queue.ItemPatch
	SearchPatch queue.SearchPatch
}

// Reconcile は取得結果から後続のキューアイテムと状態の更新内容を決める。
// 副作用はなく、同じ入力には常に同じ結果を返す。
func Reconcile(in Input) Plan {
	switch in.Item.Cursor.Mode() {
	case model.FetchModeForward:
		return reconcileForward(in)
	default:
		return reconcileBackward(in)
	}
}

// reconcileBackward は初回取得と過去方向の遡りを扱う。
func reconcileBackward(in Input) Plan {
	var plan Plan
	cursor := in.Item.Cursor
	plan.SearchPatch.Status = model.SearchStatusDone

	if in.Oldest != nil {
		oldest := in.Oldest.Date
		plan.SearchPatch.OldestProcessedDate = &oldest
	}

	if in.Oldest != nil && in.Oldest.ID != cursor.UntilID() {
		// まだ過去のレコードが残っている可能性がある
		plan.FollowUps = append(plan.FollowUps, FollowUp{
			Cursor:         model.BackfillFrom(in.Oldest.ID),
			Priority:       in.Item.Priority + 1,
			ProcessingDate: in.Now,
		})
		plan.SearchPatch.Status = model.SearchStatusProcessingPrevious
	} else if in.Oldest != nil {
		first := in.Oldest.Date
		plan.SearchPatch.FirstOccurenceDate = &first
	}

	if cursor.Mode() == model.FetchModeFirst {
		next := model.FirstRequest()
		if in.Newest != nil {
			next = model.ForwardFrom(in.Newest.ID)
		}
		plan.FollowUps = append(plan.FollowUps, FollowUp{
			Cursor:         next,
			Priority:       model.PriorityHigh,
			ProcessingDate: in.Now.Add(in.NextPollDelay),
		})
		now := in.Now
		plan.SearchPatch.NewestProcessedDate = &now
	}

	return plan
}

// reconcileForward は新着方向のポーリングを扱う。
// 新着がなければ同じキューアイテムを次回に回し、キューを増やさない。
func reconcileForward(in Input) Plan {
	var plan Plan
	now := in.Now
	next := in.Now.Add(in.NextPollDelay)

	plan.SearchPatch.NewestProcessedDate = &now
	plan.SearchPatch.Status = model.SearchStatusDone
	if in.ClaimedStatus == model.SearchStatusProcessingPrevious {
		// 過去方向の遡りがまだ残っている
		plan.SearchPatch.Status = model.SearchStatusProcessingPrevious
	}

	if !HasNew(in.Item.Cursor, in.Newest) {
		plan.ItemPatch = queue.Reuse(next)
		return plan
	}

	plan.FollowUps = append(plan.FollowUps, FollowUp{
		Cursor:         model.ForwardFrom(in.Newest.ID),
		Priority:       model.PriorityHigh,
		ProcessingDate: next,
	})
	return plan
}

// HasNew はバッチに新着カーソルより新しいレコードが含まれていたかを返す。
func HasNew(cursor model.Cursor, newest *Marker) bool {
	return newest != nil && newest.ID != cursor.SinceID()
}
