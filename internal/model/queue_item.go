package model

import "time"

// QueueAction はキューアイテムの処理種別を表す。
type QueueAction string

const (
	QueueActionSearch   QueueAction = "SEARCH"
	QueueActionRetweets QueueAction = "RETWEETS"
)

// QueueStatus はキューアイテムの状態を表す。
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "PENDING"
	QueueStatusProcessing QueueStatus = "PROCESSING"
	QueueStatusDone       QueueStatus = "DONE"
	QueueStatusDoneError  QueueStatus = "DONE_ERROR"
)

// 優先度。数値が小さいほど先に処理される。
const (
	PriorityNow    = 0
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityMedium = 3
)

// QueueItem はスケジュール可能な作業単位を表す。
type QueueItem struct {
	ID                 string
	Action             QueueAction
	Priority           int
	Status             QueueStatus
	ProcessingDate     time.Time
	ProcessorID        string
	Cursor             Cursor
	NumberTimesCrawled int
	Error              string
	SearchID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Search はクレーム時に結合して読み込まれる所有検索。
	Search *Search
}
