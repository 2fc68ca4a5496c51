package model

import (
	"errors"
	"fmt"
)

// ErrInvalidCursor は後方カーソルと前方カーソルが同時に設定されている場合のエラー。
var ErrInvalidCursor = errors.New("後方カーソルと前方カーソルは同時に設定できません")

// FetchMode はジョブの取得モードを表す。
type FetchMode int

const (
	// FetchModeFirst は初回取得。境界なしで最新N件を取得する。
	FetchModeFirst FetchMode = iota
	// FetchModeBackfill は過去方向の取得。カーソルIDより古いレコードを取得する。
	FetchModeBackfill
	// FetchModeForward は新着方向の取得。カーソルIDより新しいレコードを取得する。
	FetchModeForward
)

// String はログ出力用の名前を返す。
func (m FetchMode) String() string {
	switch m {
	case FetchModeFirst:
		return "first"
	case FetchModeBackfill:
		return "backfill"
	case FetchModeForward:
		return "forward"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Cursor は3つの取得モードのいずれかとその境界IDを保持する。
// フィールドは非公開で、両方向のカーソルを同時に持つ値は構築できない。
type Cursor struct {
	mode FetchMode
	id   string
}

// FirstRequest は初回取得のカーソルを返す。
func FirstRequest() Cursor {
	return Cursor{mode: FetchModeFirst}
}

// BackfillFrom はuntilIDより古いレコードを取得するカーソルを返す。
// untilIDが空の場合は初回取得になる。
func BackfillFrom(untilID string) Cursor {
	if untilID == "" {
		return FirstRequest()
	}
	return Cursor{mode: FetchModeBackfill, id: untilID}
}

// ForwardFrom はsinceIDより新しいレコードを取得するカーソルを返す。
// sinceIDが空の場合は初回取得になる。
func ForwardFrom(sinceID string) Cursor {
	if sinceID == "" {
		return FirstRequest()
	}
	return Cursor{mode: FetchModeForward, id: sinceID}
}

// CursorFromIDs は永続化された2つのカーソル列からカーソルを復元する。
// 純粋関数であり、同じ入力には常に同じ結果を返す。
func CursorFromIDs(untilID, sinceID string) (Cursor, error) {
	switch {
	case untilID != "" && sinceID != "":
		return Cursor{}, ErrInvalidCursor
	case untilID != "":
		return BackfillFrom(untilID), nil
	case sinceID != "":
		return ForwardFrom(sinceID), nil
	default:
		return FirstRequest(), nil
	}
}

// Mode は取得モードを返す。
func (c Cursor) Mode() FetchMode { return c.mode }

// ID は境界IDを返す。初回取得では空文字列。
func (c Cursor) ID() string { return c.id }

// UntilID は後方カーソルのIDを返す。後方取得以外では空文字列。
func (c Cursor) UntilID() string {
	if c.mode == FetchModeBackfill {
		return c.id
	}
	return ""
}

// SinceID は前方カーソルのIDを返す。前方取得以外では空文字列。
func (c Cursor) SinceID() string {
	if c.mode == FetchModeForward {
		return c.id
	}
	return ""
}

// String はログ出力用の表現を返す。
func (c Cursor) String() string {
	if c.id == "" {
		return c.mode.String()
	}
	return c.mode.String() + ":" + c.id
}
