package model

import (
	"errors"
	"testing"
)

func TestCursorFromIDs_DerivesMode(t *testing.T) {
	tests := []struct {
		name     string
		untilID  string
		sinceID  string
		wantMode FetchMode
		wantID   string
	}{
		{name: "カーソルなしは初回取得", wantMode: FetchModeFirst},
		{name: "untilIDは過去方向", untilID: "42", wantMode: FetchModeBackfill, wantID: "42"},
		{name: "sinceIDは新着方向", sinceID: "99", wantMode: FetchModeForward, wantID: "99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CursorFromIDs(tt.untilID, tt.sinceID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Mode() != tt.wantMode {
				t.Errorf("Mode() = %v, want %v", c.Mode(), tt.wantMode)
			}
			if c.ID() != tt.wantID {
				t.Errorf("ID() = %q, want %q", c.ID(), tt.wantID)
			}
			if c.UntilID() != tt.untilID {
				t.Errorf("UntilID() = %q, want %q", c.UntilID(), tt.untilID)
			}
			if c.SinceID() != tt.sinceID {
				t.Errorf("SinceID() = %q, want %q", c.SinceID(), tt.sinceID)
			}

			// 同じ入力からは常に同じカーソルが得られる
			again, _ := CursorFromIDs(tt.untilID, tt.sinceID)
			if again != c {
				t.Errorf("CursorFromIDs is not deterministic: %v != %v", again, c)
			}
		})
	}
}

func TestCursorFromIDs_BothSet_ReturnsError(t *testing.T) {
	_, err := CursorFromIDs("1", "2")
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("err = %v, want ErrInvalidCursor", err)
	}
}

func TestCursor_EmptyIDFallsBackToFirstRequest(t *testing.T) {
	if BackfillFrom("").Mode() != FetchModeFirst {
		t.Error("BackfillFrom(\"\") should be a first request")
	}
	if ForwardFrom("").Mode() != FetchModeFirst {
		t.Error("ForwardFrom(\"\") should be a first request")
	}
}

func TestCursor_RoundTripThroughColumns(t *testing.T) {
	for _, c := range []Cursor{FirstRequest(), BackfillFrom("10"), ForwardFrom("20")} {
		got, err := CursorFromIDs(c.UntilID(), c.SinceID())
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", c, err)
		}
		if got != c {
			t.Errorf("round trip = %v, want %v", got, c)
		}
	}
}

func TestParseSearchType(t *testing.T) {
	got, err := ParseSearchType(" hashtag ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != SearchTypeHashtag {
		t.Errorf("got %q, want %q", got, SearchTypeHashtag)
	}
	if _, err := ParseSearchType("video"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestSearch_NeedsURLMetadata(t *testing.T) {
	s := &Search{Type: SearchTypeURL}
	if !s.NeedsURLMetadata() {
		t.Error("URL search without metadata should need metadata")
	}
	s.Metadata.URL = &URLMetadata{Title: "x"}
	if !s.NeedsURLMetadata() {
		t.Error("metadata without scrapedAt should still be fetched")
	}
	kw := &Search{Type: SearchTypeKeyword}
	if kw.NeedsURLMetadata() {
		t.Error("keyword search never needs URL metadata")
	}
}
