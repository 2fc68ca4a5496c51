package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/searchwatch/internal/model"
)

func sampleTweet(id string, likes int64) model.Tweet {
	return model.Tweet{
		ID:        id,
		URL:       "https://twitter.com/alice/status/" + id,
		Date:      time.Date(2024, 5, 1, 10, 42, 0, 0, time.UTC),
		Content:   "hello #golang",
		Username:  "alice",
		UserID:    "u1",
		LikeCount: likes,
		Lang:      "en",
		Hashtags:  []string{"golang"},
	}
}

func tweetArgs(t model.Tweet, searchID string) []driver.Value {
	return []driver.Value{
		t.ID, t.URL, t.Date, t.Hour(), t.Content, t.Username, t.UserID,
		t.ReplyCount, t.RetweetCount, t.LikeCount, t.QuoteCount,
		nil, t.Lang, nil,
		pq.Array([]string{}), "[]",
		nil, nil, nil, nil,
		pq.Array([]string{}), pq.Array(t.Hashtags), pq.Array([]string{}),
		nil, nil, searchID,
	}
}

func TestPostgresTweetRepo_BatchUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresTweetRepo(db)

	tw := sampleTweet("100", 3)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO tweets")
	prep.ExpectExec().WithArgs(tweetArgs(tw, "s1")...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.BatchUpsert(context.Background(), []model.Tweet{tw}, "s1"); err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}

	expectationsMet(t, mock)
}

func TestPostgresTweetRepo_UpsertEngagement_ReturnsPreviousCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresTweetRepo(db)

	known := sampleTweet("100", 150)
	fresh := sampleTweet("200", 1)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, like_count").
		WithArgs(pq.Array([]string{"100", "200"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "like_count", "retweet_count", "quote_count", "reply_count"}).
			AddRow("100", "alice", 20, 1, 0, 2))
	prep := mock.ExpectPrepare("INSERT INTO tweets")
	prep.ExpectExec().WithArgs(tweetArgs(known, "s1")...).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(tweetArgs(fresh, "s1")...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	previous, err := repo.UpsertEngagement(context.Background(), []model.Tweet{known, fresh}, "s1")
	if err != nil {
		t.Fatalf("UpsertEngagement() error = %v", err)
	}
	if len(previous) != 1 {
		t.Fatalf("previous = %d entries, want 1", len(previous))
	}
	if previous["100"].LikeCount != 20 {
		t.Errorf("previous like count = %d, want 20", previous["100"].LikeCount)
	}
	if _, ok := previous["200"]; ok {
		t.Error("unsaved tweet should not be in previous")
	}

	expectationsMet(t, mock)
}
