package enrichment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

type mockProvider struct {
	scoreBatchFn func(ctx context.Context, users []model.User) ([]botscore.Score, error)
	batchSizes   []int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) ScoreOne(ctx context.Context, user model.User) (botscore.Score, error) {
	scores, err := m.ScoreBatch(ctx, []model.User{user})
	if err != nil {
		return botscore.Score{}, err
	}
	return scores[0], nil
}

func (m *mockProvider) ScoreBatch(ctx context.Context, users []model.User) ([]botscore.Score, error) {
	m.batchSizes = append(m.batchSizes, len(users))
	return m.scoreBatchFn(ctx, users)
}

type mockRecorder struct {
	sizes []int
}

func (m *mockRecorder) RecordClaim(string) {}
func (m *mockRecorder) RecordJobOutcome(string, string) {}
func (m *mockRecorder) RecordRecordsFetched(string, int) {}
func (m *mockRecorder) RecordVolumetryMerge(int) {}
func (m *mockRecorder) RecordProxyRemoved() {}
func (m *mockRecorder) SetBotScoreBatchSize(size int) { m.sizes = append(m.sizes, size) }
func (m *mockRecorder) RecordFetchLatency(string, time.Duration) {}

func seedUsers(t *testing.T, store *repository.MemoryStore, n int) {
	t.Helper()
	users := make([]model.User, n)
	for i := range users {
		users[i] = model.User{ID: fmt.Sprintf("u%05d", i), Username: fmt.Sprintf("user%d", i)}
	}
	if err := store.Users().BatchUpsert(context.Background(), users, "s1"); err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}
}

func newTestPoller(store *repository.MemoryStore, provider *mockProvider, rec *mockRecorder, buf *bytes.Buffer, cfg Config) *Poller {
	logger := newTestLogger(buf)
	hb := heartbeat.New(store.Processors(), "worker-1", model.ProcessorMetadata{Name: "worker-1"}, logger)
	return NewPoller(store.Users(), provider, hb, rec, logger, cfg)
}

func TestPoller_HalvesOnFailureAndResetsOnSuccess(t *testing.T) {
	store := repository.NewMemoryStore()
	seedUsers(t, store, 2500)

	provider := &mockProvider{}
	provider.scoreBatchFn = func(ctx context.Context, users []model.User) ([]botscore.Score, error) {
		// 1000件を超えるとペイロード上限で失敗する
		if len(users) > 1000 {
			return nil, errors.New("payload too large")
		}
		scores := make([]botscore.Score, len(users))
		for i := range scores {
			scores[i] = botscore.Score{Value: 0.5}
		}
		return scores, nil
	}
	rec := &mockRecorder{}
	var buf bytes.Buffer
	p := newTestPoller(store, provider, rec, &buf, Config{BatchSize: 2000, MinBatchSize: 1, TTL: 240 * time.Hour})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	outcome, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome != loop.RetryNow {
		t.Errorf("outcome = %s, want retry_now", outcome)
	}
	if p.Limit() != 1000 {
		t.Fatalf("limit = %d, want 1000", p.Limit())
	}

	outcome, err = p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome != loop.Processed {
		t.Errorf("outcome = %s, want processed", outcome)
	}
	if p.Limit() != 2000 {
		t.Errorf("limit = %d, want reset to 2000", p.Limit())
	}

	if got := fmt.Sprint(provider.batchSizes); got != "[2000 1000]" {
		t.Errorf("batch sizes = %s", got)
	}
	if got := fmt.Sprint(rec.sizes); got != "[2000 1000 2000]" {
		t.Errorf("gauge values = %s", got)
	}

	u := store.User("u00000")
	if u == nil || u.BotScore == nil || u.BotScore.Provider != "mock" || !u.BotScore.UpdatedAt.Equal(now) {
		t.Errorf("user = %+v", u)
	}
	if !strings.Contains(buf.String(), "バッチサイズを縮小します") {
		t.Errorf("halving should be logged: %s", buf.String())
	}
}

func TestPoller_AtMinimumWaitsInsteadOfRetrying(t *testing.T) {
	store := repository.NewMemoryStore()
	seedUsers(t, store, 3)

	provider := &mockProvider{scoreBatchFn: func(context.Context, []model.User) ([]botscore.Score, error) {
		return nil, errors.New("provider down")
	}}
	var buf bytes.Buffer
	p := newTestPoller(store, provider, &mockRecorder{}, &buf, Config{BatchSize: 2, MinBatchSize: 1, TTL: time.Hour})
	ctx := context.Background()

	if outcome, _ := p.RunOnce(ctx); outcome != loop.RetryNow || p.Limit() != 1 {
		t.Fatalf("first failure: outcome = %s, limit = %d", outcome, p.Limit())
	}
	outcome, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome != loop.Idle || p.Limit() != 1 {
		t.Errorf("at minimum: outcome = %s, limit = %d", outcome, p.Limit())
	}
	if !strings.Contains(buf.String(), "最小バッチサイズでもボットスコアの取得に失敗しました") {
		t.Errorf("failure at minimum should be logged: %s", buf.String())
	}

	// 失敗を記録した投稿者は次回の対象から外れる
	outcome, err = p.RunOnce(ctx)
	if err != nil || outcome != loop.Idle {
		t.Fatalf("RunOnce() = %s, %v", outcome, err)
	}
	if got := fmt.Sprint(provider.batchSizes); got != "[2 1 1]" {
		t.Errorf("batch sizes = %s", got)
	}
}

func TestPoller_MismatchedScoreCountIsAFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	seedUsers(t, store, 4)

	provider := &mockProvider{scoreBatchFn: func(context.Context, []model.User) ([]botscore.Score, error) {
		return []botscore.Score{{Value: 1}}, nil
	}}
	var buf bytes.Buffer
	p := newTestPoller(store, provider, &mockRecorder{}, &buf, Config{BatchSize: 4, MinBatchSize: 1, TTL: time.Hour})

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if p.Limit() != 2 {
		t.Errorf("limit = %d, want 2", p.Limit())
	}
	if u := store.User("u00000"); u.BotScore != nil {
		t.Error("no score should be stored when the batch is inconsistent")
	}
}

func TestPoller_NothingOutdated(t *testing.T) {
	store := repository.NewMemoryStore()
	provider := &mockProvider{scoreBatchFn: func(context.Context, []model.User) ([]botscore.Score, error) {
		t.Fatal("provider should not be called")
		return nil, nil
	}}
	var buf bytes.Buffer
	p := newTestPoller(store, provider, &mockRecorder{}, &buf, Config{BatchSize: 10, TTL: time.Hour})

	outcome, err := p.RunOnce(context.Background())
	if err != nil || outcome != loop.Idle {
		t.Errorf("RunOnce() = %s, %v; want idle", outcome, err)
	}
}

func TestPoller_FailingUserDoesNotBlockOthers(t *testing.T) {
	store := repository.NewMemoryStore()
	seedUsers(t, store, 10)

	provider := &mockProvider{}
	provider.scoreBatchFn = func(ctx context.Context, users []model.User) ([]botscore.Score, error) {
		for _, u := range users {
			if u.ID == "u00000" {
				return nil, errors.New("account cannot be scored")
			}
		}
		scores := make([]botscore.Score, len(users))
		for i := range scores {
			scores[i] = botscore.Score{Value: 0.1}
		}
		return scores, nil
	}
	var buf bytes.Buffer
	ttl := 240 * time.Hour
	p := newTestPoller(store, provider, &mockRecorder{}, &buf, Config{BatchSize: 8, MinBatchSize: 1, TTL: ttl})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := p.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() #%d error = %v", i, err)
		}
	}

	for i := 1; i < 10; i++ {
		id := fmt.Sprintf("u%05d", i)
		if u := store.User(id); u == nil || u.BotScore == nil {
			t.Errorf("user %s was not scored", id)
		}
	}
	if u := store.User("u00000"); u.BotScore != nil {
		t.Errorf("failing user should have no score, got %+v", u.BotScore)
	}
	if p.Limit() != 8 {
		t.Errorf("limit = %d, want reset to 8", p.Limit())
	}

	// 失敗した投稿者も再取得間隔が過ぎるまでは対象にならない
	outdated, err := store.Users().ListOutdatedBotScore(ctx, now.Add(-ttl), 100)
	if err != nil {
		t.Fatalf("ListOutdatedBotScore() error = %v", err)
	}
	if len(outdated) != 0 {
		t.Errorf("outdated = %d users, want 0", len(outdated))
	}
	later, err := store.Users().ListOutdatedBotScore(ctx, now.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("ListOutdatedBotScore() error = %v", err)
	}
	if len(later) != 10 {
		t.Errorf("after ttl every user should be outdated again, got %d users", len(later))
	}
	if !strings.Contains(buf.String(), "ボットスコアを取得できない投稿者を後回しにします") {
		t.Errorf("skipped user should be logged: %s", buf.String())
	}
}
