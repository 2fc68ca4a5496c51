package search

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/pagination"
	"github.com/hitoshi/searchwatch/internal/proxy"
	"github.com/hitoshi/searchwatch/internal/queue"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/scraper"
	"github.com/hitoshi/searchwatch/internal/volumetry"
	"github.com/hitoshi/searchwatch/internal/worker/heartbeat"
	"github.com/hitoshi/searchwatch/internal/worker/loop"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type mockScraper struct {
	fetchFn  func(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error)
	requests []scraper.FetchRequest
}

func (m *mockScraper) Fetch(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error) {
	m.requests = append(m.requests, req)
	return m.fetchFn(ctx, req)
}

type mockIndexer struct {
	calls int
	err   error
}

func (m *mockIndexer) IndexBatch(ctx context.Context, searchID string, tweets []model.Tweet, users []model.User) error {
	m.calls++
	return m.err
}

type mockURLMetadata struct {
	fetchFn func(ctx context.Context, rawURL string) (*model.URLMetadata, error)
}

func (m *mockURLMetadata) Name() string { return "mock" }
func (m *mockURLMetadata) Fetch(ctx context.Context, rawURL string) (*model.URLMetadata, error) {
	return m.fetchFn(ctx, rawURL)
}

type testEnv struct {
	store   *repository.MemoryStore
	clock   *fakeClock
	manager *queue.Manager
	scraper *mockScraper
	poller  *Poller
	logs    *bytes.Buffer
}

func newTestEnv(t *testing.T, proxies []proxy.Proxy) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	manager := queue.NewManager(store.Searches(), store.QueueItems(), logger, queue.Config{
		ProcessorID: "worker-1",
		StaleAfter:  30 * time.Minute,
	}).WithClock(clock.Now)

	sc := &mockScraper{}
	poller := NewPoller(Deps{
		Manager:   manager,
		Searches:  store.Searches(),
		Tweets:    store.Tweets(),
		Users:     store.Users(),
		Volumetry: volumetry.NewAggregator(store.Volumetry(), logger),
		Scraper:   sc,
		Proxies:   proxy.NewPool(proxies, logger),
		Heartbeat: heartbeat.New(store.Processors(), "worker-1", model.ProcessorMetadata{Name: "worker-1"}, logger),
	}, logger, Config{
		BatchSize:      3000,
		FirstBatchSize: 1000,
		ScrapeRetries:  2,
		NextPollDelay:  time.Hour,
		Loop:           loop.Config{PollInterval: time.Second, StoreBackoff: 30 * time.Second},
	})
	poller.now = clock.Now

	return &testEnv{store: store, clock: clock, manager: manager, scraper: sc, poller: poller, logs: &buf}
}

func (e *testEnv) track(t *testing.T, name string, typ model.SearchType) *model.Search {
	t.Helper()
	s, _, err := e.manager.Track(context.Background(), name, typ)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	return s
}

func (e *testEnv) searchItems() []model.QueueItem {
	var out []model.QueueItem
	for _, it := range e.store.QueueItemSnapshot() {
		if it.Action == model.QueueActionSearch {
			out = append(out, it)
		}
	}
	return out
}

func (e *testEnv) search(t *testing.T, id string) *model.Search {
	t.Helper()
	s, err := e.store.Searches().FindByID(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("FindByID(%s) = %v, %v", id, s, err)
	}
	return s
}

func tweet(id string, date time.Time) model.Tweet {
	return model.Tweet{ID: id, Date: date, Username: "alice", UserID: "u1", Lang: "en", LikeCount: 1}
}

func marker(t model.Tweet) *pagination.Marker {
	return &pagination.Marker{ID: t.ID, Date: t.Date}
}

// 初回取得から過去方向の遡り、新着ポーリングまでの一連の流れを検証する。
func TestPoller_EndToEndScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.track(t, "foo", model.SearchTypeKeyword)

	base := env.clock.Now().Add(-3 * time.Hour)
	newest := tweet("300", base.Add(2*time.Hour))
	middle := tweet("200", base.Add(time.Hour))
	oldest := tweet("100", base)

	env.scraper.fetchFn = func(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error) {
		switch req.Cursor.Mode() {
		case model.FetchModeFirst:
			return &scraper.FetchResult{
				Tweets: []model.Tweet{newest, middle, oldest},
				Users:  []model.User{{ID: "u1", Username: "alice"}},
				Newest: marker(newest),
				Oldest: marker(oldest),
			}, nil
		case model.FetchModeBackfill:
			// 境界レコードのみ返る: 履歴の先頭に到達した
			return &scraper.FetchResult{Newest: marker(oldest), Oldest: marker(oldest)}, nil
		default:
			return &scraper.FetchResult{Newest: marker(newest), Oldest: marker(newest)}, nil
		}
	}

	// 1. 初回取得
	outcome, err := env.poller.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outcome != loop.Processed {
		t.Errorf("outcome = %v, want processed", outcome)
	}
	if got := env.scraper.requests[0]; got.BatchSize != 1000 || got.Term != "foo" || got.Proxy != "" {
		t.Errorf("first request = %+v", got)
	}

	items := env.searchItems()
	if len(items) != 3 {
		t.Fatalf("SEARCH items = %d, want 3", len(items))
	}
	var backfill, forward *model.QueueItem
	for i := range items {
		switch items[i].Cursor.Mode() {
		case model.FetchModeBackfill:
			backfill = &items[i]
		case model.FetchModeForward:
			forward = &items[i]
		default:
			if items[i].Status != model.QueueStatusDone {
				t.Errorf("first item status = %s, want DONE", items[i].Status)
			}
		}
	}
	if backfill == nil || backfill.Cursor.UntilID() != "100" || backfill.Priority != model.PriorityNow+1 {
		t.Fatalf("backfill = %+v", backfill)
	}
	if forward == nil || forward.Cursor.SinceID() != "300" || forward.Priority != model.PriorityHigh {
		t.Fatalf("forward = %+v", forward)
	}
	if !forward.ProcessingDate.Equal(env.clock.Now().Add(time.Hour)) {
		t.Errorf("forward processingDate = %v", forward.ProcessingDate)
	}

	got := env.search(t, s.ID)
	if got.Status != model.SearchStatusProcessingPrevious {
		t.Errorf("search status = %s, want PROCESSING_PREVIOUS", got.Status)
	}
	if got.OldestProcessedDate == nil || !got.OldestProcessedDate.Equal(oldest.Date) {
		t.Errorf("oldestProcessedDate = %v", got.OldestProcessedDate)
	}
	if got.ScrapeVersion != model.ScrapeVersion {
		t.Errorf("scrapeVersion = %d", got.ScrapeVersion)
	}
	if stored := env.store.Tweet("300"); stored == nil || len(stored.Searches) != 1 || stored.Searches[0] != s.ID {
		t.Errorf("stored tweet = %+v", stored)
	}
	if buckets := env.store.VolumetrySnapshot(s.ID); len(buckets) != 3 {
		t.Errorf("volumetry buckets = %d, want 3", len(buckets))
	}
	if p := env.store.Processor("worker-1"); p == nil || p.LastProcessedAt == nil {
		t.Errorf("heartbeat = %+v", p)
	}

	// 2. 過去方向の遡りで履歴の先頭に到達する
	if _, err := env.poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if env.scraper.requests[1].BatchSize != 3000 {
		t.Errorf("backfill batch size = %d", env.scraper.requests[1].BatchSize)
	}
	got = env.search(t, s.ID)
	if got.Status != model.SearchStatusDone {
		t.Errorf("search status = %s, want DONE", got.Status)
	}
	if got.FirstOccurenceDate == nil || !got.FirstOccurenceDate.Equal(oldest.Date) {
		t.Errorf("firstOccurenceDate = %v", got.FirstOccurenceDate)
	}
	if n := len(env.searchItems()); n != 3 {
		t.Errorf("SEARCH items = %d, want 3 (no further backfill)", n)
	}

	// 3. 新着ポーリングはまだ期限前
	outcome, err = env.poller.RunOnce(ctx)
	if err != nil || outcome != loop.Idle {
		t.Fatalf("RunOnce() = %v, %v; want idle", outcome, err)
	}

	// 4. 1時間後の新着ポーリングで新着なし: 同じアイテムを再利用する
	env.clock.Advance(time.Hour)
	if _, err := env.poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	items = env.searchItems()
	if len(items) != 3 {
		t.Fatalf("SEARCH items = %d, want 3 (empty poll reuses the item)", len(items))
	}
	for _, it := range items {
		if it.ID != forward.ID {
			continue
		}
		if it.Status != model.QueueStatusPending || it.NumberTimesCrawled != 1 || it.ProcessorID != "" {
			t.Errorf("reused item = %+v", it)
		}
		if !it.ProcessingDate.Equal(env.clock.Now().Add(time.Hour)) {
			t.Errorf("reused processingDate = %v", it.ProcessingDate)
		}
	}
}

func TestPoller_FetchFailureMarksDoneError(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.track(t, "#golang", model.SearchTypeHashtag)

	env.scraper.fetchFn = func(context.Context, scraper.FetchRequest) (*scraper.FetchResult, error) {
		return nil, errors.New("コマンドの実行に失敗しました: snscrape: exit status 1")
	}

	outcome, err := env.poller.RunOnce(ctx)
	if err != nil {
		t.Fatalf("fetch failures should not be returned: %v", err)
	}
	if outcome != loop.Processed {
		t.Errorf("outcome = %v", outcome)
	}
	if len(env.scraper.requests) != 3 {
		t.Errorf("attempts = %d, want 3 (retries + 1)", len(env.scraper.requests))
	}

	got := env.search(t, s.ID)
	if got.Status != model.SearchStatusDoneError || !strings.Contains(got.Error, "exit status 1") {
		t.Errorf("search = %s %q", got.Status, got.Error)
	}
	for _, it := range env.searchItems() {
		if it.Status != model.QueueStatusDoneError {
			t.Errorf("item status = %s, want DONE_ERROR", it.Status)
		}
	}
}

func TestPoller_GuestTokenErrorRemovesProxy(t *testing.T) {
	env := newTestEnv(t, []proxy.Proxy{{URL: "http://1.2.3.4:8080"}})
	ctx := context.Background()
	env.track(t, "foo", model.SearchTypeKeyword)

	env.scraper.fetchFn = func(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error) {
		if req.Proxy != "" {
			return nil, errors.New("Unable to find guest token")
		}
		return &scraper.FetchResult{}, nil
	}

	if _, err := env.poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if env.poller.deps.Proxies.Len() != 0 {
		t.Errorf("blocked proxy should be removed")
	}
	if len(env.scraper.requests) != 2 || env.scraper.requests[1].Proxy != "" {
		t.Errorf("second attempt should go direct: %+v", env.scraper.requests)
	}
}

func TestPoller_EmptyFirstRequestSchedulesFirstRequestAgain(t *testing.T) {
	env := newTestEnv(t, nil)
	env.track(t, "rare term", model.SearchTypeKeyword)
	env.scraper.fetchFn = func(context.Context, scraper.FetchRequest) (*scraper.FetchResult, error) {
		return &scraper.FetchResult{}, nil
	}

	if _, err := env.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	items := env.searchItems()
	if len(items) != 2 {
		t.Fatalf("SEARCH items = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Status == model.QueueStatusPending && (it.Cursor.Mode() != model.FetchModeFirst || it.Priority != model.PriorityHigh) {
			t.Errorf("follow-up = %+v, want a HIGH first request", it)
		}
	}
}

func TestPoller_URLMetadataAndIndexer(t *testing.T) {
	env := newTestEnv(t, nil)
	idx := &mockIndexer{err: errors.New("es down")}
	env.poller.deps.Indexer = idx
	env.poller.deps.URLMetadata = &mockURLMetadata{fetchFn: func(ctx context.Context, rawURL string) (*model.URLMetadata, error) {
		return &model.URLMetadata{Title: "Article", URL: rawURL, ScrapedAt: env.clock.Now()}, nil
	}}
	s := env.track(t, "https://example.com/a", model.SearchTypeURL)

	tw := tweet("1", env.clock.Now().Add(-time.Minute))
	env.scraper.fetchFn = func(context.Context, scraper.FetchRequest) (*scraper.FetchResult, error) {
		return &scraper.FetchResult{Tweets: []model.Tweet{tw}, Newest: marker(tw), Oldest: marker(tw)}, nil
	}

	if _, err := env.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got := env.search(t, s.ID)
	if got.Metadata.URL == nil || got.Metadata.URL.Title != "Article" {
		t.Errorf("metadata = %+v", got.Metadata.URL)
	}
	if got.Status == model.SearchStatusDoneError {
		t.Errorf("indexer failure should not fail the job: %s", got.Error)
	}
	if idx.calls != 1 {
		t.Errorf("indexer calls = %d", idx.calls)
	}
	if !strings.Contains(env.logs.String(), "検索インデックスの更新に失敗しました") {
		t.Errorf("indexer failure should be logged")
	}
}

func TestPoller_CancelledFetchLeavesItemProcessing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	env.track(t, "foo", model.SearchTypeKeyword)

	env.scraper.fetchFn = func(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error) {
		cancel()
		return nil, ctx.Err()
	}

	if _, err := env.poller.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, it := range env.searchItems() {
		if it.Status != model.QueueStatusProcessing {
			t.Errorf("item status = %s, want PROCESSING", it.Status)
		}
	}
}

func TestPoller_LongFetchKeepsHeartbeatFresh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.poller.cfg.KeepAliveInterval = 5 * time.Millisecond
	env.track(t, "slow", model.SearchTypeKeyword)

	env.scraper.fetchFn = func(ctx context.Context, req scraper.FetchRequest) (*scraper.FetchResult, error) {
		before := *env.store.Processor("worker-1").LastPollAt
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if p := env.store.Processor("worker-1"); p.LastPollAt.After(before) {
				return &scraper.FetchResult{}, nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil, errors.New("heartbeat was not refreshed during fetch")
	}

	if _, err := env.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	items := env.searchItems()
	for _, it := range items {
		if it.Status == model.QueueStatusDoneError {
			t.Fatalf("item failed: %s", it.Error)
		}
	}
}
