package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// MemoryStore は全リポジトリをプロセス内メモリで実装する。
// 単体テストとデータベースなしでの起動確認に使う。
// クレームは1つのミューテックス下で行うため、PostgreSQL実装と同じく二重取得は起きない。
type MemoryStore struct {
	mu sync.Mutex

	seq        int64
	searches   map[string]*model.Search
	items      map[string]*memoryItem
	volumetry  map[volumetryKey]*model.VolumetryCounters
	tweets     map[string]*model.Tweet
	users      map[string]*model.User
	processors map[string]*model.Processor
	// botScoreFailures は判定に失敗した投稿者IDと試行日時。
	botScoreFailures map[string]time.Time
}

type memoryItem struct {
	item model.QueueItem
	seq  int64
}

type volumetryKey struct {
	searchID   string
	platformID string
	date       int64
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		searches:   make(map[string]*model.Search),
		items:      make(map[string]*memoryItem),
		volumetry:  make(map[volumetryKey]*model.VolumetryCounters),
		tweets:     make(map[string]*model.Tweet),
		users:      make(map[string]*model.User),
		processors: make(map[string]*model.Processor),

		botScoreFailures: make(map[string]time.Time),
	}
}

// Searches はSearchRepositoryとしてのビューを返す。
func (s *MemoryStore) Searches() *MemorySearchRepo { return &MemorySearchRepo{s: s} }

// QueueItems はQueueItemRepositoryとしてのビューを返す。
func (s *MemoryStore) QueueItems() *MemoryQueueItemRepo { return &MemoryQueueItemRepo{s: s} }

// Volumetry はVolumetryRepositoryとしてのビューを返す。
func (s *MemoryStore) Volumetry() *MemoryVolumetryRepo { return &MemoryVolumetryRepo{s: s} }

// Tweets はTweetRepositoryとしてのビューを返す。
func (s *MemoryStore) Tweets() *MemoryTweetRepo { return &MemoryTweetRepo{s: s} }

// Users はUserRepositoryとしてのビューを返す。
func (s *MemoryStore) Users() *MemoryUserRepo { return &MemoryUserRepo{s: s} }

// Processors はProcessorRepositoryとしてのビューを返す。
func (s *MemoryStore) Processors() *MemoryProcessorRepo { return &MemoryProcessorRepo{s: s} }

// QueueItemSnapshot は保存されている全キューアイテムのコピーを作成順に返す。
func (s *MemoryStore) QueueItemSnapshot() []model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*memoryItem, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]model.QueueItem, len(entries))
	for i, e := range entries {
		out[i] = e.item
		out[i].Search = nil
	}
	return out
}

// VolumetrySnapshot は指定検索のバケットを日時順で返す。
func (s *MemoryStore) VolumetrySnapshot(searchID string) []model.VolumetryBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.VolumetryBucket
	for k, c := range s.volumetry {
		if k.searchID != searchID {
			continue
		}
		out = append(out, model.VolumetryBucket{
			Date:              time.Unix(k.date, 0).UTC(),
			VolumetryCounters: copyCounters(*c),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Tweet は保存済みの投稿を返す。存在しない場合はnilを返す。
func (s *MemoryStore) Tweet(id string) *model.Tweet {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tweets[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// User は保存済みの投稿者を返す。存在しない場合はnilを返す。
func (s *MemoryStore) User(id string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

// Processor は保存済みのハートビートを返す。存在しない場合はnilを返す。
func (s *MemoryStore) Processor(id string) *model.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processors[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// --- searches ---

// MemorySearchRepo はMemoryStore上のSearchRepository。
type MemorySearchRepo struct{ s *MemoryStore }

func (r *MemorySearchRepo) FindByID(ctx context.Context, id string) (*model.Search, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	search, ok := r.s.searches[id]
	if !ok {
		return nil, nil
	}
	c := *search
	return &c, nil
}

func (r *MemorySearchRepo) FindByName(ctx context.Context, name string) (*model.Search, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, search := range r.s.searches {
		if search.Name == name {
			c := *search
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemorySearchRepo) Create(ctx context.Context, search *model.Search) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.searches {
		if existing.Name == search.Name {
			return fmt.Errorf("検索の作成に失敗しました: name %q は既に存在します", search.Name)
		}
	}
	c := *search
	r.s.searches[search.ID] = &c
	return nil
}

func (r *MemorySearchRepo) UpdateState(ctx context.Context, search *model.Search) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.searches[search.ID]
	if !ok {
		return nil
	}
	stored.Status = search.Status
	stored.FirstOccurenceDate = search.FirstOccurenceDate
	stored.OldestProcessedDate = search.OldestProcessedDate
	stored.NewestProcessedDate = search.NewestProcessedDate
	stored.ScrapeVersion = search.ScrapeVersion
	stored.Error = search.Error
	stored.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySearchRepo) UpdateMetadata(ctx context.Context, searchID string, metadata model.SearchMetadata) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if stored, ok := r.s.searches[searchID]; ok {
		stored.Metadata = metadata
		stored.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemorySearchRepo) ListWithoutQueueItem(ctx context.Context, action model.QueueAction) ([]*model.Search, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	has := make(map[string]bool)
	for _, e := range r.s.items {
		if e.item.Action == action {
			has[e.item.SearchID] = true
		}
	}

	var out []*model.Search
	for id, search := range r.s.searches {
		if !has[id] {
			c := *search
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- queue items ---

// MemoryQueueItemRepo はMemoryStore上のQueueItemRepository。
type MemoryQueueItemRepo struct{ s *MemoryStore }

func (r *MemoryQueueItemRepo) claimable(e *memoryItem, action model.QueueAction, minPriority int, now time.Time) bool {
	return e.item.Action == action &&
		e.item.Status == model.QueueStatusPending &&
		e.item.Priority >= minPriority &&
		!e.item.ProcessingDate.After(now)
}

func (r *MemoryQueueItemRepo) Claim(ctx context.Context, action model.QueueAction, minPriority int, processorID string, now time.Time) (*model.QueueItem, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *memoryItem
	for _, e := range r.s.items {
		if !r.claimable(e, action, minPriority, now) {
			continue
		}
		if best == nil || claimsBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, 0, nil
	}

	best.item.Status = model.QueueStatusProcessing
	best.item.ProcessorID = processorID
	best.item.UpdatedAt = now

	remaining := 0
	for _, e := range r.s.items {
		if r.claimable(e, action, minPriority, now) {
			remaining++
		}
	}

	claimed := best.item
	if search, ok := r.s.searches[claimed.SearchID]; ok {
		c := *search
		claimed.Search = &c
	}
	return &claimed, remaining, nil
}

// claimsBefore は並び順 priority 昇順、作成日時の新しい順でaがbより先かを返す。
func claimsBefore(a, b *memoryItem) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.After(b.item.CreatedAt)
	}
	return a.seq > b.seq
}

func (r *MemoryQueueItemRepo) Create(ctx context.Context, item *model.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.searches[item.SearchID]; !ok {
		return fmt.Errorf("キューアイテムの作成に失敗しました: search %s が存在しません", item.SearchID)
	}
	c := *item
	c.Search = nil
	r.s.items[item.ID] = &memoryItem{item: c, seq: r.s.nextSeq()}
	return nil
}

func (r *MemoryQueueItemRepo) UpdateState(ctx context.Context, item *model.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.items[item.ID]
	if !ok {
		return nil
	}
	e.item.Status = item.Status
	e.item.ProcessorID = item.ProcessorID
	e.item.ProcessingDate = item.ProcessingDate
	e.item.NumberTimesCrawled = item.NumberTimesCrawled
	e.item.Error = item.Error
	e.item.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryQueueItemRepo) ExistsForSearch(ctx context.Context, searchID string, action model.QueueAction) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.items {
		if e.item.SearchID == searchID && e.item.Action == action {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryQueueItemRepo) ResetOrphaned(ctx context.Context, action model.QueueAction, processorID string, staleBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, e := range r.s.items {
		if e.item.Action != action || e.item.Status != model.QueueStatusProcessing {
			continue
		}
		owner := e.item.ProcessorID
		alive := false
		if p, ok := r.s.processors[owner]; ok && !p.UpdatedAt.Before(staleBefore) {
			alive = true
		}
		if owner == "" || owner == processorID || !alive {
			e.item.Status = model.QueueStatusPending
			e.item.ProcessorID = ""
			e.item.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (r *MemoryQueueItemRepo) RequeueFailed(ctx context.Context, action model.QueueAction, patterns []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, e := range r.s.items {
		if e.item.Action != action || e.item.Status != model.QueueStatusDoneError {
			continue
		}
		if !matchesAny(e.item.Error, patterns) {
			continue
		}
		e.item.Status = model.QueueStatusPending
		e.item.ProcessorID = ""
		e.item.Error = ""
		e.item.UpdatedAt = time.Now()
		n++

		if search, ok := r.s.searches[e.item.SearchID]; ok && search.Status == model.SearchStatusDoneError {
			search.Status = model.SearchStatusPending
			search.Error = ""
		}
	}
	return n, nil
}

func (r *MemoryQueueItemRepo) DeleteDoneBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, e := range r.s.items {
		if e.item.Status == model.QueueStatusDone && e.item.UpdatedAt.Before(before) {
			delete(r.s.items, id)
			n++
		}
	}
	return n, nil
}

func matchesAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// --- volumetry ---

// MemoryVolumetryRepo はMemoryStore上のVolumetryRepository。
type MemoryVolumetryRepo struct{ s *MemoryStore }

func (r *MemoryVolumetryRepo) BatchIncrement(ctx context.Context, searchID, platformID string, buckets []model.VolumetryBucket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, b := range buckets {
		key := volumetryKey{searchID: searchID, platformID: platformID, date: b.Date.UTC().Unix()}
		c, ok := r.s.volumetry[key]
		if !ok {
			c = &model.VolumetryCounters{}
			r.s.volumetry[key] = c
		}
		c.Tweets += b.Tweets
		c.Retweets += b.Retweets
		c.Likes += b.Likes
		c.Quotes += b.Quotes
		c.Replies += b.Replies
		c.Languages = addCounts(c.Languages, b.Languages)
		c.Usernames = addCounts(c.Usernames, b.Usernames)
		c.AssociatedHashtags = addCounts(c.AssociatedHashtags, b.AssociatedHashtags)
	}
	return nil
}

func addCounts(dst, src map[string]int64) map[string]int64 {
	if dst == nil {
		dst = make(map[string]int64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

func copyCounters(c model.VolumetryCounters) model.VolumetryCounters {
	c.Languages = addCounts(nil, c.Languages)
	c.Usernames = addCounts(nil, c.Usernames)
	c.AssociatedHashtags = addCounts(nil, c.AssociatedHashtags)
	return c
}

// --- tweets ---

// MemoryTweetRepo はMemoryStore上のTweetRepository。
type MemoryTweetRepo struct{ s *MemoryStore }

func (r *MemoryTweetRepo) BatchUpsert(ctx context.Context, tweets []model.Tweet, searchID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.upsert(tweets, searchID)
	return nil
}

func (r *MemoryTweetRepo) UpsertEngagement(ctx context.Context, tweets []model.Tweet, searchID string) (map[string]model.Tweet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	previous := make(map[string]model.Tweet)
	for _, t := range tweets {
		if stored, ok := r.s.tweets[t.ID]; ok {
			previous[t.ID] = *stored
		}
	}
	r.upsert(tweets, searchID)
	return previous, nil
}

func (r *MemoryTweetRepo) upsert(tweets []model.Tweet, searchID string) {
	for _, t := range tweets {
		var searches []string
		if stored, ok := r.s.tweets[t.ID]; ok {
			searches = stored.Searches
		}
		c := t
		c.Searches = appendUnique(slices.Clone(searches), searchID)
		r.s.tweets[t.ID] = &c
	}
}

// --- users ---

// MemoryUserRepo はMemoryStore上のUserRepository。
type MemoryUserRepo struct{ s *MemoryStore }

func (r *MemoryUserRepo) BatchUpsert(ctx context.Context, users []model.User, searchID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range users {
		c := u
		if stored, ok := r.s.users[u.ID]; ok {
			c.BotScore = stored.BotScore
			c.Searches = slices.Clone(stored.Searches)
			if c.Created == nil {
				c.Created = stored.Created
			}
		} else {
			c.BotScore = nil
			c.Searches = nil
		}
		c.Searches = appendUnique(c.Searches, searchID)
		r.s.users[u.ID] = &c
	}
	return nil
}

func (r *MemoryUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Username, username) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemoryUserRepo) ListOutdatedBotScore(ctx context.Context, staleBefore time.Time, limit int) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// PostgreSQL実装のbot_score_updated_atに相当する。ゼロ値は未取得。
	attempted := func(u *model.User) time.Time {
		if u.BotScore != nil {
			return u.BotScore.UpdatedAt
		}
		return r.s.botScoreFailures[u.ID]
	}

	var out []model.User
	for _, u := range r.s.users {
		at := attempted(u)
		if at.IsZero() || at.Before(staleBefore) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := attempted(&out[i]), attempted(&out[j])
		switch {
		case a.IsZero() && b.IsZero():
			return out[i].ID < out[j].ID
		case a.IsZero():
			return true
		case b.IsZero():
			return false
		default:
			return a.Before(b)
		}
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryUserRepo) UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[userID]; ok {
		c := score
		u.BotScore = &c
		delete(r.s.botScoreFailures, userID)
	}
	return nil
}

func (r *MemoryUserRepo) MarkBotScoreFailed(ctx context.Context, userID, provider string, at time.Time, cause string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[userID]; ok {
		u.BotScore = nil
		r.s.botScoreFailures[userID] = at
	}
	return nil
}

// --- processors ---

// MemoryProcessorRepo はMemoryStore上のProcessorRepository。
type MemoryProcessorRepo struct{ s *MemoryStore }

func (r *MemoryProcessorRepo) Heartbeat(ctx context.Context, p *model.Processor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *p
	if stored, ok := r.s.processors[p.ID]; ok {
		if c.LastPollAt == nil {
			c.LastPollAt = stored.LastPollAt
		}
		if c.LastProcessedAt == nil {
			c.LastProcessedAt = stored.LastProcessedAt
		}
	}
	r.s.processors[p.ID] = &c
	return nil
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// compile-time interface checks
var (
	_ SearchRepository    = (*MemorySearchRepo)(nil)
	_ QueueItemRepository = (*MemoryQueueItemRepo)(nil)
	_ VolumetryRepository = (*MemoryVolumetryRepo)(nil)
	_ TweetRepository     = (*MemoryTweetRepo)(nil)
	_ UserRepository      = (*MemoryUserRepo)(nil)
	_ ProcessorRepository = (*MemoryProcessorRepo)(nil)
)
