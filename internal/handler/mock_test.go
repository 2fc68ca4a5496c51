package handler

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/graph"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/scraper"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type mockTracker struct {
	trackFn func(ctx context.Context, name string, searchType model.SearchType) (*model.Search, bool, error)
}

func (m *mockTracker) Track(ctx context.Context, name string, searchType model.SearchType) (*model.Search, bool, error) {
	return m.trackFn(ctx, name, searchType)
}

type mockSearchFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Search, error)
}

func (m *mockSearchFinder) FindByID(ctx context.Context, id string) (*model.Search, error) {
	return m.findByIDFn(ctx, id)
}

type mockUserLookup struct {
	calls        int
	lookupUserFn func(ctx context.Context, username string) (*model.User, scraper.UserStatus, error)
}

func (m *mockUserLookup) LookupUser(ctx context.Context, username string) (*model.User, scraper.UserStatus, error) {
	m.calls++
	return m.lookupUserFn(ctx, username)
}

type mockUserStore struct {
	users    map[string]*model.User
	upserted []model.User
	searchID string
	scored   map[string]model.BotScore
}

func newMockUserStore(users ...*model.User) *mockUserStore {
	m := &mockUserStore{users: map[string]*model.User{}, scored: map[string]model.BotScore{}}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *mockUserStore) BatchUpsert(ctx context.Context, users []model.User, searchID string) error {
	m.upserted = append(m.upserted, users...)
	m.searchID = searchID
	return nil
}

func (m *mockUserStore) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return m.users[username], nil
}

func (m *mockUserStore) UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error {
	m.scored[userID] = score
	return nil
}

type mockBotScore struct {
	calls      int
	scoreOneFn func(ctx context.Context, user model.User) (botscore.Score, error)
}

func (m *mockBotScore) Name() string { return "mock" }

func (m *mockBotScore) ScoreOne(ctx context.Context, user model.User) (botscore.Score, error) {
	m.calls++
	return m.scoreOneFn(ctx, user)
}

func (m *mockBotScore) ScoreBatch(ctx context.Context, users []model.User) ([]botscore.Score, error) {
	return nil, nil
}

type mockGraph struct {
	hashtag    string
	generateFn func(ctx context.Context, hashtag string) (*graph.Graph, error)
}

func (m *mockGraph) Name() string { return "mock" }

func (m *mockGraph) Generate(ctx context.Context, hashtag string) (*graph.Graph, error) {
	m.hashtag = hashtag
	return m.generateFn(ctx, hashtag)
}

func (m *mockGraph) Version(ctx context.Context) (string, error) { return "1.0", nil }

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }
