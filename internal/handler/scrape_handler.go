package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/searchwatch/internal/botscore"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/scraper"
)

// UserLookup はアカウントのプロフィール取得機能。
type UserLookup interface {
	LookupUser(ctx context.Context, username string) (*model.User, scraper.UserStatus, error)
}

// UserStore は投稿者の保存と取得機能。
type UserStore interface {
	BatchUpsert(ctx context.Context, users []model.User, searchID string) error
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateBotScore(ctx context.Context, userID string, score model.BotScore) error
}

// ScrapeHandler はアカウント単位の取得とボットスコア判定のHTTPハンドラー。
type ScrapeHandler struct {
	lookup   UserLookup
	users    UserStore
	botScore botscore.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewScrapeHandler はScrapeHandlerを生成する。botScoreがnilの場合はボットスコアの取得を無効とする。
func NewScrapeHandler(lookup UserLookup, users UserStore, botScore botscore.Provider, logger *slog.Logger) *ScrapeHandler {
	return &ScrapeHandler{
		lookup:   lookup,
		users:    users,
		botScore: botScore,
		logger:   logger,
		now:      time.Now,
	}
}

type userResponse struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	DisplayName      string     `json:"displayname"`
	Description      string     `json:"description"`
	Verified         bool       `json:"verified"`
	Created          *time.Time `json:"created,omitempty"`
	FollowersCount   int64      `json:"followersCount"`
	FriendsCount     int64      `json:"friendsCount"`
	StatusesCount    int64      `json:"statusesCount"`
	FavouritesCount  int64      `json:"favouritesCount"`
	ListedCount      int64      `json:"listedCount"`
	MediaCount       int64      `json:"mediaCount"`
	Location         string     `json:"location"`
	Protected        bool       `json:"protected"`
	LinkURL          string     `json:"linkUrl,omitempty"`
	ProfileImageURL  string     `json:"profileImageUrl,omitempty"`
	ProfileBannerURL string     `json:"profileBannerUrl,omitempty"`
	URL              string     `json:"url,omitempty"`
}

func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:               u.ID,
		Username:         u.Username,
		DisplayName:      u.DisplayName,
		Description:      u.Description,
		Verified:         u.Verified,
		Created:          u.Created,
		FollowersCount:   u.FollowersCount,
		FriendsCount:     u.FriendsCount,
		StatusesCount:    u.StatusesCount,
		FavouritesCount:  u.FavouritesCount,
		ListedCount:      u.ListedCount,
		MediaCount:       u.MediaCount,
		Location:         u.Location,
		Protected:        u.Protected,
		LinkURL:          u.LinkURL,
		ProfileImageURL:  u.ProfileImageURL,
		ProfileBannerURL: u.ProfileBannerURL,
		URL:              u.URL,
	}
}

type scrapedUserResponse struct {
	Status scraper.UserStatus `json:"status"`
	User   *userResponse      `json:"user,omitempty"`
}

type botScoreResponse struct {
	Username  string          `json:"username"`
	Score     float64         `json:"score"`
	Provider  string          `json:"provider"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// GetUser はアカウントのプロフィールを返す。保存済みであればスクレイパーを呼ばない。
// 凍結や不存在のアカウントもstatusで返すため200となる。
// GET /scrape/twitter/user/{username}
func (h *ScrapeHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, status, err := h.resolveUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrapedUserResponse{Status: status, User: toUserResponse(user)})
}

// GetBotScore はアカウントのボットスコアを返す。
// 保存済みのスコアがあればそれを返し、なければプロバイダーで判定して保存する。
// GET /scrape/twitter/user/{username}/botscore
func (h *ScrapeHandler) GetBotScore(w http.ResponseWriter, r *http.Request) {
	if h.botScore == nil {
		handleServiceError(w, model.NewProviderDisabledError("botscore"))
		return
	}

	username := chi.URLParam(r, "username")
	user, status, err := h.resolveUser(r.Context(), username)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if status != scraper.UserActive {
		handleServiceError(w, model.NewAccountNotFoundError(username))
		return
	}

	if user.BotScore != nil {
		writeJSON(w, http.StatusOK, toBotScoreResponse(user.Username, *user.BotScore))
		return
	}

	score, err := h.botScore.ScoreOne(r.Context(), *user)
	if err != nil {
		h.logger.Warn("ボットスコアの取得に失敗しました",
			slog.String("username", user.Username),
			slog.String("provider", h.botScore.Name()),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, model.NewProviderFailedError("botscore", err.Error()))
		return
	}

	bs := botscore.ToBotScore(h.botScore, score, h.now())
	if err := h.users.UpdateBotScore(r.Context(), user.ID, bs); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotScoreResponse(user.Username, bs))
}

func toBotScoreResponse(username string, bs model.BotScore) botScoreResponse {
	return botScoreResponse{
		Username:  username,
		Score:     bs.Score,
		Provider:  bs.Provider,
		UpdatedAt: bs.UpdatedAt,
		Metadata:  bs.Metadata,
	}
}

// resolveUser は保存済みのアカウントを返し、なければスクレイパーで取得して保存する。
func (h *ScrapeHandler) resolveUser(ctx context.Context, username string) (*model.User, scraper.UserStatus, error) {
	stored, err := h.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, "", err
	}
	if stored != nil {
		return stored, scraper.UserActive, nil
	}

	user, status, err := h.lookup.LookupUser(ctx, username)
	if err != nil {
		if errors.Is(err, scraper.ErrInvalidUsername) {
			return nil, "", model.NewAccountNotFoundError(username)
		}
		return nil, "", model.NewScrapeFailedError(err.Error())
	}
	if status != scraper.UserActive {
		return nil, status, nil
	}

	if err := h.users.BatchUpsert(ctx, []model.User{*user}, ""); err != nil {
		return nil, "", err
	}
	h.logger.Info("アカウントを保存しました", slog.String("username", user.Username))
	return user, status, nil
}
