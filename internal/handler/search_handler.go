package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/searchwatch/internal/model"
)

// SearchTracker は検索語の登録機能。
type SearchTracker interface {
	// Track は検索を登録し、SEARCHとRETWEETSのアイテムがなければ作成する。
	// 登録済みの場合は既存の検索を返す。boolは新規作成したかどうか。
	Track(ctx context.Context, name string, searchType model.SearchType) (*model.Search, bool, error)
}

// SearchFinder は検索の取得機能。
type SearchFinder interface {
	FindByID(ctx context.Context, id string) (*model.Search, error)
}

// SearchHandler は検索管理のHTTPハンドラー。
type SearchHandler struct {
	tracker  SearchTracker
	searches SearchFinder
}

// NewSearchHandler はSearchHandlerを生成する。
func NewSearchHandler(tracker SearchTracker, searches SearchFinder) *SearchHandler {
	return &SearchHandler{tracker: tracker, searches: searches}
}

type trackSearchRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type searchResponse struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Type                model.SearchType     `json:"type"`
	Status              model.SearchStatus   `json:"status"`
	Metadata            model.SearchMetadata `json:"metadata"`
	FirstOccurenceDate  *time.Time           `json:"firstOccurenceDate"`
	OldestProcessedDate *time.Time           `json:"oldestProcessedDate"`
	NewestProcessedDate *time.Time           `json:"newestProcessedDate"`
	Error               string               `json:"error,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

func toSearchResponse(s *model.Search) searchResponse {
	return searchResponse{
		ID:                  s.ID,
		Name:                s.Name,
		Type:                s.Type,
		Status:              s.Status,
		Metadata:            s.Metadata,
		FirstOccurenceDate:  s.FirstOccurenceDate,
		OldestProcessedDate: s.OldestProcessedDate,
		NewestProcessedDate: s.NewestProcessedDate,
		Error:               s.Error,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// TrackSearch は検索語を登録する。新規作成時は201、登録済みの場合は200を返す。
// POST /api/searches
func (h *SearchHandler) TrackSearch(w http.ResponseWriter, r *http.Request) {
	var req trackSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleServiceError(w, model.NewInvalidSearchError("リクエストボディの解析に失敗しました"))
		return
	}

	searchType, err := model.ParseSearchType(req.Type)
	if err != nil {
		handleServiceError(w, model.NewInvalidSearchError(err.Error()))
		return
	}
	if req.Name == "" {
		handleServiceError(w, model.NewInvalidSearchError("検索語が空です"))
		return
	}

	search, created, err := h.tracker.Track(r.Context(), req.Name, searchType)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSearchResponse(search))
}

// GetSearch は検索の状態を取得する。
// GET /api/searches/{id}
func (h *SearchHandler) GetSearch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// 不正なIDはストアに問い合わせず404とする
	if _, err := uuid.Parse(id); err != nil {
		handleServiceError(w, model.NewSearchNotFoundError(id))
		return
	}

	search, err := h.searches.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if search == nil {
		handleServiceError(w, model.NewSearchNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toSearchResponse(search))
}
