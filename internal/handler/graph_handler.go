package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/searchwatch/internal/graph"
	"github.com/hitoshi/searchwatch/internal/model"
)

// GraphHandler はハッシュタグのグラフ生成のHTTPハンドラー。
type GraphHandler struct {
	provider graph.Provider
	logger   *slog.Logger
}

// NewGraphHandler はGraphHandlerを生成する。providerがnilの場合はグラフ生成を無効とする。
func NewGraphHandler(provider graph.Provider, logger *slog.Logger) *GraphHandler {
	return &GraphHandler{provider: provider, logger: logger}
}

// GetHashtagGraph はハッシュタグの共起グラフを返す。
// GET /graph/twitter/hashtag/{name}
func (h *GraphHandler) GetHashtagGraph(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		handleServiceError(w, model.NewProviderDisabledError("graph"))
		return
	}

	name := strings.TrimPrefix(chi.URLParam(r, "name"), "#")
	if name == "" {
		handleServiceError(w, model.NewInvalidSearchError("ハッシュタグが空です"))
		return
	}

	g, err := h.provider.Generate(r.Context(), name)
	if err != nil {
		h.logger.Warn("グラフの生成に失敗しました",
			slog.String("hashtag", name),
			slog.String("provider", h.provider.Name()),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, model.NewProviderFailedError("graph", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, g)
}
