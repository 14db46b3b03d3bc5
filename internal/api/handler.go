package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/context"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager *context.Manager
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(manager *context.Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Post("/context", h.createItem)
			r.Get("/context", h.listItems)
			r.Get("/context/stats", h.contextStats)
			r.Post("/context/update-scores", h.updateScores)
			r.Post("/context/update-tiers", h.updateTiers)
			r.Get("/context/{itemID}", h.getItem)
			r.Delete("/context/{itemID}", h.deleteItem)

			r.Post("/flash-save", h.flashSave)
			r.Get("/flash-save/checkpoints", h.listCheckpoints)
		})

		r.Get("/checkpoints/{checkpointID}", h.getCheckpoint)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createItemRequest struct {
	ProjectID string         `json:"project_id"`
	ItemType  string         `json:"item_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ManualPin bool           `json:"manual_pin,omitempty"`
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	item, err := h.manager.CreateItem(r.Context(), req.ProjectID, agentID, req.ItemType, req.Content, req.Metadata, req.ManualPin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	q := context.ListQuery{
		ProjectID: r.URL.Query().Get("project_id"),
		AgentID:   chi.URLParam(r, "agentID"),
		Limit:     intParam(r, "limit", 100),
		Offset:    intParam(r, "offset", 0),
	}
	if tierStr := r.URL.Query().Get("tier"); tierStr != "" {
		tier, err := context.ParseTier(tierStr)
		if err != nil {
			h.writeError(w, err)
			return
		}
		q.Tier = &tier
	}

	items, err := h.manager.ListItems(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []*context.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  len(items),
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.manager.GetItem(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	err := h.manager.DeleteItem(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateScores(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}
	count, err := h.manager.UpdateScores(r.Context(), projectID, chi.URLParam(r, "agentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated_count": count})
}

func (h *Handler) updateTiers(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}
	count, err := h.manager.UpdateTiers(r.Context(), projectID, chi.URLParam(r, "agentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated_count": count})
}

func (h *Handler) contextStats(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}
	stats, err := h.manager.Stats(r.Context(), projectID, chi.URLParam(r, "agentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) flashSave(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}
	force := r.URL.Query().Get("force") == "true"

	result, err := h.manager.FlashSave(r.Context(), chi.URLParam(r, "agentID"), projectID, force)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.manager.ListCheckpoints(r.Context(), chi.URLParam(r, "agentID"), intParam(r, "limit", 10))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []*context.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

func (h *Handler) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "checkpointID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "checkpoint id must be an integer"})
		return
	}
	cp, err := h.manager.GetCheckpoint(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ve *context.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, context.ErrItemNotFound), errors.Is(err, context.ErrCheckpointNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.ErrFlashSaveInFlight):
		status = http.StatusConflict
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
