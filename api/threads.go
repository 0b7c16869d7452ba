package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ingridandradedev/smart-query/internal/thread"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ThreadHandler serves thread listing and management endpoints.
type ThreadHandler struct {
	store  ThreadStore
	logger *slog.Logger
}

// NewThreadHandler creates a thread handler.
func NewThreadHandler(store ThreadStore, logger *slog.Logger) *ThreadHandler {
	return &ThreadHandler{store: store, logger: logger}
}

// RegisterRoutes registers thread routes on the given mux.
func (h *ThreadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", h.list)
	mux.HandleFunc("GET /api/threads/{id}", h.get)
	mux.HandleFunc("DELETE /api/threads/{id}", h.delete)
}

// ThreadSummary is one row in a thread listing.
type ThreadSummary struct {
	ThreadID       string `json:"thread_id"`
	UserID         string `json:"user_id"`
	DatabaseSchema string `json:"database_schema"`
	TurnCount      int    `json:"turn_count"`
	UpdatedAt      string `json:"updated_at"`
}

// ThreadDetail is a full thread with its messages.
type ThreadDetail struct {
	ThreadID       string            `json:"thread_id"`
	UserID         string            `json:"user_id"`
	DatabaseSchema string            `json:"database_schema"`
	Context        map[string]string `json:"context,omitempty"`
	Messages       []Message         `json:"messages"`
}

func (h *ThreadHandler) list(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("user_id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required")
		return
	}

	limit := int32(defaultListLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 200")
			return
		}
		limit = int32(n)
	}
	offset := int32(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "offset must be non-negative")
			return
		}
		offset = int32(n)
	}

	threads, err := h.store.List(r.Context(), owner, limit, offset)
	if err != nil {
		h.logger.Error("listing threads", "user_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "listing threads failed")
		return
	}

	summaries := make([]ThreadSummary, len(threads))
	for i, t := range threads {
		summaries[i] = ThreadSummary{
			ThreadID:       t.ID.String(),
			UserID:         t.OwnerID,
			DatabaseSchema: t.SchemaBinding,
			TurnCount:      t.TurnCount,
			UpdatedAt:      t.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": summaries})
}

func (h *ThreadHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid thread id")
		return
	}

	t, err := h.store.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		h.logger.Error("loading thread", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "loading thread failed")
		return
	}

	messages := make([]Message, len(t.Turns))
	for i, turn := range t.Turns {
		messages[i] = Message{Role: string(turn.Role), Content: turn.Text}
	}
	writeJSON(w, http.StatusOK, ThreadDetail{
		ThreadID:       t.ID.String(),
		UserID:         t.OwnerID,
		DatabaseSchema: t.SchemaBinding,
		Context:        t.Context,
		Messages:       messages,
	})
}

func (h *ThreadHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid thread id")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		h.logger.Error("deleting thread", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "deleting thread failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
