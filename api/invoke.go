package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ingridandradedev/smart-query/internal/orchestrator"
	"github.com/ingridandradedev/smart-query/internal/thread"
)

// Invoker runs one conversational turn.
type Invoker interface {
	RunTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// ThreadStore is the read side the API needs for snapshots and listings.
type ThreadStore interface {
	Snapshot(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	List(ctx context.Context, ownerID string, limit, offset int32) ([]*thread.Thread, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// InvokeHandler handles the three invoke shapes.
type InvokeHandler struct {
	invoker       Invoker
	store         ThreadStore
	defaultSchema string
	logger        *slog.Logger
}

// NewInvokeHandler creates an invoke handler. defaultSchema, when non-empty,
// is used for new threads whose request omits database_schema.
func NewInvokeHandler(invoker Invoker, store ThreadStore, defaultSchema string, logger *slog.Logger) *InvokeHandler {
	return &InvokeHandler{invoker: invoker, store: store, defaultSchema: defaultSchema, logger: logger}
}

// RegisterRoutes registers invoke routes on the given mux.
func (h *InvokeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/invoke", h.handleInvoke)
	mux.HandleFunc("POST /api/invoke/last", h.handleInvokeLast)
	mux.HandleFunc("POST /api/invoke/stream", h.handleStream)
}

// Message is one conversational message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeRequest is the shared request body for all invoke shapes. An absent
// thread_id starts a new thread; user_id and database_schema are then
// required.
type InvokeRequest struct {
	ThreadID       string            `json:"thread_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Messages       []Message         `json:"messages"`
	DatabaseSchema string            `json:"database_schema,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// InvokeResponse is the full thread snapshot returned by POST /api/invoke.
type InvokeResponse struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	Messages []Message `json:"messages"`
	Capped   bool      `json:"capped,omitempty"`
}

// InvokeLastResponse carries only the new assistant message.
type InvokeLastResponse struct {
	ThreadID string  `json:"thread_id"`
	Message  Message `json:"message"`
	Capped   bool    `json:"capped,omitempty"`
}

// turnRequest validates the body and converts it into an orchestrator
// request. The incoming text is the last user message. A new thread without
// database_schema falls back to defaultSchema when one is configured.
func (r *InvokeRequest) turnRequest(defaultSchema string) (orchestrator.TurnRequest, error) {
	var threadID uuid.UUID
	schema := r.DatabaseSchema
	if r.ThreadID != "" {
		id, err := uuid.Parse(r.ThreadID)
		if err != nil {
			return orchestrator.TurnRequest{}, fmt.Errorf("invalid thread_id: %w", err)
		}
		threadID = id
	} else {
		if r.UserID == "" {
			return orchestrator.TurnRequest{}, errors.New("user_id is required when thread_id is absent")
		}
		if schema == "" {
			schema = defaultSchema
		}
		if schema == "" {
			return orchestrator.TurnRequest{}, errors.New("database_schema is required when thread_id is absent")
		}
	}

	if len(r.Messages) == 0 {
		return orchestrator.TurnRequest{}, errors.New("messages must not be empty")
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != string(thread.RoleUser) {
		return orchestrator.TurnRequest{}, fmt.Errorf("last message role must be user, got %q", last.Role)
	}
	if strings.TrimSpace(last.Content) == "" {
		return orchestrator.TurnRequest{}, errors.New("last message content must not be empty")
	}

	return orchestrator.TurnRequest{
		ThreadID:      threadID,
		OwnerID:       r.UserID,
		SchemaBinding: schema,
		Context:       r.Context,
		Message:       last.Content,
	}, nil
}

func (h *InvokeHandler) runTurn(w http.ResponseWriter, r *http.Request) (*orchestrator.TurnResult, bool) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return nil, false
	}
	turnReq, err := req.turnRequest(h.defaultSchema)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}

	result, err := h.invoker.RunTurn(r.Context(), turnReq)
	if err != nil {
		h.writeTurnError(w, err)
		return nil, false
	}
	return result, true
}

// handleInvoke runs a turn and returns the committed thread snapshot.
func (h *InvokeHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	result, ok := h.runTurn(w, r)
	if !ok {
		return
	}

	snapshot, err := h.store.Snapshot(r.Context(), result.ThreadID)
	if err != nil {
		h.logger.Error("loading snapshot after turn", "thread_id", result.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "turn committed but snapshot load failed")
		return
	}

	messages := make([]Message, len(snapshot.Turns))
	for i, t := range snapshot.Turns {
		messages[i] = Message{Role: string(t.Role), Content: t.Text}
	}
	writeJSON(w, http.StatusOK, InvokeResponse{
		ThreadID: snapshot.ID.String(),
		UserID:   snapshot.OwnerID,
		Messages: messages,
		Capped:   result.Capped,
	})
}

// handleInvokeLast runs a turn and returns only the assistant message.
func (h *InvokeHandler) handleInvokeLast(w http.ResponseWriter, r *http.Request) {
	result, ok := h.runTurn(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, InvokeLastResponse{
		ThreadID: result.ThreadID.String(),
		Message:  Message{Role: string(thread.RoleAssistant), Content: result.Answer},
		Capped:   result.Capped,
	})
}

// writeTurnError maps turn failures to status codes using the
// orchestrator's error classification.
func (h *InvokeHandler) writeTurnError(w http.ResponseWriter, err error) {
	code := orchestrator.Classify(err)
	status := http.StatusInternalServerError
	switch code {
	case orchestrator.CodeEmptyMessage:
		status = http.StatusBadRequest
	case orchestrator.CodeThreadNotFound:
		status = http.StatusNotFound
	case orchestrator.CodeWriteConflict:
		status = http.StatusConflict
	case orchestrator.CodeReasoningUnavailable:
		status = http.StatusServiceUnavailable
	case orchestrator.CodeCanceled:
		status = http.StatusServiceUnavailable
	}
	h.logger.Error("turn failed", "code", code, "error", err)
	writeError(w, status, string(code), err.Error())
}
