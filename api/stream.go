package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ingridandradedev/smart-query/internal/orchestrator"
)

// SSE event payloads. Event types on the wire: "state" for orchestrator
// phase changes, "actions" for tool dispatches, "chunk" for partial answer
// text, "done" for the final result, "error" for turn failure.

// SSEStateData reports a state machine transition.
type SSEStateData struct {
	State string `json:"state"`
}

// SSEActionsData lists the tools dispatched in one iteration.
type SSEActionsData struct {
	Actions []string `json:"actions"`
}

// SSEChunkData carries partial answer text.
type SSEChunkData struct {
	Text string `json:"text"`
}

// SSEDoneData is the final event of a successful stream.
type SSEDoneData struct {
	ThreadID string `json:"thread_id"`
	Response string `json:"response"`
	Capped   bool   `json:"capped,omitempty"`
}

// SSEErrorData is the final event of a failed stream.
type SSEErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleStream runs a turn while emitting progress as Server-Sent Events.
// A client disconnect cancels the turn at the next iteration boundary;
// nothing is committed for a cancelled turn.
func (h *InvokeHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSSE(w, flusher, "error", SSEErrorData{Code: "invalid_request", Message: "malformed JSON body"})
		return
	}
	turnReq, err := req.turnRequest(h.defaultSchema)
	if err != nil {
		writeSSE(w, flusher, "error", SSEErrorData{Code: "invalid_request", Message: err.Error()})
		return
	}

	// The sink runs on the turn's goroutine; events hit the wire in the
	// order the orchestrator produced them.
	turnReq.Sink = func(e orchestrator.Event) {
		switch e.Type {
		case orchestrator.EventState:
			writeSSE(w, flusher, "state", SSEStateData{State: string(e.State)})
		case orchestrator.EventActions:
			writeSSE(w, flusher, "actions", SSEActionsData{Actions: e.Names})
		case orchestrator.EventChunk:
			writeSSE(w, flusher, "chunk", SSEChunkData{Text: e.Text})
		}
	}

	h.logger.Info("stream started", "thread_id", req.ThreadID)
	result, err := h.invoker.RunTurn(r.Context(), turnReq)
	if err != nil {
		code := orchestrator.Classify(err)
		h.logger.Error("stream turn failed", "code", code, "error", err)
		writeSSE(w, flusher, "error", SSEErrorData{Code: string(code), Message: err.Error()})
		return
	}

	writeSSE(w, flusher, "done", SSEDoneData{
		ThreadID: result.ThreadID.String(),
		Response: result.Answer,
		Capped:   result.Capped,
	})
	h.logger.Info("stream completed",
		"thread_id", result.ThreadID, "iterations", result.Iterations, "capped", result.Capped)
}

// writeSSE writes one event and flushes it to the client.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
