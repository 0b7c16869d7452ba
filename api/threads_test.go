package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ingridandradedev/smart-query/internal/log"
	"github.com/ingridandradedev/smart-query/internal/thread"
)

func TestThreads_List(t *testing.T) {
	store := &fakeThreadStore{listed: []*thread.Thread{
		{ID: uuid.New(), OwnerID: "acme", SchemaBinding: "tenant_acme", TurnCount: 4, UpdatedAt: time.Now()},
		{ID: uuid.New(), OwnerID: "acme", SchemaBinding: "tenant_acme", TurnCount: 2, UpdatedAt: time.Now()},
	}}
	srv := newTestServer(&fakeInvoker{}, store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/threads?user_id=acme")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Threads []ThreadSummary `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(out.Threads))
	}
	if out.Threads[0].TurnCount != 4 {
		t.Errorf("first summary = %+v", out.Threads[0])
	}
}

func TestThreads_ListValidation(t *testing.T) {
	srv := newTestServer(&fakeInvoker{}, &fakeThreadStore{})
	defer srv.Close()

	for _, url := range []string{
		"/api/threads",
		"/api/threads?user_id=acme&limit=0",
		"/api/threads?user_id=acme&limit=9999",
		"/api/threads?user_id=acme&offset=-1",
	} {
		resp, err := http.Get(srv.URL + url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", url, resp.StatusCode)
		}
	}
}

func TestThreads_Get(t *testing.T) {
	id := uuid.New()
	store := &fakeThreadStore{threads: map[uuid.UUID]*thread.Thread{
		id: {
			ID:            id,
			OwnerID:       "acme",
			SchemaBinding: "tenant_acme",
			Context:       map[string]string{"tenant": "acme"},
			Turns: []thread.Turn{
				{Role: thread.RoleUser, Text: "hi", Seq: 1},
				{Role: thread.RoleAssistant, Text: "hello", Seq: 2},
			},
		},
	}}
	srv := newTestServer(&fakeInvoker{}, store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/threads/" + id.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out ThreadDetail
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ThreadID != id.String() || len(out.Messages) != 2 {
		t.Errorf("detail = %+v", out)
	}
	if out.Context["tenant"] != "acme" {
		t.Errorf("context = %v", out.Context)
	}
}

func TestThreads_GetNotFound(t *testing.T) {
	srv := newTestServer(&fakeInvoker{}, &fakeThreadStore{threads: map[uuid.UUID]*thread.Thread{}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/threads/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestThreads_Delete(t *testing.T) {
	id := uuid.New()
	store := &fakeThreadStore{threads: map[uuid.UUID]*thread.Thread{id: {ID: id}}}
	srv := newTestServer(&fakeInvoker{}, store)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/threads/"+id.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp2.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeInvoker{}, &fakeThreadStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness status = %d", resp.StatusCode)
	}

	// No pool configured, so readiness must refuse.
	resp, err = http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want 503", resp.StatusCode)
	}
}

func TestMiddleware_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})
	handler := chain(mux, recoveryMiddleware(log.NewNop()), loggingMiddleware(log.NewNop()))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/boom")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
