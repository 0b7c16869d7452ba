package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ingridandradedev/smart-query/internal/log"
	"github.com/ingridandradedev/smart-query/internal/thread"
	"github.com/ingridandradedev/smart-query/internal/tools"
)

// scriptReasoner replays a fixed sequence of decisions and records what it
// was asked.
type scriptReasoner struct {
	decisions []*Decision
	errs      []error
	inputs    []DecideInput
	calls     int
}

func (r *scriptReasoner) Decide(ctx context.Context, in DecideInput) (*Decision, error) {
	r.inputs = append(r.inputs, in)
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	d := r.decisions[i]
	if in.Stream != nil && d.Final() && d.Answer != "" {
		if err := in.Stream(ctx, d.Answer); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// fakeThreads is an in-memory ThreadStore. commitConflicts simulates a
// foreign writer winning the race that many times.
type fakeThreads struct {
	mu              sync.Mutex
	thread          *thread.Thread
	version         int64
	committed       []*thread.Turn
	commitCalls     int
	commitConflicts int
	created         bool
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{
		thread: &thread.Thread{
			ID:            uuid.New(),
			OwnerID:       "acme",
			SchemaBinding: "tenant_acme",
			Version:       1,
		},
		version: 1,
	}
}

func (f *fakeThreads) Create(_ context.Context, ownerID, schemaBinding string, threadContext map[string]string) (*thread.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = true
	f.thread = &thread.Thread{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		SchemaBinding: schemaBinding,
		Context:       threadContext,
		Version:       1,
	}
	f.version = 1
	return f.snapshot(), nil
}

func (f *fakeThreads) CheckOut(_ context.Context, id uuid.UUID, _ int) (*thread.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.thread == nil || f.thread.ID != id {
		return nil, thread.ErrNotFound
	}
	return f.snapshot(), nil
}

func (f *fakeThreads) Commit(_ context.Context, id uuid.UUID, expected int64, turns []*thread.Turn) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if f.commitConflicts > 0 {
		f.commitConflicts--
		f.version++ // foreign writer got there first
		return 0, thread.ErrVersionConflict
	}
	if expected != f.version {
		return 0, thread.ErrVersionConflict
	}
	f.version++
	f.committed = append(f.committed, turns...)
	return f.version, nil
}

func (f *fakeThreads) snapshot() *thread.Thread {
	cp := *f.thread
	cp.Version = f.version
	cp.Turns = append([]thread.Turn(nil), f.thread.Turns...)
	return &cp
}

// fakeSQL is a scripted SQLExecutor.
type fakeSQL struct {
	result     *tools.QueryResult
	execErr    error
	tables     []string
	columns    []tools.Column
	statements []string
}

func (f *fakeSQL) Execute(_ context.Context, statement string) (*tools.QueryResult, error) {
	f.statements = append(f.statements, statement)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &tools.QueryResult{Columns: []string{"n"}, Rows: [][]string{{"1"}}}, nil
}

func (f *fakeSQL) ListTables(_ context.Context, _ string) ([]string, error) {
	if f.tables == nil {
		return []string{"campaigns", "leads"}, nil
	}
	return f.tables, nil
}

func (f *fakeSQL) TableColumns(_ context.Context, _, _ string) ([]tools.Column, error) {
	if f.columns == nil {
		return []tools.Column{{Name: "id", DataType: "uuid"}}, nil
	}
	return f.columns, nil
}

type fakeKnowledge struct {
	passages []tools.Passage
	err      error
	queries  []string
	tenants  []string
}

func (f *fakeKnowledge) Retrieve(_ context.Context, tenantID, query string) ([]tools.Passage, error) {
	f.tenants = append(f.tenants, tenantID)
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

type fakeSearch struct {
	results []tools.SearchResult
	err     error
	queries []string
	maxSeen int
}

func (f *fakeSearch) Search(_ context.Context, query string, maxResults int) ([]tools.SearchResult, error) {
	f.queries = append(f.queries, query)
	f.maxSeen = maxResults
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type deps struct {
	threads  *fakeThreads
	reasoner *scriptReasoner
	sql      *fakeSQL
	know     *fakeKnowledge
	search   *fakeSearch
}

func newOrchestrator(t *testing.T, d deps, cfg Config) *Orchestrator {
	t.Helper()
	if d.threads == nil {
		d.threads = newFakeThreads()
	}
	if d.sql == nil {
		d.sql = &fakeSQL{}
	}
	if d.know == nil {
		d.know = &fakeKnowledge{}
	}
	if d.search == nil {
		d.search = &fakeSearch{}
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 5
	}
	if cfg.MaxHistoryTurns == 0 {
		cfg.MaxHistoryTurns = 6
	}
	if cfg.MaxSearchResults == 0 {
		cfg.MaxSearchResults = 10
	}
	o, err := New(d.threads, d.reasoner, d.sql, d.know, d.search, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func final(answer string) *Decision { return &Decision{Answer: answer} }

func acts(actions ...Action) *Decision { return &Decision{Actions: actions} }

func TestRunTurn_DirectAnswer(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{decisions: []*Decision{final("hello there")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Answer != "hello there" {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.State != StateFinalized || result.Capped {
		t.Errorf("state = %s capped = %v", result.State, result.Capped)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}

	// Exactly user + assistant persisted, in order.
	if len(threads.committed) != 2 {
		t.Fatalf("committed %d turns, want 2", len(threads.committed))
	}
	if threads.committed[0].Role != thread.RoleUser || threads.committed[0].Text != "hi" {
		t.Errorf("turn 0 = %+v", threads.committed[0])
	}
	if threads.committed[1].Role != thread.RoleAssistant {
		t.Errorf("turn 1 role = %s", threads.committed[1].Role)
	}
	if capped, _ := threads.committed[1].Meta["capped"].(bool); capped {
		t.Error("uncapped answer marked capped")
	}
}

func TestRunTurn_MintsThreadWhenAbsent(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		OwnerID:       "globex",
		SchemaBinding: "tenant_globex",
		Message:       "hi",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !threads.created {
		t.Error("thread not created")
	}
	if result.ThreadID == uuid.Nil {
		t.Error("result carries no thread ID")
	}
	if threads.thread.OwnerID != "globex" || threads.thread.SchemaBinding != "tenant_globex" {
		t.Errorf("created thread = %+v", threads.thread)
	}
}

func TestRunTurn_EmptyMessage(t *testing.T) {
	o := newOrchestrator(t, deps{reasoner: &scriptReasoner{decisions: []*Decision{final("x")}}}, Config{})

	_, err := o.RunTurn(context.Background(), TurnRequest{Message: ""})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestRunTurn_ToolLoop(t *testing.T) {
	threads := newFakeThreads()
	sql := &fakeSQL{result: &tools.QueryResult{
		Columns: []string{"name", "total"},
		Rows:    [][]string{{"spring launch", "120"}, {"summer promo", "80"}},
	}}
	search := &fakeSearch{results: []tools.SearchResult{
		{Title: "Industry report", URL: "https://example.com/r", Snippet: "market grew"},
	}}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(
			Action{Name: ActionExecuteSQL, Argument: "SELECT name, total FROM campaigns ORDER BY total DESC"},
			Action{Name: ActionWebSearch, Argument: "campaign industry trends"},
		),
		final("spring launch leads with 120"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner, sql: sql, search: search}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "which campaign performed best?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Answer != "spring launch leads with 120" {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}

	// user, tool, assistant persisted.
	if len(threads.committed) != 3 {
		t.Fatalf("committed %d turns, want 3", len(threads.committed))
	}
	obs := threads.committed[1]
	if obs.Role != thread.RoleTool {
		t.Fatalf("middle turn role = %s, want tool", obs.Role)
	}

	// Observation preserves request order: SQL before search.
	sqlIdx := strings.Index(obs.Text, "[sql]")
	searchIdx := strings.Index(obs.Text, "[search]")
	if sqlIdx < 0 || searchIdx < 0 || sqlIdx > searchIdx {
		t.Errorf("observation ordering wrong:\n%s", obs.Text)
	}
	if !strings.Contains(obs.Text, "spring launch | 120") {
		t.Errorf("observation missing sql rows:\n%s", obs.Text)
	}
	if !strings.Contains(obs.Text, "https://example.com/r") {
		t.Errorf("observation missing search hit:\n%s", obs.Text)
	}

	// The second decision saw the observation.
	secondInput := reasoner.inputs[1]
	last := secondInput.Turns[len(secondInput.Turns)-1]
	if last.Role != thread.RoleTool || last.Text != obs.Text {
		t.Error("observation not fed back to reasoner")
	}

	if search.maxSeen != 10 {
		t.Errorf("search max = %d, want 10", search.maxSeen)
	}
}

func TestRunTurn_RejectsForbiddenSQLWithoutExecuting(t *testing.T) {
	threads := newFakeThreads()
	sql := &fakeSQL{}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionExecuteSQL, Argument: "DROP TABLE campaigns"}),
		final("I cannot do that"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner, sql: sql}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "drop the campaigns table",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(sql.statements) != 0 {
		t.Errorf("rejected statement reached the database: %v", sql.statements)
	}
	obs := threads.committed[1]
	if !strings.Contains(obs.Text, "FAILED") || !strings.Contains(obs.Text, "DROP") {
		t.Errorf("observation missing rejection marker:\n%s", obs.Text)
	}
	if result.State != StateFinalized {
		t.Errorf("state = %s", result.State)
	}
}

func TestRunTurn_CrossSchemaSQLRejected(t *testing.T) {
	threads := newFakeThreads()
	sql := &fakeSQL{}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionExecuteSQL, Argument: "SELECT * FROM tenant_other.secrets"}),
		final("no"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner, sql: sql}, Config{})

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "peek at the other tenant",
	}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(sql.statements) != 0 {
		t.Errorf("cross-schema statement executed: %v", sql.statements)
	}
	if !strings.Contains(threads.committed[1].Text, "tenant_other") {
		t.Errorf("observation:\n%s", threads.committed[1].Text)
	}
}

func TestRunTurn_RetrievalFailureIsFoldedNotFatal(t *testing.T) {
	threads := newFakeThreads()
	know := &fakeKnowledge{err: errors.New("embedding service down")}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionSearchKnowledge, Argument: "budget policy"}),
		final("answered without the knowledge base"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner, know: know}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "what is the budget policy?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	obs := threads.committed[1]
	if !strings.Contains(obs.Text, "FAILED") || !strings.Contains(obs.Text, "embedding service down") {
		t.Errorf("observation missing failure marker:\n%s", obs.Text)
	}
	if result.Answer != "answered without the knowledge base" {
		t.Errorf("answer = %q", result.Answer)
	}
	if know.tenants[0] != "acme" {
		t.Errorf("retrieval tenant = %q, want owner", know.tenants[0])
	}
}

// gatedSQL fails and then signals, so a test can order a sibling action
// after the failure.
type gatedSQL struct {
	fakeSQL
	failed chan struct{}
}

func (g *gatedSQL) Execute(_ context.Context, _ string) (*tools.QueryResult, error) {
	defer close(g.failed)
	return nil, errors.New("connection reset")
}

// gatedSearch waits for the gate, then records whether its context was still
// live when it ran.
type gatedSearch struct {
	gate   <-chan struct{}
	ctxErr error
}

func (g *gatedSearch) Search(ctx context.Context, query string, _ int) ([]tools.SearchResult, error) {
	<-g.gate
	g.ctxErr = ctx.Err()
	return []tools.SearchResult{{Title: "doc", Snippet: "text", URL: "https://example.com"}}, nil
}

func TestRunTurn_SiblingFailureDoesNotCancelBatch(t *testing.T) {
	threads := newFakeThreads()
	failed := make(chan struct{})
	sqlExec := &gatedSQL{failed: failed}
	searcher := &gatedSearch{gate: failed}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(
			Action{Name: ActionExecuteSQL, Argument: "SELECT 1"},
			Action{Name: ActionWebSearch, Argument: "spring launch"},
		),
		final("answered from search alone"),
	}}
	o, err := New(threads, reasoner, sqlExec, &fakeKnowledge{}, searcher, Config{
		MaxIterations:    5,
		MaxHistoryTurns:  6,
		MaxSearchResults: 10,
	}, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "how did the spring launch go?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if searcher.ctxErr != nil {
		t.Errorf("search context error = %v, want nil after sibling failure", searcher.ctxErr)
	}
	obs := threads.committed[1]
	if !strings.Contains(obs.Text, "FAILED") || !strings.Contains(obs.Text, "connection reset") {
		t.Errorf("observation missing failure marker:\n%s", obs.Text)
	}
	if !strings.Contains(obs.Text, "doc") {
		t.Errorf("observation missing search result:\n%s", obs.Text)
	}
	if result.Answer != "answered from search alone" {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestRunTurn_IterationCapSynthesizesAnswer(t *testing.T) {
	threads := newFakeThreads()
	// The reasoner keeps asking for tools; the last scripted decision is a
	// final answer which only the ModeFinalOnly call reaches.
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionListTables}),
		acts(Action{Name: ActionListTables}),
		acts(Action{Name: ActionListTables}),
		final("best effort answer"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{MaxIterations: 3})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "keep digging",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !result.Capped {
		t.Error("capped turn not flagged")
	}
	if result.State != StateCapped {
		t.Errorf("state = %s, want capped", result.State)
	}
	if result.Answer != "best effort answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if last := reasoner.inputs[len(reasoner.inputs)-1]; last.Mode != ModeFinalOnly {
		t.Error("synthesis call not in final-only mode")
	}

	// user + 3 tool turns + assistant.
	if len(threads.committed) != 5 {
		t.Fatalf("committed %d turns, want 5", len(threads.committed))
	}
	assistant := threads.committed[4]
	if capped, _ := assistant.Meta["capped"].(bool); !capped {
		t.Error("assistant turn not marked capped")
	}
}

func TestRunTurn_CapFallbackWhenSynthesisFails(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{
		decisions: []*Decision{
			acts(Action{Name: ActionListTables}),
			nil, // position 1 errors
		},
		errs: []error{nil, errors.New("model rejected request")},
	}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{MaxIterations: 1})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "dig",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !result.Capped {
		t.Error("not flagged capped")
	}
	if result.Answer == "" {
		t.Error("capped turn must still carry an answer")
	}
}

func TestRunTurn_ReasonerFailureCommitsNothing(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{errs: []error{errors.New("invalid credentials")}, decisions: []*Decision{nil}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	})
	if !errors.Is(err, ErrReasonerUnavailable) {
		t.Errorf("err = %v, want ErrReasonerUnavailable", err)
	}
	if len(threads.committed) != 0 {
		t.Errorf("failed turn committed %d turns", len(threads.committed))
	}
}

func TestRunTurn_RetriesTransientReasonerErrors(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{
		errs:      []error{errors.New("429 rate limit"), nil},
		decisions: []*Decision{nil, final("eventually")},
	}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{
		Retry: RetryConfig{MaxRetries: 2, InitialInterval: 1, MaxInterval: 1},
	})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Answer != "eventually" {
		t.Errorf("answer = %q", result.Answer)
	}
	if reasoner.calls != 2 {
		t.Errorf("reasoner called %d times, want 2", reasoner.calls)
	}
}

func TestRunTurn_CommitConflictRetries(t *testing.T) {
	threads := newFakeThreads()
	threads.commitConflicts = 2
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if threads.commitCalls != 3 {
		t.Errorf("commit called %d times, want 3", threads.commitCalls)
	}
	if result.Version != threads.version {
		t.Errorf("result version = %d, store version = %d", result.Version, threads.version)
	}
}

func TestRunTurn_CommitContentionGivesUp(t *testing.T) {
	threads := newFakeThreads()
	threads.commitConflicts = 100
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	})
	if !errors.Is(err, ErrCommitContention) {
		t.Errorf("err = %v, want ErrCommitContention", err)
	}
}

func TestRunTurn_CanceledContextCommitsNothing(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.RunTurn(ctx, TurnRequest{ThreadID: threads.thread.ID, Message: "hi"})
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if len(threads.committed) != 0 {
		t.Errorf("canceled turn committed %d turns", len(threads.committed))
	}
}

func TestRunTurn_EmitsEvents(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionListTables}),
		final("done"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	var (
		mu     sync.Mutex
		events []Event
	)
	sink := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
		Sink:     sink,
	}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	var states []State
	var chunks, observations int
	for _, e := range events {
		switch e.Type {
		case EventState:
			states = append(states, e.State)
		case EventChunk:
			chunks++
			if e.Text != "done" {
				t.Errorf("chunk text = %q", e.Text)
			}
		case EventObservation:
			observations++
		}
	}
	wantStates := []State{StateDispatching, StateObserving, StateAwaitingDecision, StateFinalized}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i, s := range states {
		if s != wantStates[i] {
			t.Errorf("state %d = %s, want %s", i, s, wantStates[i])
		}
	}
	if chunks == 0 {
		t.Error("no chunk events forwarded")
	}
	if observations != 1 {
		t.Errorf("observation events = %d, want 1", observations)
	}
}

// Full scenario: inspect the schema, query it, answer.
func TestRunTurn_SchemaDiscoveryScenario(t *testing.T) {
	threads := newFakeThreads()
	sql := &fakeSQL{
		tables: []string{"campaigns", "leads", "events"},
		result: &tools.QueryResult{
			Columns: []string{"name", "leads"},
			Rows: [][]string{
				{"spring launch", "120"}, {"summer promo", "95"}, {"fall fair", "60"},
				{"webinar", "44"}, {"newsletter", "31"},
			},
		},
	}
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionListTables}),
		acts(Action{Name: ActionExecuteSQL, Argument: "SELECT name, count(*) AS leads FROM campaigns JOIN leads ON true GROUP BY name ORDER BY leads DESC LIMIT 5"}),
		final("top campaign is spring launch with 120 leads"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner, sql: sql}, Config{})

	result, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "top 5 campaigns by leads?",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	// user, tool, tool, assistant.
	if len(threads.committed) != 4 {
		t.Fatalf("committed %d turns, want 4", len(threads.committed))
	}
	if !strings.Contains(threads.committed[1].Text, "campaigns") {
		t.Errorf("first observation:\n%s", threads.committed[1].Text)
	}
	if !strings.Contains(threads.committed[2].Text, "spring launch | 120") {
		t.Errorf("second observation:\n%s", threads.committed[2].Text)
	}
	if len(sql.statements) != 1 {
		t.Errorf("statements executed = %v", sql.statements)
	}
}

func TestRunTurn_HistoryWindowPassedToReasoner(t *testing.T) {
	threads := newFakeThreads()
	threads.thread.Turns = []thread.Turn{
		{Role: thread.RoleUser, Text: "earlier question", Seq: 1},
		{Role: thread.RoleAssistant, Text: "earlier answer", Seq: 2},
	}
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "follow-up",
	}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	in := reasoner.inputs[0]
	if len(in.Turns) != 3 {
		t.Fatalf("reasoner saw %d turns, want 3", len(in.Turns))
	}
	if in.Turns[0].Text != "earlier question" || in.Turns[2].Text != "follow-up" {
		t.Errorf("reasoner window = %+v", in.Turns)
	}
	if in.SchemaBinding != "tenant_acme" {
		t.Errorf("schema binding = %q", in.SchemaBinding)
	}
}

func TestRunTurn_UnknownActionFolded(t *testing.T) {
	threads := newFakeThreads()
	reasoner := &scriptReasoner{decisions: []*Decision{
		acts(Action{Name: ActionName("launch_missiles")}),
		final("no such tool"),
	}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		ThreadID: threads.thread.ID,
		Message:  "hi",
	}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.Contains(threads.committed[1].Text, "unknown action") {
		t.Errorf("observation:\n%s", threads.committed[1].Text)
	}
}

func TestClassify(t *testing.T) {
	threads := newFakeThreads()
	threads.commitConflicts = 100
	reasoner := &scriptReasoner{decisions: []*Decision{final("ok")}}
	o := newOrchestrator(t, deps{threads: threads, reasoner: reasoner}, Config{})

	_, err := o.RunTurn(context.Background(), TurnRequest{ThreadID: threads.thread.ID, Message: "hi"})
	if got := Classify(err); got != CodeWriteConflict {
		t.Errorf("Classify(contention) = %s, want %s", got, CodeWriteConflict)
	}
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("err %v is not a TurnError", err)
	}

	if got := Classify(ErrEmptyMessage); got != CodeEmptyMessage {
		t.Errorf("Classify(empty) = %s", got)
	}
	if got := Classify(thread.ErrNotFound); got != CodeThreadNotFound {
		t.Errorf("Classify(not found) = %s", got)
	}
	if got := Classify(errors.New("weird")); got != CodeInternal {
		t.Errorf("Classify(unknown) = %s", got)
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateAwaitingDecision, StateDispatching, true},
		{StateAwaitingDecision, StateFinalized, true},
		{StateAwaitingDecision, StateCapped, true},
		{StateDispatching, StateObserving, true},
		{StateObserving, StateAwaitingDecision, true},
		{StateObserving, StateCapped, true},
		{StateDispatching, StateFinalized, false},
		{StateFinalized, StateAwaitingDecision, false},
		{StateCapped, StateDispatching, false},
		{StateFailed, StateAwaitingDecision, false},
	}
	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	for _, s := range []State{StateFinalized, StateCapped, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
}
