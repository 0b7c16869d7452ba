package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ingridandradedev/smart-query/internal/sqlguard"
	"github.com/ingridandradedev/smart-query/internal/thread"
	"github.com/ingridandradedev/smart-query/internal/tools"
)

// ThreadStore is the persistence behavior the orchestrator needs.
type ThreadStore interface {
	Create(ctx context.Context, ownerID, schemaBinding string, threadContext map[string]string) (*thread.Thread, error)
	CheckOut(ctx context.Context, id uuid.UUID, historyLimit int) (*thread.Thread, error)
	Commit(ctx context.Context, threadID uuid.UUID, expectedVersion int64, turns []*thread.Turn) (int64, error)
}

// SQLExecutor runs validated statements and schema introspection.
type SQLExecutor interface {
	Execute(ctx context.Context, statement string) (*tools.QueryResult, error)
	ListTables(ctx context.Context, schema string) ([]string, error)
	TableColumns(ctx context.Context, schema, table string) ([]tools.Column, error)
}

// KnowledgeRetriever fetches tenant-scoped passages.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, tenantID, query string) ([]tools.Passage, error)
}

// Config bounds a turn's resource usage.
type Config struct {
	// MaxIterations caps reasoner round-trips per turn.
	MaxIterations int
	// MaxHistoryTurns is the history window loaded at checkout.
	MaxHistoryTurns int
	// MaxSearchResults bounds web search hits per action.
	MaxSearchResults int
	// RequestsPerMinute rate-limits reasoner calls; zero disables.
	RequestsPerMinute int
	// Retry configures backoff for reasoner calls.
	Retry RetryConfig
}

func (c *Config) validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MaxIterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxHistoryTurns <= 0 {
		return fmt.Errorf("MaxHistoryTurns must be positive, got %d", c.MaxHistoryTurns)
	}
	if c.MaxSearchResults <= 0 {
		return fmt.Errorf("MaxSearchResults must be positive, got %d", c.MaxSearchResults)
	}
	return nil
}

// Orchestrator runs conversation turns. Safe for concurrent use; each turn
// carries its own state machine.
type Orchestrator struct {
	threads   ThreadStore
	reasoner  Reasoner
	sql       SQLExecutor
	knowledge KnowledgeRetriever
	search    tools.Searcher
	cfg       Config
	retry     RetryConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates an Orchestrator. All collaborators are required.
func New(threads ThreadStore, reasoner Reasoner, sql SQLExecutor, knowledge KnowledgeRetriever, search tools.Searcher, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if threads == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if sql == nil {
		return nil, fmt.Errorf("sql executor is required")
	}
	if knowledge == nil {
		return nil, fmt.Errorf("knowledge retriever is required")
	}
	if search == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		threads:   threads,
		reasoner:  reasoner,
		sql:       sql,
		knowledge: knowledge,
		search:    search,
		cfg:       cfg,
		retry:     cfg.Retry,
		limiter:   newLimiter(cfg.RequestsPerMinute),
		logger:    logger,
	}, nil
}

// TurnRequest describes one user turn. A nil ThreadID starts a new thread
// owned by OwnerID and bound to SchemaBinding.
type TurnRequest struct {
	ThreadID      uuid.UUID
	OwnerID       string
	SchemaBinding string
	Context       map[string]string
	Message       string

	// Sink, when non-nil, receives progress events during the turn.
	Sink EventSink
}

// TurnResult is the outcome of a completed turn. Capped marks answers that
// were forced by the iteration limit; the turn still succeeded.
type TurnResult struct {
	ThreadID   uuid.UUID
	Answer     string
	Capped     bool
	Iterations int
	State      State
	Version    int64
}

// maxCommitAttempts bounds optimistic concurrency retries at commit time.
const maxCommitAttempts = 3

// RunTurn executes one full turn: decide, dispatch, observe, repeat until a
// final answer or the iteration cap, then commit the user turn, any tool
// turns and the assistant turn atomically. A failed turn commits nothing.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	th, err := o.resolveThread(ctx, req)
	if err != nil {
		return nil, err
	}
	guard := sqlguard.New(th.SchemaBinding)
	logger := o.logger.With("thread_id", th.ID)

	userTurn := thread.NewTurn(thread.RoleUser, req.Message, nil)
	working := make([]thread.Turn, 0, len(th.Turns)+1)
	working = append(working, th.Turns...)
	working = append(working, *userTurn)
	newTurns := []*thread.Turn{userTurn}

	m := newMachine(req.Sink)
	stream := o.streamFunc(req.Sink)

	var (
		answer     string
		capped     bool
		iterations int
	)

loop:
	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		// Cancellation is honored between iterations; a canceled turn
		// commits nothing.
		if err := ctx.Err(); err != nil {
			_ = m.to(StateFailed)
			return nil, &TurnError{Stage: StateFailed, Code: CodeCanceled, Err: err}
		}

		decision, err := o.decideWithRetry(ctx, DecideInput{
			Turns:         working,
			SchemaBinding: th.SchemaBinding,
			Mode:          ModeTools,
			Stream:        stream,
		})
		if err != nil {
			_ = m.to(StateFailed)
			return nil, &TurnError{
				Stage: StateFailed,
				Code:  CodeReasoningUnavailable,
				Err:   fmt.Errorf("%w: %w", ErrReasonerUnavailable, err),
			}
		}

		if decision.Final() {
			if err := m.to(StateFinalized); err != nil {
				return nil, err
			}
			answer = decision.Answer
			iterations = iter
			break loop
		}

		if err := m.to(StateDispatching); err != nil {
			return nil, err
		}
		emitActions(req.Sink, decision.Actions)
		entries := o.dispatch(ctx, th, guard, decision.Actions)

		if err := m.to(StateObserving); err != nil {
			return nil, err
		}
		observation := renderObservation(entries)
		if req.Sink != nil {
			req.Sink(Event{Type: EventObservation, Text: observation})
		}

		failed := 0
		for _, e := range entries {
			if e.Failed() {
				failed++
			}
		}
		toolTurn := thread.NewTurn(thread.RoleTool, observation, map[string]any{
			"iteration": iter,
			"actions":   len(entries),
			"failed":    failed,
		})
		working = append(working, *toolTurn)
		newTurns = append(newTurns, toolTurn)
		iterations = iter

		if err := m.to(StateAwaitingDecision); err != nil {
			return nil, err
		}
		logger.Debug("iteration complete",
			"iteration", iter, "actions", len(entries), "failed", failed)
	}

	if m.state != StateFinalized {
		answer = o.synthesizeCapped(ctx, working, th.SchemaBinding, stream)
		capped = true
		if err := m.to(StateCapped); err != nil {
			return nil, err
		}
	}

	assistantTurn := thread.NewTurn(thread.RoleAssistant, answer, map[string]any{
		"capped":     capped,
		"iterations": iterations,
	})
	newTurns = append(newTurns, assistantTurn)

	version, err := o.commitTurns(ctx, th, newTurns)
	if err != nil {
		return nil, &TurnError{Stage: m.state, Code: Classify(err), Err: err}
	}

	logger.Info("turn complete",
		"state", m.state, "iterations", iterations, "capped", capped, "turns", len(newTurns))
	return &TurnResult{
		ThreadID:   th.ID,
		Answer:     answer,
		Capped:     capped,
		Iterations: iterations,
		State:      m.state,
		Version:    version,
	}, nil
}

// resolveThread checks out an existing thread or creates a fresh one when
// the request carries no thread ID.
func (o *Orchestrator) resolveThread(ctx context.Context, req TurnRequest) (*thread.Thread, error) {
	if req.ThreadID == uuid.Nil {
		return o.threads.Create(ctx, req.OwnerID, req.SchemaBinding, req.Context)
	}
	return o.threads.CheckOut(ctx, req.ThreadID, o.cfg.MaxHistoryTurns)
}

// dispatch runs the requested actions concurrently and returns one entry
// per action, in request order. Action failures never abort the batch; they
// are folded into their entry. Workers share the turn's context directly; a
// failed action never cancels its siblings, and a cancelled turn discards
// the batch at the next iteration boundary.
func (o *Orchestrator) dispatch(ctx context.Context, th *thread.Thread, guard *sqlguard.Guard, actions []Action) []Entry {
	entries := make([]Entry, len(actions))
	var g errgroup.Group
	for i, action := range actions {
		g.Go(func() error {
			entries[i] = o.runAction(ctx, th, guard, action)
			return nil
		})
	}
	_ = g.Wait()
	return entries
}

// runAction executes one action and renders its result.
func (o *Orchestrator) runAction(ctx context.Context, th *thread.Thread, guard *sqlguard.Guard, action Action) Entry {
	switch action.Name {
	case ActionExecuteSQL:
		entry := Entry{Action: action, Kind: tools.KindSQL}
		verdict := guard.Validate(action.Argument)
		if !verdict.Allowed {
			entry.Err = fmt.Errorf("statement rejected: %s", verdict.Reason)
			return entry
		}
		result, err := o.sql.Execute(ctx, verdict.Statement)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Content = renderQueryResult(result)
		return entry

	case ActionListTables:
		entry := Entry{Action: action, Kind: tools.KindSQL}
		tables, err := o.sql.ListTables(ctx, th.SchemaBinding)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Content = renderTables(tables)
		return entry

	case ActionTableColumns:
		entry := Entry{Action: action, Kind: tools.KindSQL}
		cols, err := o.sql.TableColumns(ctx, th.SchemaBinding, action.Argument)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Content = renderColumns(action.Argument, cols)
		return entry

	case ActionSearchKnowledge:
		entry := Entry{Action: action, Kind: tools.KindKnowledge}
		passages, err := o.knowledge.Retrieve(ctx, th.OwnerID, action.Argument)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Content = renderPassages(passages)
		return entry

	case ActionWebSearch:
		entry := Entry{Action: action, Kind: tools.KindSearch}
		results, err := o.search.Search(ctx, action.Argument, o.cfg.MaxSearchResults)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Content = renderSearchResults(results)
		return entry

	default:
		return Entry{
			Action: action,
			Err:    fmt.Errorf("unknown action %q", action.Name),
		}
	}
}

// synthesizeCapped asks the reasoner for a best-effort answer from what was
// gathered, falling back to a deterministic message when even that fails.
// The turn still completes; the cap is reported, not an error.
func (o *Orchestrator) synthesizeCapped(ctx context.Context, working []thread.Turn, schemaBinding string, stream StreamCallback) string {
	decision, err := o.decideWithRetry(ctx, DecideInput{
		Turns:         working,
		SchemaBinding: schemaBinding,
		Mode:          ModeFinalOnly,
		Stream:        stream,
	})
	if err == nil && decision.Answer != "" {
		return decision.Answer
	}
	if err != nil {
		o.logger.Warn("capped synthesis failed, using fallback answer", "error", err)
	}
	return "I could not finish investigating within the allowed number of steps. " +
		"The partial results gathered so far are recorded above; please narrow the question and try again."
}

// commitTurns commits under optimistic concurrency, re-checking out the
// thread on conflict to pick up the fresh version.
func (o *Orchestrator) commitTurns(ctx context.Context, th *thread.Thread, turns []*thread.Turn) (int64, error) {
	version := th.Version
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		v, err := o.threads.Commit(ctx, th.ID, version, turns)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, thread.ErrVersionConflict) {
			return 0, fmt.Errorf("committing turn: %w", err)
		}
		fresh, err := o.threads.CheckOut(ctx, th.ID, 0)
		if err != nil {
			return 0, fmt.Errorf("re-checking out after conflict: %w", err)
		}
		version = fresh.Version
		o.logger.Debug("commit conflict, retrying",
			"thread_id", th.ID, "attempt", attempt+1, "version", version)
	}
	return 0, fmt.Errorf("%w: gave up after %d attempts", ErrCommitContention, maxCommitAttempts)
}

func (o *Orchestrator) streamFunc(sink EventSink) StreamCallback {
	if sink == nil {
		return nil
	}
	return func(_ context.Context, chunk string) error {
		sink(Event{Type: EventChunk, Text: chunk})
		return nil
	}
}

func emitActions(sink EventSink, actions []Action) {
	if sink == nil {
		return
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a.Name)
	}
	sink(Event{Type: EventActions, Names: names})
}
