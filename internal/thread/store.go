package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier defines the database operations the store depends on. The
// interface lives with its consumer so tests can substitute an in-memory
// implementation.
type Querier interface {
	InsertThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*Thread, error)
	ListThreads(ctx context.Context, ownerID string, limit, offset int32) ([]*Thread, error)
	BumpVersion(ctx context.Context, id uuid.UUID, expected int64, turnCount int) (int64, error)
	InsertTurn(ctx context.Context, t *Turn) error
	RecentTurns(ctx context.Context, threadID uuid.UUID, limit int32) ([]Turn, error)
	AllTurns(ctx context.Context, threadID uuid.UUID) ([]Turn, error)
	MaxSeq(ctx context.Context, threadID uuid.UUID) (int, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error
	WithTx(tx pgx.Tx) Querier
}

// Store manages thread persistence. Concurrency is handled optimistically:
// CheckOut returns the thread's current version, Commit refuses to apply
// turns when that version has moved on.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	querier Querier
	pool    *pgxpool.Pool // nil in unit tests, disables transactions
	logger  *slog.Logger
}

// NewStore creates a Store. The pool may be nil in tests backed by a mock
// querier; commits then run without a transaction.
func NewStore(querier Querier, pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{querier: querier, pool: pool, logger: logger}
}

// Create mints a new thread for the owner, bound to the given schema.
func (s *Store) Create(ctx context.Context, ownerID, schemaBinding string, threadContext map[string]string) (*Thread, error) {
	t := &Thread{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		SchemaBinding: schemaBinding,
		Context:       threadContext,
	}
	if err := s.querier.InsertThread(ctx, t); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	s.logger.Debug("created thread", "thread_id", t.ID, "owner_id", ownerID, "schema", schemaBinding)
	return t, nil
}

// Get retrieves a thread without its turns.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Thread, error) {
	return s.querier.GetThread(ctx, id)
}

// CheckOut loads a thread together with its most recent historyLimit turns
// in ascending sequence order. The returned Version is the token a later
// Commit must present.
func (s *Store) CheckOut(ctx context.Context, id uuid.UUID, historyLimit int) (*Thread, error) {
	t, err := s.querier.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if historyLimit > 0 {
		turns, err := s.querier.RecentTurns(ctx, id, int32(historyLimit))
		if err != nil {
			return nil, fmt.Errorf("checking out thread %s: %w", id, err)
		}
		t.Turns = turns
	}
	return t, nil
}

// Snapshot loads a thread with its complete turn history in ascending
// sequence order.
func (s *Store) Snapshot(ctx context.Context, id uuid.UUID) (*Thread, error) {
	t, err := s.querier.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	turns, err := s.querier.AllTurns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s turns: %w", id, err)
	}
	t.Turns = turns
	return t, nil
}

// Commit appends turns to a thread and advances its version, all or
// nothing. expectedVersion must be the version returned by CheckOut;
// ErrVersionConflict means another commit won the race and the caller
// should check out again and retry.
//
// Returns the thread's new version.
func (s *Store) Commit(ctx context.Context, threadID uuid.UUID, expectedVersion int64, turns []*Turn) (int64, error) {
	for i, t := range turns {
		if !t.Role.Valid() {
			return 0, fmt.Errorf("turn %d: %w: %q", i, ErrInvalidRole, t.Role)
		}
	}
	if len(turns) == 0 {
		return expectedVersion, nil
	}

	if s.pool == nil {
		return s.commitWith(ctx, s.querier, threadID, expectedVersion, turns)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errorIsTxClosed(err) {
			s.logger.Debug("commit rollback", "thread_id", threadID, "error", err)
		}
	}()

	version, err := s.commitWith(ctx, s.querier.WithTx(tx), threadID, expectedVersion, turns)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing turns: %w", err)
	}

	s.logger.Debug("committed turns",
		"thread_id", threadID, "count", len(turns), "version", version)
	return version, nil
}

// commitWith runs the commit steps against the given querier. The version
// bump precedes the turn inserts so a conflicting writer fails before any
// turn rows land; the MaxSeq read before it is side-effect free.
func (s *Store) commitWith(ctx context.Context, q Querier, threadID uuid.UUID, expectedVersion int64, turns []*Turn) (int64, error) {
	maxSeq, err := q.MaxSeq(ctx, threadID)
	if err != nil {
		return 0, err
	}

	version, err := q.BumpVersion(ctx, threadID, expectedVersion, maxSeq+len(turns))
	if err != nil {
		return 0, err
	}

	for i, t := range turns {
		t.ThreadID = threadID
		t.Seq = maxSeq + i + 1
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if err := q.InsertTurn(ctx, t); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// List returns the owner's threads, most recently updated first.
func (s *Store) List(ctx context.Context, ownerID string, limit, offset int32) ([]*Thread, error) {
	return s.querier.ListThreads(ctx, ownerID, limit, offset)
}

// Delete removes a thread and all its turns.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.querier.DeleteThread(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("deleted thread", "thread_id", id)
	return nil
}

func errorIsTxClosed(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed)
}
