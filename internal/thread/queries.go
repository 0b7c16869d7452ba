package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgx connection behavior the querier needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGQuerier executes thread queries against Postgres.
type PGQuerier struct {
	db DBTX
}

// NewQuerier creates a PGQuerier over a pool or transaction.
func NewQuerier(db DBTX) *PGQuerier {
	return &PGQuerier{db: db}
}

// WithTx returns a querier bound to the given transaction.
func (q *PGQuerier) WithTx(tx pgx.Tx) Querier {
	return &PGQuerier{db: tx}
}

// turnContent is the JSONB payload persisted per turn.
type turnContent struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

const insertThreadSQL = `
INSERT INTO threads (id, owner_id, schema_binding, context, version, turn_count)
VALUES ($1, $2, $3, $4, 1, 0)
RETURNING created_at, updated_at`

func (q *PGQuerier) InsertThread(ctx context.Context, t *Thread) error {
	contextJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshaling thread context: %w", err)
	}

	var created, updated pgtype.Timestamptz
	err = q.db.QueryRow(ctx, insertThreadSQL,
		uuidToPg(t.ID), t.OwnerID, t.SchemaBinding, contextJSON,
	).Scan(&created, &updated)
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	t.Version = 1
	t.TurnCount = 0
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return nil
}

const getThreadSQL = `
SELECT id, owner_id, schema_binding, context, version, turn_count, created_at, updated_at
FROM threads
WHERE id = $1`

func (q *PGQuerier) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := q.db.QueryRow(ctx, getThreadSQL, uuidToPg(id))
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return t, nil
}

const listThreadsSQL = `
SELECT id, owner_id, schema_binding, context, version, turn_count, created_at, updated_at
FROM threads
WHERE owner_id = $1
ORDER BY updated_at DESC
LIMIT $2 OFFSET $3`

func (q *PGQuerier) ListThreads(ctx context.Context, ownerID string, limit, offset int32) ([]*Thread, error) {
	rows, err := q.db.Query(ctx, listThreadsSQL, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading thread rows: %w", err)
	}
	return out, nil
}

// bumpVersionSQL is the optimistic concurrency gate. Matching zero rows
// means the thread either disappeared or was committed to by someone else
// since checkout; both cases abort the commit.
const bumpVersionSQL = `
UPDATE threads
SET version = version + 1, turn_count = $3, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version`

func (q *PGQuerier) BumpVersion(ctx context.Context, id uuid.UUID, expected int64, turnCount int) (int64, error) {
	var version int64
	err := q.db.QueryRow(ctx, bumpVersionSQL, uuidToPg(id), expected, turnCount).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("bumping thread version: %w", err)
	}
	return version, nil
}

const insertTurnSQL = `
INSERT INTO turns (id, thread_id, role, content, sequence_number)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`

func (q *PGQuerier) InsertTurn(ctx context.Context, t *Turn) error {
	contentJSON, err := json.Marshal(turnContent{Text: t.Text, Meta: t.Meta})
	if err != nil {
		return fmt.Errorf("marshaling turn content: %w", err)
	}

	var created pgtype.Timestamptz
	err = q.db.QueryRow(ctx, insertTurnSQL,
		uuidToPg(t.ID), uuidToPg(t.ThreadID), string(t.Role), contentJSON, int32(t.Seq),
	).Scan(&created)
	if err != nil {
		return fmt.Errorf("inserting turn %d: %w", t.Seq, err)
	}
	t.CreatedAt = created.Time
	return nil
}

// recentTurnsSQL fetches the newest turns; the store reverses them into
// ascending order.
const recentTurnsSQL = `
SELECT id, thread_id, role, content, sequence_number, created_at
FROM turns
WHERE thread_id = $1
ORDER BY sequence_number DESC
LIMIT $2`

func (q *PGQuerier) RecentTurns(ctx context.Context, threadID uuid.UUID, limit int32) ([]Turn, error) {
	rows, err := q.db.Query(ctx, recentTurnsSQL, uuidToPg(threadID), limit)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turn rows: %w", err)
	}

	// Newest-first from the query, oldest-first for callers.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

const allTurnsSQL = `
SELECT id, thread_id, role, content, sequence_number, created_at
FROM turns
WHERE thread_id = $1
ORDER BY sequence_number ASC`

func (q *PGQuerier) AllTurns(ctx context.Context, threadID uuid.UUID) ([]Turn, error) {
	rows, err := q.db.Query(ctx, allTurnsSQL, uuidToPg(threadID))
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turn rows: %w", err)
	}
	return turns, nil
}

const maxSeqSQL = `
SELECT COALESCE(MAX(sequence_number), 0)
FROM turns
WHERE thread_id = $1`

func (q *PGQuerier) MaxSeq(ctx context.Context, threadID uuid.UUID) (int, error) {
	var max int32
	if err := q.db.QueryRow(ctx, maxSeqSQL, uuidToPg(threadID)).Scan(&max); err != nil {
		return 0, fmt.Errorf("getting max sequence number: %w", err)
	}
	return int(max), nil
}

const deleteThreadSQL = `DELETE FROM threads WHERE id = $1`

func (q *PGQuerier) DeleteThread(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, deleteThreadSQL, uuidToPg(id))
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanThread(row pgx.Row) (*Thread, error) {
	var (
		id               pgtype.UUID
		contextJSON      []byte
		turnCount        int32
		created, updated pgtype.Timestamptz
		t                Thread
	)
	err := row.Scan(&id, &t.OwnerID, &t.SchemaBinding, &contextJSON,
		&t.Version, &turnCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.ID = pgToUUID(id)
	t.TurnCount = int(turnCount)
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &t.Context); err != nil {
			return nil, fmt.Errorf("unmarshaling thread context: %w", err)
		}
	}
	return &t, nil
}

func scanTurn(row pgx.Row) (Turn, error) {
	var (
		id, threadID pgtype.UUID
		role         string
		contentJSON  []byte
		seq          int32
		created      pgtype.Timestamptz
		t            Turn
	)
	err := row.Scan(&id, &threadID, &role, &contentJSON, &seq, &created)
	if err != nil {
		return Turn{}, err
	}

	var content turnContent
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return Turn{}, fmt.Errorf("unmarshaling turn content: %w", err)
	}

	t.ID = pgToUUID(id)
	t.ThreadID = pgToUUID(threadID)
	t.Role = Role(role)
	t.Text = content.Text
	t.Meta = content.Meta
	t.Seq = int(seq)
	t.CreatedAt = created.Time
	return t, nil
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
