package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgx query behavior the SQL tools need. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryResult is a bounded, stringified result set. Truncated is set when
// the query produced more rows than the runner's cap.
type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// Column describes one column of a table.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// SQLRunner executes read-only SQL against the tenant database. It assumes
// statements have already passed the policy guard; the runner's own
// protections are the row cap and the per-query timeout.
type SQLRunner struct {
	db      DB
	maxRows int
	timeout time.Duration
	logger  *slog.Logger
}

// NewSQLRunner creates a runner. maxRows and timeout must be positive.
func NewSQLRunner(db DB, maxRows int, timeout time.Duration, logger *slog.Logger) (*SQLRunner, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if maxRows <= 0 {
		return nil, fmt.Errorf("maxRows must be positive, got %d", maxRows)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRunner{db: db, maxRows: maxRows, timeout: timeout, logger: logger}, nil
}

// Execute runs one validated statement and returns up to maxRows rows with
// every value rendered as text. Reading stops at maxRows+1 so truncation is
// detected without draining large result sets.
func (r *SQLRunner) Execute(ctx context.Context, statement string) (*QueryResult, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, ErrEmptyQuery
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	rows, err := r.db.Query(queryCtx, statement)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	result := &QueryResult{}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, string(fd.Name))
	}

	for rows.Next() {
		if len(result.Rows) == r.maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(result.Rows), err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading query results: %w", err)
	}

	r.logger.Debug("executed query",
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"elapsed", time.Since(started))
	return result, nil
}

const listTablesSQL = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

// ListTables returns the base tables of a schema.
func (r *SQLRunner) ListTables(ctx context.Context, schema string) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(queryCtx, listTablesSQL, schema)
	if err != nil {
		return nil, fmt.Errorf("listing tables in %q: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading table names: %w", err)
	}
	return tables, nil
}

const tableColumnsSQL = `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// TableColumns returns the columns of one table in declaration order.
func (r *SQLRunner) TableColumns(ctx context.Context, schema, table string) ([]Column, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(queryCtx, tableColumnsSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("describing %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}
	return cols, nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
