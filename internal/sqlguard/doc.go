// Package sqlguard validates SQL statements before they reach the database.
//
// The guard enforces a read-only policy: only SELECT-like statements are
// allowed, data-modifying and DDL keywords are rejected wherever they appear,
// multi-statement input is refused, and qualified table references may only
// name the bound tenant schema plus the Postgres catalog schemas.
//
// Validation is purely lexical. The guard never connects to a database and
// never depends on server-side settings, so a statement that passes here can
// still fail at execution time for reasons the guard cannot see (missing
// tables, permissions). What it guarantees is that nothing mutating is sent.
package sqlguard
