// ABOUTME: Physical store adapter wrapping a single SQLite database file
// ABOUTME: Handles connect/disconnect, pragma tuning, queries, and transactions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// busyTimeoutMS bounds how long a statement waits on a file lock before
// failing. WAL mode plus this timeout is what lets concurrent readers and
// writers coexist on one file.
const busyTimeoutMS = 5000

// ExecResult reports the outcome of a mutating statement.
type ExecResult struct {
	Changes      int64
	LastInsertID int64
}

// Row is a single result row keyed by column name.
type Row map[string]any

// Adapter wraps one SQLite database file. The zero value is unconnected;
// every method except Connect returns ErrNotConnected until Connect succeeds.
type Adapter struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// NewAdapter creates an unconnected adapter for the given file path.
func NewAdapter(path string) *Adapter {
	return &Adapter{
		path:   path,
		logger: slog.Default().With("component", "store", "path", path),
	}
}

// Path returns the database file path this adapter was created for.
func (a *Adapter) Path() string {
	return a.path
}

// Connected reports whether Connect has succeeded and Disconnect has not run.
func (a *Adapter) Connected() bool {
	return a.db != nil
}

// Connect opens or creates the database file, creating parent directories as
// needed, and applies the WAL/busy-timeout/foreign-key pragmas. Calling
// Connect on an already-connected adapter is a no-op.
func (a *Adapter) Connect() error {
	if a.db != nil {
		return nil
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating database directory: %v", ErrStoreUnavailable, err)
	}

	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("%w: opening database: %v", ErrStoreUnavailable, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("%w: applying %q: %v", ErrStoreUnavailable, pragma, err)
		}
	}

	a.db = db
	a.logger.Debug("store connected")
	return nil
}

// Disconnect closes the underlying database. Safe to call when unconnected.
func (a *Adapter) Disconnect() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	a.logger.Debug("store disconnected")
	return err
}

// Execute runs a mutating statement and reports affected rows and the last
// insert rowid.
func (a *Adapter) Execute(ctx context.Context, query string, args ...any) (ExecResult, error) {
	if a.db == nil {
		return ExecResult{}, ErrNotConnected
	}

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("executing statement: %w", err)
	}

	changes, err := res.RowsAffected()
	if err != nil {
		return ExecResult{}, fmt.Errorf("getting rows affected: %w", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return ExecResult{}, fmt.Errorf("getting last insert id: %w", err)
	}

	return ExecResult{Changes: changes, LastInsertID: lastID}, nil
}

// Query runs a statement and returns every result row as a column-keyed map.
func (a *Adapter) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			// modernc returns TEXT as string already; normalize byte
			// slices so callers can compare values directly.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// QueryOne runs a statement expected to match at most one row. Returns
// ErrNotFound when nothing matches.
func (a *Adapter) QueryOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := a.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// QueryRow exposes the raw single-row scan path for typed accessors.
func (a *Adapter) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if a.db == nil {
		return nil
	}
	return a.db.QueryRowContext(ctx, query, args...)
}

// Begin starts an explicit transaction. Multi-statement sequences that need
// all-or-nothing semantics must run inside one; individual statements are
// otherwise the unit of atomicity.
func (a *Adapter) Begin(ctx context.Context) (*sql.Tx, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (a *Adapter) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for packages that need sql.DB directly
// (bootstrap DDL, typed control-plane accessors). Nil before Connect.
func (a *Adapter) DB() *sql.DB {
	return a.db
}
