// Package sqlsink stores history events in a spinner_history table through
// database/sql. The sqlite and postgres sinks differ only in their Dialect.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/nploy/internal/history"
)

// Dialect captures what varies between SQL backends.
type Dialect struct {
	Driver string
	// TimeColumn is the DDL for occurred_at.
	TimeColumn string
	// Bind renders the n-th (1-based) bind parameter.
	Bind func(n int) string
}

var columns = []string{"occurred_at", "event", "name", "run_id", "pid", "port", "state", "restarts", "faults", "error"}

// Table is an open database holding the history table.
type Table struct {
	db     *sql.DB
	d      Dialect
	insert string
	count  string
}

// Open connects with d.Driver and creates the table when missing. tune, if
// set, adjusts the pool before the first statement runs.
func Open(ctx context.Context, d Dialect, dsn string, tune func(*sql.DB)) (*Table, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if tune != nil {
		tune(db)
	}
	binds := make([]string, len(columns))
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	t := &Table{
		db: db,
		d:  d,
		insert: fmt.Sprintf("INSERT INTO spinner_history(%s) VALUES(%s)",
			strings.Join(columns, ", "), strings.Join(binds, ", ")),
		count: "SELECT COUNT(*) FROM spinner_history WHERE name = " + d.Bind(1),
	}
	if err := t.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s history schema: %w", d.Driver, err)
	}
	return t, nil
}

// Migrate creates the table and its name index. It is safe to repeat.
func (t *Table) Migrate(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS spinner_history(
		occurred_at ` + t.d.TimeColumn + `,
		event TEXT NOT NULL,
		name TEXT NOT NULL,
		run_id TEXT,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL,
		state TEXT NOT NULL,
		restarts INTEGER NOT NULL DEFAULT 0,
		faults INTEGER NOT NULL DEFAULT 0,
		error TEXT
	)`
	for _, q := range []string{ddl, `CREATE INDEX IF NOT EXISTS idx_spinner_history_name ON spinner_history(name)`} {
		if _, err := t.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Send implements history.Sink.
func (t *Table) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	_, err := t.db.ExecContext(ctx, t.insert,
		e.OccurredAt.UTC(), string(e.Type), r.Name, orNull(r.RunID), r.PID, r.Port,
		r.State, r.Restarts, r.Faults, orNull(r.Error))
	return err
}

// Count reports how many rows name has.
func (t *Table) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, t.count, name).Scan(&n)
	return n, err
}

func (t *Table) Close() error { return t.db.Close() }

func orNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
