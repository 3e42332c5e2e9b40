package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/nploy/internal/history/sqlsink"
)

var dialect = sqlsink.Dialect{
	Driver:     "sqlite",
	TimeColumn: "TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)",
	Bind:       func(int) string { return "?" },
}

// Sink records history into a SQLite file.
type Sink struct {
	*sqlsink.Table
}

// New opens dsn, which is a path, ":memory:", or either behind a
// "sqlite://" prefix.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	t, err := sqlsink.Open(context.Background(), dialect, path, func(db *sql.DB) {
		// one connection keeps :memory: alive and serializes writers
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &Sink{Table: t}, nil
}
