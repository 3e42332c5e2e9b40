package sqlsink

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/loykin/nploy/internal/history"
)

var sqliteDialect = Dialect{
	Driver:     "sqlite",
	TimeColumn: "TIMESTAMP NOT NULL",
	Bind:       func(int) string { return "?" },
}

func TestOpen_BuildsStatements(t *testing.T) {
	pg := Dialect{Driver: "sqlite", TimeColumn: "TIMESTAMP NOT NULL", Bind: func(n int) string { return "$" + strconv.Itoa(n) }}
	tbl, err := Open(context.Background(), pg, "file::memory:", nil)
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()
	assert.Contains(t, tbl.insert, "VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)")
	assert.Contains(t, tbl.count, "name = $1")
}

func TestTable_SendCountAndNulls(t *testing.T) {
	ctx := context.Background()
	tbl, err := Open(ctx, sqliteDialect, ":memory:", nil)
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()

	require.NoError(t, tbl.Send(ctx, history.Event{
		Type:       history.EventIdled,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "docs.local", PID: 9, Port: 7100, State: "stopped"},
	}))
	n, err := tbl.Count(ctx, "docs.local")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var runID, errText any
	require.NoError(t, tbl.db.QueryRowContext(ctx, "SELECT run_id, error FROM spinner_history").Scan(&runID, &errText))
	assert.Nil(t, runID)
	assert.Nil(t, errText)

	require.NoError(t, tbl.Migrate(ctx))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Dialect{Driver: "nope", Bind: func(int) string { return "?" }}, "x", nil)
	assert.Error(t, err)
}
