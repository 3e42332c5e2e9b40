package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/nploy/internal/history"
)

// startClickHouse returns the native protocol address of a fresh server.
func startClickHouse(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	c, err := tcclickhouse.Run(ctx, "clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		testcontainers.WithWaitStrategy(wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("clickhouse container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestSink_RecordsFaults(t *testing.T) {
	addr := startClickHouse(t)
	ctx := context.Background()

	s, err := New(Options{Addr: addr, Table: "route_events"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.Close()) }()

	rec := history.Record{Name: "blog.example.com", RunID: "r-1", PID: 321, Port: 7004, State: "started"}
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: time.Now().UTC(), Record: rec}))
	rec.State, rec.Faults, rec.Error = "restarting", 1, "start timeout"
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventFaulted, OccurredAt: time.Now().UTC(), Record: rec}))

	n, err := s.Count(ctx, "blog.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = s.Count(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Options{Addr: "localhost:9000", Table: "bad; DROP"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")

	_, err = New(Options{Addr: "invalid-host.invalid:9000"})
	assert.Error(t, err)
}
