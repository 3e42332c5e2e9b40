package registry

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/spinner"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("NPLOY_HELPER_PROCESS") != "1" {
		return
	}
	if dump := os.Getenv("NPLOY_ENV_DUMP"); dump != "" {
		_ = os.WriteFile(dump, []byte(os.Getenv("GREETING")), 0o644)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(2)
	}
	for {
		c, err := ln.Accept()
		if err != nil {
			os.Exit(0)
		}
		_ = c.Close()
	}
}

func listenSpec(name string) process.Spec {
	return process.Spec{
		Name:          name,
		Command:       os.Args[0],
		Args:          []string{"-test.run=TestHelperProcess"},
		Env:           []string{"NPLOY_HELPER_PROCESS=1"},
		ProbeInterval: 50 * time.Millisecond,
		StopTimeout:   2 * time.Second,
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(portalloc.NewDynamic(portalloc.Range{From: 17400, To: 17499}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func TestRegistry_StartIsSharedPerName(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ports := make([]int, 5)
	for i := range ports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Start(ctx, listenSpec("app"))
			assert.NoError(t, err)
			ports[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range ports {
		assert.Equal(t, ports[0], p)
	}
	assert.Equal(t, []string{"app"}, r.Names())

	d, ok := r.Get("app")
	require.True(t, ok)
	assert.Equal(t, "started", d.Status)
	assert.Equal(t, ports[0], d.Port)
	assert.NotZero(t, d.PID)
	assert.Contains(t, r.PIDs(), "app")
}

func TestRegistry_StopAndStopAll(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Start(ctx, listenSpec("a"))
	require.NoError(t, err)
	_, err = r.Start(ctx, listenSpec("b"))
	require.NoError(t, err)
	assert.Len(t, r.Allocator().Claimed(), 2)

	require.NoError(t, r.Stop(ctx, "a"))
	d, _ := r.Get("a")
	assert.Equal(t, "stopped", d.Status)

	require.NoError(t, r.StopAll(ctx))
	for name, d := range r.List() {
		assert.Equal(t, "stopped", d.State, name)
	}
	assert.Empty(t, r.Allocator().Claimed())
}

func TestRegistry_UnknownName(t *testing.T) {
	r := newRegistry(t)
	err := r.Stop(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_RejectsInvalidSpec(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Start(context.Background(), process.Spec{})
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = r.Start(context.Background(), process.Spec{Name: "x"})
	assert.ErrorIs(t, err, process.ErrEmptyCommand)
}

func TestRegistry_StoppedSpinnerTakesNewSpec(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.Start(ctx, listenSpec("svc"))
	require.NoError(t, err)
	require.NoError(t, r.Stop(ctx, "svc"))

	spec := listenSpec("svc")
	spec.StopTimeout = 3 * time.Second
	_, err = r.Start(ctx, spec)
	require.NoError(t, err)
	d, _ := r.Get("svc")
	assert.Equal(t, 3*time.Second, d.Spec.StopTimeout)
}

func TestRegistry_GlobalEnvReachesRestartedChildren(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	dump := filepath.Join(t.TempDir(), "greeting")
	spec := listenSpec("greeter")
	spec.Env = append(spec.Env, "NPLOY_ENV_DUMP="+dump)

	r.SetGlobalEnv([]string{"GREETING=hello"})
	_, err := r.Start(ctx, spec)
	require.NoError(t, err)
	readDump := func() string {
		b, _ := os.ReadFile(dump)
		return string(b)
	}
	assert.Equal(t, "hello", readDump())
	pids := r.PIDs()
	assert.Greater(t, pids["greeter"], int32(0))
	require.NoError(t, r.Stop(ctx, "greeter"))
	assert.NotContains(t, r.PIDs(), "greeter")

	r.SetGlobalEnv([]string{"GREETING=bye"})
	_, err = r.Start(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "bye", readDump())
}

func TestRegistry_ClosedRejectsStart(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Close(context.Background()))
	_, err := r.Start(context.Background(), listenSpec("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoarseStatus(t *testing.T) {
	assert.Equal(t, "starting", CoarseStatus(spinner.Starting))
	assert.Equal(t, "starting", CoarseStatus(spinner.Waiting))
	assert.Equal(t, "stopping", CoarseStatus(spinner.Stopping))
	assert.Equal(t, "restarting", CoarseStatus(spinner.Restarting))
	assert.Equal(t, "faulted", CoarseStatus(spinner.Faulted))
}
