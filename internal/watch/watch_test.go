package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_AtomicReplaceFiresOnce(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	var hits atomic.Int32
	w, err := New(context.Background(), target, func() { hits.Add(1) }, Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, renameio.WriteFile(target, []byte("v2"), 0o644))

	assert.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	// the burst of create/rename events collapses into one call
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	var hits atomic.Int32
	w, err := New(context.Background(), target, func() { hits.Add(1) }, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.js"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())

	require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))
	assert.Eventually(t, func() bool { return hits.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_CloseStopsNotifications(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	var hits atomic.Int32
	w, err := New(context.Background(), target, func() { hits.Add(1) }, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, target, w.Path())

	done := make(chan error, 1)
	go func() { done <- w.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close took too long")
	}
	assert.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), "", func() {}, Options{})
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = New(context.Background(), filepath.Join(t.TempDir(), "missing-dir", "f"), func() {}, Options{})
	assert.Error(t, err)
}
