package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records calls and answers like the admin API.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string
	body  map[string]json.RawMessage
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/list", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, map[string]any{"a": map[string]any{"name": "a", "status": "started", "port": 7001}})
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.body = body
		f.mu.Unlock()
		reply(w, http.StatusOK, map[string]any{"name": "a", "port": 7001})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/stopall", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("name") != "a" {
			reply(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		reply(w, http.StatusOK, map[string]any{"name": "a", "status": "started", "port": 7001})
	})
	mux.HandleFunc("GET /api/routes", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, []map[string]any{{"key": "blog", "script": "/srv/blog.js"}})
	})
	mux.HandleFunc("PUT /api/routes", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.body = body
		f.mu.Unlock()
		reply(w, http.StatusOK, []map[string]any{{"key": "blog", "script": "/srv/blog.js"}})
	})
	mux.HandleFunc("DELETE /api/routes", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/routes/kill", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("key") != "blog" {
			reply(w, http.StatusNotFound, map[string]string{"error": "route not found"})
			return
		}
		reply(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/ports", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		reply(w, http.StatusOK, map[string]string{"7001": "a"})
	})
	return mux
}

func (f *fakeAPI) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func newTestCommand(t *testing.T) (*command, *fakeAPI, *bytes.Buffer) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	return &command{api: &APIFlags{URL: srv.URL + "/api", Timeout: 5 * time.Second}, out: out}, api, out
}

func TestCommand_StartPrintsPort(t *testing.T) {
	c, api, out := newTestCommand(t)
	err := c.Start(context.Background(), StartFlags{Name: "a", Script: "/srv/a.js", Watch: "script"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"port": 7001`)
	assert.JSONEq(t, `"/srv/a.js"`, string(api.body["script"]))
	assert.JSONEq(t, `"script"`, string(api.body["watch"]))

	require.Error(t, c.Start(context.Background(), StartFlags{}))
}

func TestCommand_StopOneOrAll(t *testing.T) {
	c, api, _ := newTestCommand(t)
	require.NoError(t, c.Stop(context.Background(), "a"))
	assert.True(t, api.has("POST /api/stop?name=a"))
	require.NoError(t, c.Stop(context.Background(), ""))
	assert.True(t, api.has("POST /api/stopall?"))
}

func TestCommand_Status(t *testing.T) {
	c, _, out := newTestCommand(t)
	require.NoError(t, c.Status(context.Background(), "a"))
	assert.Contains(t, out.String(), `"status": "started"`)

	out.Reset()
	require.NoError(t, c.Status(context.Background(), ""))
	assert.Contains(t, out.String(), `"a"`)

	require.Error(t, c.Status(context.Background(), "missing"))
}

func TestCommand_Routes(t *testing.T) {
	c, api, out := newTestCommand(t)
	require.NoError(t, c.Routes(context.Background()))
	assert.Contains(t, out.String(), `"key": "blog"`)

	require.NoError(t, c.AddRoute(context.Background(), RouteAddFlags{Key: "blog", Script: "/srv/blog.js", Replace: true}))
	assert.True(t, api.has("PUT /api/routes?replace=true"))
	assert.Contains(t, api.body, "blog")
	require.Error(t, c.AddRoute(context.Background(), RouteAddFlags{Key: "blog"}))

	require.NoError(t, c.ClearRoutes(context.Background()))
	assert.True(t, api.has("DELETE /api/routes?"))
}

func TestCommand_Kill(t *testing.T) {
	c, _, _ := newTestCommand(t)
	require.NoError(t, c.Kill(context.Background(), "blog"))
	err := c.Kill(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no route "nope"`)
}

func TestCommand_Ports(t *testing.T) {
	c, _, out := newTestCommand(t)
	require.NoError(t, c.Ports(context.Background()))
	assert.Contains(t, out.String(), `"7001": "a"`)
}

func TestCommand_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := &command{api: &APIFlags{URL: url + "/api", Timeout: time.Second}, out: &bytes.Buffer{}}
	require.ErrorIs(t, c.Ports(context.Background()), errUnreachable)
}

func TestCommand_HashPassword(t *testing.T) {
	out := &bytes.Buffer{}
	c := &command{api: &APIFlags{}, out: out}
	require.NoError(t, c.HashPassword("pw"))
	assert.True(t, strings.HasPrefix(out.String(), "$2a$"))
	require.Error(t, c.HashPassword(""))
}

func TestCommand_LoginNeedsUser(t *testing.T) {
	c := &command{api: &APIFlags{}, out: &bytes.Buffer{}}
	require.Error(t, c.Login(context.Background()))
}
