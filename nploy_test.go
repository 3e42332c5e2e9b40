package nploy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("NPLOY_HELPER_PROCESS") != "1" {
		return
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(2)
	}
	_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello "+r.Host)
	}))
	os.Exit(0)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("// app"), 0o644))
	cmd := shellquote.Join(os.Args[0], "-test.run=TestHelperProcess", "--")
	toml := strings.Join([]string{
		`host = "127.0.0.1"`,
		`port = 0`,
		`command = ` + strconv.Quote(cmd),
		`env = ["NPLOY_HELPER_PROCESS=1"]`,
		`idle = "1m"`,
		``,
		`[range]`,
		`from = 17700`,
		`to = 17799`,
		``,
		`[spinner]`,
		`probe_interval = "50ms"`,
		`stop_timeout = "2s"`,
		``,
		`[server]`,
		`enabled = true`,
		`listen = "127.0.0.1:0"`,
		``,
		`[[routes]]`,
		`key = "app.local"`,
		`script = "app.js"`,
		``,
	}, "\n")
	path := filepath.Join(dir, "nploy.toml")
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o644))
	return path
}

func get(t *testing.T, addr, host string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	req.Host = host
	c := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestListen_ServesRoutesOnDemand(t *testing.T) {
	c, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	s, err := Listen(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	require.NotEmpty(t, s.Addr())
	require.NotEmpty(t, s.AdminAddr())

	code, body := get(t, s.Addr(), "app.local")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello app.local", body)

	code, _ = get(t, s.Addr(), "www.app.local")
	assert.Equal(t, http.StatusMovedPermanently, code)

	code, _ = get(t, s.Addr(), "missing.local")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get("http://" + s.AdminAddr() + "/api/status?name=app.local")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d struct {
		Status string `json:"status"`
		Port   int    `json:"port"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, "started", d.Status)
	assert.Positive(t, d.Port)
}

func TestClose_StopsChildren(t *testing.T) {
	c, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)
	c.Server.Enabled = false

	s, err := Listen(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, s.AdminAddr())

	code, _ := get(t, s.Addr(), "app.local")
	require.Equal(t, http.StatusOK, code)
	pid, err := s.Router.GetPID("app.local")
	require.NoError(t, err)
	require.Positive(t, pid)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	d, ok := s.Registry.Get("app.local")
	require.True(t, ok)
	assert.Equal(t, "stopped", d.Status)
	// idempotent
	require.NoError(t, s.Close(ctx))
}

func TestListen_RejectsBadRoutesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nploy.cfg"), []byte("onlykey\n"), 0o644))
	path := filepath.Join(dir, "nploy.toml")
	require.NoError(t, os.WriteFile(path, []byte("host = \"127.0.0.1\"\nport = 0\n"), 0o644))
	c, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = Listen(context.Background(), c)
	require.Error(t, err)
}
