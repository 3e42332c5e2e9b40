package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// second call is a no-op
	require.NoError(t, Register(reg))

	IncStart("a")
	IncStart("a")
	IncRestart("a")
	IncStop("a")
	IncFault("a")
	ObserveStartDuration("a", 1.25)
	RecordStateTransition("a", "stopped", "starting")
	SetCurrentState("a", "starting", true)
	SetClaimedPorts(3)
	IncIdleKill("example")
	IncProxyRequest("forwarded")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"nploy_spinner_starts_total":            false,
		"nploy_spinner_restarts_total":          false,
		"nploy_spinner_stops_total":             false,
		"nploy_spinner_faults_total":            false,
		"nploy_spinner_start_duration_seconds":  false,
		"nploy_spinner_state_transitions_total": false,
		"nploy_spinner_current_state":           false,
		"nploy_ports_claimed":                   false,
		"nploy_router_idle_kills_total":         false,
		"nploy_proxy_requests_total":            false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "missing metric %s", n)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(spinnerStarts.WithLabelValues("a")))
	assert.Equal(t, 3.0, testutil.ToFloat64(claimedPorts))
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncStart("x")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), `nploy_spinner_starts_total{name="x"}`))
}

func TestChildSampler_CollectsSelf(t *testing.T) {
	s := NewChildSampler(ChildSamplerConfig{Enabled: true}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	s.Collect(map[string]int32{"self": int32(os.Getpid()), "bogus": -1})
	m, ok := s.Latest("self")
	require.True(t, ok)
	assert.Greater(t, m.MemoryRSS, uint64(0))
	_, ok = s.Latest("bogus")
	assert.False(t, ok)

	// a child that disappears loses its series
	s.Collect(map[string]int32{})
	_, ok = s.Latest("self")
	assert.False(t, ok)
	assert.Equal(t, 0, testutil.CollectAndCount(s.rss))
}

func TestChildSampler_DisabledIsInert(t *testing.T) {
	s := NewChildSampler(ChildSamplerConfig{}, nil)
	require.NoError(t, s.RegisterMetrics(prometheus.NewRegistry()))
	s.Start(t.Context(), func() map[string]int32 { return nil })
	s.Stop()
}
