package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nploy/internal/auth"
	"github.com/loykin/nploy/internal/metrics"
	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/registry"
	route "github.com/loykin/nploy/internal/router"
	"github.com/loykin/nploy/internal/spinner"
)

// DefaultStartTimeout bounds how long a /start request waits for readiness.
const DefaultStartTimeout = 2 * time.Minute

// Router provides embeddable HTTP handlers for the admin API.
// Endpoints (relative to basePath):
//
//	POST   /start            body: Spec JSON; returns {name, port}
//	POST   /stop             query: name=...
//	POST   /stopall
//	GET    /status           query: name=...
//	GET    /list
//	GET    /routes
//	PUT    /routes           body: {"key": Target}; query: replace=true clears first
//	DELETE /routes
//	POST   /routes/kill      query: key=...
//	GET    /ports
//	GET    /metrics          when metrics are enabled
//	POST   /login            basic credentials; returns a bearer token when auth is enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	routes   *route.Router
	basePath string
	metrics  http.Handler
	auth     *auth.Service
}

// Option customises a Router.
type Option func(*Router)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithAuth requires authentication on every endpoint but /login.
func WithAuth(s *auth.Service) Option { return func(r *Router) { r.auth = s } }

// NewRouter constructs a Router. routes may be nil when only the registry is exposed.
func NewRouter(reg *registry.Registry, routes *route.Router, basePath string, opts ...Option) *Router {
	r := &Router{reg: reg, routes: routes, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/login", r.auth.GinLogin())
	}
	group.Use(r.auth.GinAuth())
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/stopall", r.handleStopAll)
	group.GET("/status", r.handleStatus)
	group.GET("/list", r.handleList)
	group.GET("/ports", r.handlePorts)
	if r.routes != nil {
		group.GET("/routes", r.handleRoutes)
		group.PUT("/routes", r.handleSetRoutes)
		group.DELETE("/routes", r.handleClearRoutes)
		group.POST("/routes/kill", r.handleKill)
	}
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer wraps the API in an http.Server for the caller to Serve.
// WriteTimeout stays unset: /start blocks until the child is ready.
func NewServer(r *Router) *http.Server {
	return &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startResp struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, route.ErrNotFound),
		errors.Is(err, process.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrEmptyName), errors.Is(err, process.ErrEmptyCommand),
		errors.Is(err, process.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, spinner.ErrFaultLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, portalloc.ErrNoPortsAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, spinner.ErrStartTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleStart(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "spec.name required"})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid spec.name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	for field, p := range map[string]string{
		"work_dir":        spec.WorkDir,
		"watch":           spec.Watch,
		"log.file.dir":    spec.Log.File.Dir,
		"log.file.stdout": spec.Log.File.StdoutPath,
		"log.file.stderr": spec.Log.File.StderrPath,
	} {
		if !isSafeAbsPath(p) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
			return
		}
	}
	// an abandoned wait does not cancel the start attempt itself
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultStartTimeout)
	defer cancel()
	port, err := r.reg.Start(ctx, spec)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{Name: spec.Name, Port: port})
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.reg.Stop(c.Request.Context(), name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.reg.StopAll(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	d, ok := r.reg.Get(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: registry.ErrNotFound.Error() + ": " + name})
		return
	}
	writeJSON(c, http.StatusOK, d)
}

// handleList answers GET /list, optionally narrowed with ?state=<state>.
func (r *Router) handleList(c *gin.Context) {
	all := r.reg.List()
	want := c.Query("state")
	if want == "" {
		writeJSON(c, http.StatusOK, all)
		return
	}
	st, ok := spinner.ParseState(want)
	if !ok {
		names := make([]string, 0, len(spinner.AllStates()))
		for _, s := range spinner.AllStates() {
			names = append(names, s.String())
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("unknown state %q, want one of %s", want, strings.Join(names, ", "))})
		return
	}
	out := make(map[string]registry.Descriptor)
	for name, d := range all {
		if d.State == st.String() {
			out[name] = d
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handlePorts(c *gin.Context) {
	claimed := r.reg.Allocator().Claimed()
	out := make(map[string]string, len(claimed))
	for p, k := range claimed {
		out[strconv.Itoa(p)] = k
	}
	metrics.SetClaimedPorts(len(claimed))
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRoutes(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.routes.Routes())
}

func (r *Router) handleSetRoutes(c *gin.Context) {
	var m map[string]route.Target
	if err := c.ShouldBindJSON(&m); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	for k := range m {
		if !isSafeName(k) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid route key " + strconv.Quote(k)})
			return
		}
	}
	if c.Query("replace") == "true" {
		r.routes.ClearRoutes()
	}
	r.routes.SetRoutes(m)
	writeJSON(c, http.StatusOK, r.routes.Routes())
}

func (r *Router) handleClearRoutes(c *gin.Context) {
	r.routes.ClearRoutes()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKill(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	if err := r.routes.Kill(c.Request.Context(), key); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
