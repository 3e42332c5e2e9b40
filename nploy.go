// Package nploy starts scripts on demand behind a hostname router.
//
// Embedders either call Listen with a loaded configuration, which wires the
// whole stack (port allocator, supervisors, router, proxy and optionally the
// admin API), or assemble a Registry and Router themselves.
package nploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/nploy/internal/auth"
	"github.com/loykin/nploy/internal/config"
	"github.com/loykin/nploy/internal/history"
	"github.com/loykin/nploy/internal/history/factory"
	"github.com/loykin/nploy/internal/metrics"
	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/proxy"
	"github.com/loykin/nploy/internal/registry"
	"github.com/loykin/nploy/internal/router"
	"github.com/loykin/nploy/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported types so embedders need not import internal packages.
type (
	Config       = config.Config
	Spec         = process.Spec
	Target       = router.Target
	RouteOptions = router.RouteOptions
	Endpoint     = router.Endpoint
	RouteInfo    = router.RouteInfo
	Descriptor   = registry.Descriptor
	PortRange    = portalloc.Range
)

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ScriptTarget is a route that runs script with the default command.
func ScriptTarget(script string) Target { return router.ScriptTarget(script) }

// Server is a running proxy with its supervisors.
type Server struct {
	Config   *Config
	Registry *registry.Registry
	Router   *router.Router

	log      *slog.Logger
	recorder *history.Recorder
	sampler  *metrics.ChildSampler
	proxy    *http.Server
	proxyLn  net.Listener
	admin    *http.Server
	adminLn  net.Listener

	closeOnce sync.Once
	closeErr  error
}

// Listen wires the stack described by c and starts serving. The returned
// Server owns every child it spawns; Close stops them.
func Listen(ctx context.Context, c *Config) (*Server, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	l := c.Log.NewSlogger()
	s := &Server{Config: c, log: l}

	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	targets, err := c.Targets()
	if err != nil {
		return nil, err
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(c.History)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if len(sinks) > 0 {
		s.recorder = history.NewRecorder(l.With("component", "history"), sinks...)
	}

	var alloc portalloc.Allocator
	if c.StaticPorts {
		alloc = portalloc.NewStatic(c.PortRange(), l)
	} else {
		alloc = portalloc.NewDynamic(c.PortRange(),
			portalloc.WithLogger(l),
			portalloc.WithObserver(metrics.SetClaimedPorts),
		)
	}

	regOpts := []registry.Option{registry.WithLogger(l)}
	if s.recorder != nil {
		regOpts = append(regOpts, registry.WithHistory(s.recorder))
	}
	s.Registry = registry.New(alloc, regOpts...)
	s.Registry.SetGlobalEnv(globalEnv)

	ropts := c.RouterOptions()
	ropts.Logger = l
	ropts.History = s.recorder
	s.Router = router.New(s.Registry, ropts)
	s.Router.SetRoutes(targets)

	if c.Metrics.Enabled && c.Metrics.ProcessMetrics {
		s.sampler = metrics.NewChildSampler(metrics.ChildSamplerConfig{
			Enabled:  true,
			Interval: c.Metrics.Interval,
		}, l)
		if err := s.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			l.Warn("child metrics not registered", "error", err)
		}
		s.sampler.Start(context.Background(), s.Registry.PIDs)
	}

	if err := s.serve(c); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	l.Info("nploy listening", "addr", s.Addr(), "mode", c.Mode, "routes", len(targets))
	return s, nil
}

func (s *Server) serve(c *Config) error {
	ln, err := net.Listen("tcp", c.Endpoint())
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Endpoint(), err)
	}
	s.proxyLn = ln
	s.proxy = newHTTPServer(proxy.New(s.Router, s.log))
	go s.run("proxy", s.proxy, ln)

	if !c.Server.Enabled {
		return nil
	}
	svc, err := auth.New(c.Server.Auth)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	opts := []server.Option{server.WithAuth(svc)}
	if c.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}
	api := server.NewRouter(s.Registry, s.Router, c.Server.BasePath, opts...)
	aln, err := net.Listen("tcp", c.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Server.Listen, err)
	}
	s.adminLn = aln
	s.admin = server.NewServer(api)
	go s.run("admin", s.admin, aln)
	return nil
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) run(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server stopped", "server", name, "error", err)
	}
}

// Addr is the bound proxy address.
func (s *Server) Addr() string {
	if s.proxyLn == nil {
		return ""
	}
	return s.proxyLn.Addr().String()
}

// AdminAddr is the bound admin API address, empty when disabled.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Close stops accepting requests, then stops every child and flushes history.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, srv := range []*http.Server{s.proxy, s.admin} {
			if srv != nil {
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if s.sampler != nil {
			s.sampler.Stop()
		}
		if s.Router != nil {
			errs = append(errs, s.Router.Close(ctx))
		}
		if s.Registry != nil {
			errs = append(errs, s.Registry.Close(ctx))
		}
		if s.recorder != nil {
			errs = append(errs, s.recorder.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
