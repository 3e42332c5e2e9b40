// Package proxy is the HTTP front end: the Host header selects a route, and
// the request is forwarded to the child serving it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/loykin/nploy/internal/metrics"
	"github.com/loykin/nploy/internal/router"
)

const notFoundBody = "<h1>Not Found</h1><p>The URL you requested could not be found</p>"

// Resolver is the part of the router the proxy needs.
type Resolver interface {
	GetRoute(ctx context.Context, key string) (router.Endpoint, error)
}

type ctxKey struct{}

// Handler forwards requests to routed children.
type Handler struct {
	routes Resolver
	log    *slog.Logger
	rp     *httputil.ReverseProxy
}

// New returns the front-end handler. A nil logger uses slog.Default.
func New(routes Resolver, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	h := &Handler{routes: routes, log: l.With("component", "proxy")}
	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			ep := pr.In.Context().Value(ctxKey{}).(router.Endpoint)
			pr.SetURL(&url.URL{Scheme: "http", Host: net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))})
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			if ip := pr.In.Header.Get("ip"); ip != "" {
				pr.Out.Header.Set("ip", ip)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.IncProxyRequest("backend_error")
			h.log.Warn("upstream failed", "host", r.Host, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h
}

// RoutingKey is the lower-cased Host without its port.
func RoutingKey(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := RoutingKey(r.Host)
	if key == "" {
		metrics.IncProxyRequest("not_found")
		notFound(w)
		return
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		r.Header.Set("ip", ip)
	}

	ep, err := h.routes.GetRoute(r.Context(), key)
	switch {
	case errors.Is(err, router.ErrNotFound):
		metrics.IncProxyRequest("not_found")
		notFound(w)
		return
	case err != nil:
		metrics.IncProxyRequest("start_error")
		h.log.Warn("route unavailable", "route", key, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	case ep.Redirect != "":
		metrics.IncProxyRequest("redirect")
		redirect(w, ep.Redirect)
		return
	}

	metrics.IncProxyRequest("forwarded")
	h.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ep)))
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusNotFound)
	_, _ = fmt.Fprint(w, notFoundBody)
}

func redirect(w http.ResponseWriter, target string) {
	loc := "http://" + target
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusMovedPermanently)
	_, _ = fmt.Fprintf(w, `Moved <a href="%s">here</a>`, loc)
}
