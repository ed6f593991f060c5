// Package health exposes the operational HTTP endpoint: liveness, readiness,
// and Prometheus metrics.
package health

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/ssmdio/ssmd/pkg/logging"
)

// ReadyFunc reports whether the daemon is fully operational (connected and
// subscribed for the connector, consuming for the archiver).
type ReadyFunc func() bool

// Server serves /health, /ready, and /metrics over fasthttp.
type Server struct {
	addr     string
	ready    ReadyFunc
	registry *prometheus.Registry
	logger   logging.Logger

	srv *fasthttp.Server
}

// NewServer builds a server. ready may be nil, in which case /ready always
// succeeds.
func NewServer(addr string, ready ReadyFunc, registry *prometheus.Registry, logger logging.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = logging.New(false)
	}
	s := &Server{addr: addr, ready: ready, registry: registry, logger: logger}
	s.srv = &fasthttp.Server{
		Handler:               s.handle,
		Name:                  "ssmd",
		NoDefaultServerHeader: false,
	}
	return s, nil
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok\n")
	case "/ready":
		if s.ready != nil && !s.ready() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString("not ready\n")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ready\n")
	case "/metrics":
		h := fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		h(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("health endpoint listening on %s", s.addr)
	return s.srv.ListenAndServe(s.addr)
}

// Serve serves on an existing listener. Lets tests bind to port 0.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("health endpoint listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
