package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plan-systems/plan-keyagent/ctx"
)

const shutdownGrace = 2 * time.Second

// Server serves /metrics over HTTP.  It only ever binds a loopback address.
type Server struct {
	ctx.Context

	listener   net.Listener
	httpServer *http.Server
}

// NewServer binds inAddr (e.g. "127.0.0.1:9464"), refusing any non-loopback host.
func NewServer(inAddr string, log ctx.Logger) (*Server, error) {
	host, _, err := net.SplitHostPort(inAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad metrics address '%s'", inAddr)
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, errors.Errorf("metrics address '%s' is not loopback", inAddr)
		}
	}

	ln, err := net.Listen("tcp", inAddr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics server failed to bind")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &Server{
		listener: ln,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
	srv.Logger = log
	return srv, nil
}

// Addr returns the bound address.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Start serves until CtxStop is called (directly or by a parent Context).
func (srv *Server) Start() error {
	return srv.CtxStart(
		func() error {
			srv.CtxGo(func() {
				srv.Infof(0, "serving metrics on http://%v/metrics", srv.listener.Addr())
				if err := srv.httpServer.Serve(srv.listener); err != nil && err != http.ErrServerClosed {
					srv.Errorf("metrics server failed: %v", err)
				}
				go srv.CtxStop("metrics server stopped", nil)
			})
			return nil
		},
		func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			srv.httpServer.Shutdown(shutdownCtx)
		},
		nil,
	)
}
