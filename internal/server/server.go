// Package server implements the TCP acceptor (spec §4.8): binds the
// configured port, accepts connections under an accept-rate limiter, runs
// each on its own goroutine, optionally exposes /metrics, and drains
// cleanly on SIGINT/SIGQUIT/SIGTERM.
//
// Grounded on bootstrap/main.go's errgroup.Group-supervised component set
// (listener + metrics server + background loops, torn down together on
// first error or on signal); the rate.Limiter-gated accept loop is the same
// pattern applied to TCP Accept instead of an inbound API gate.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qbroker/qbroker/internal/config"
	"github.com/qbroker/qbroker/internal/conn"
	"github.com/qbroker/qbroker/internal/observability"
	"github.com/qbroker/qbroker/internal/ratelimit"
	"github.com/qbroker/qbroker/internal/registry"
)

// Server owns the listener, the optional metrics HTTP server, and the set
// of in-flight connections.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	metrics *observability.Metrics
	log     *observability.Logger
	stats   *conn.ProcessStats
	limiter *ratelimit.Limiter

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server bound to no socket yet; call Run to bind and serve.
func New(cfg *config.Config, reg *registry.Registry, metrics *observability.Metrics, log *observability.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		metrics: metrics,
		log:     log,
		stats:   conn.NewProcessStats(),
		limiter: ratelimit.New(cfg.AcceptRatePerSecond, cfg.AcceptBurst),
	}
}

// Run binds the listener (and metrics server, if configured) and serves
// until ctx is cancelled, then drains in-flight connections before
// returning.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("listening on " + addr)

	g, gctx := errgroup.WithContext(ctx)

	// Workers are plain goroutines reading off one shared Accept loop
	// (spec §4.8): each worker blocks in Accept independently, and every
	// accepted connection gets its own goroutine so worker count bounds
	// acceptor parallelism, never the number of live connections.
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.acceptLoop(gctx)
		})
	}

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			s.log.Info("metrics listening on " + s.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		_ = s.ln.Close()
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return nil
	})

	err = g.Wait()
	s.wg.Wait() // drain in-flight connections before reporting done
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acceptLoop accepts connections until ctx is cancelled or the listener is
// closed, dispatching each to its own goroutine. Multiple workers run this
// concurrently against the same listener; net.Listener.Accept is safe for
// concurrent callers.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.metrics.SetQueueCount(len(s.reg.All()))
			c := conn.New(nc, s.reg, s.cfg, s.metrics, s.log, s.stats)
			c.Serve()
		}()
	}
}
