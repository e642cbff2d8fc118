package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	reg *Registry
	svc *AnnounceService
	cfg config
}

// NewServer creates and initializes a new server instance
func NewServer(cfg config) *Server {
	reg := NewRegistry(systemClock{})
	return &Server{
		cfg: cfg,
		reg: reg,
		svc: NewAnnounceService(reg, announceConfig{
			interval:       cfg.interval,
			minInterval:    cfg.minInterval,
			maxPeers:       cfg.maxPeers,
			issueTrackerID: cfg.issueTrackerID,
		}),
	}
}

// Run starts the server and blocks until context cancellation
func (s *Server) Run(ctx context.Context) error {
	info("Starting Sunflower Tracker: %s", version)
	if debugEnabled.Load() {
		debug("Debug mode is enabled")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.port, err)
	}

	handler := s.routes()
	var h3 *http3.Server
	if s.cfg.http3 {
		h3 = &http3.Server{Addr: ln.Addr().String(), Handler: handler}
		handler = altSvc(h3, handler)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.reg.pruneLoop(gctx, s.cfg.pruneInterval(), s.cfg.ttl())
		return nil
	})

	g.Go(func() error {
		var err error
		if s.cfg.tlsEnabled() {
			info("HTTPS Tracker listening on %s", ln.Addr())
			err = srv.ServeTLS(ln, s.cfg.tlsCert, s.cfg.tlsKey)
		} else {
			info("HTTP Tracker listening on %s", ln.Addr())
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if h3 != nil {
		g.Go(func() error {
			info("HTTP/3 Tracker listening on %s (QUIC)", h3.Addr)
			err := h3.ListenAndServeTLS(s.cfg.tlsCert, s.cfg.tlsKey)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				return fmt.Errorf("http3 server: %w", err)
			}
			return nil
		})
	}

	if s.cfg.mdns {
		zc, err := publishService(s.cfg.port)
		if err != nil {
			warn("mDNS advertisement not available: %v", err)
		} else {
			info("Advertising %s on the local network", mdnsService)
			defer zc.Shutdown()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if h3 != nil {
			if err := h3.Close(); err != nil {
				debug("Failed to close HTTP/3 server: %v", err)
			}
		}
		info("Waiting for in-flight requests to complete...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			warn("Forcing shutdown after timeout, some handlers incomplete")
			return fmt.Errorf("shutdown timeout: %w", err)
		}
		info("Shutdown complete")
		return nil
	})

	return g.Wait()
}

// altSvc advertises the HTTP/3 endpoint on every TCP response.
func altSvc(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h3.SetQUICHeaders(w.Header()); err != nil && debugEnabled.Load() {
			debug("failed to set Alt-Svc header: %v", err)
		}
		next.ServeHTTP(w, r)
	})
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
