package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// shutdownTimeout bounds draining after a signal.
const shutdownTimeout = 30 * time.Second

// inflight counts requests that may be running a poll cycle. Once draining
// starts no new ones are admitted.
type inflight struct {
	mu       sync.Mutex
	draining bool
	active   int
	idle     chan struct{} // closed once draining with nothing active
}

func newInflight() *inflight {
	return &inflight{idle: make(chan struct{})}
}

func (f *inflight) begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining {
		return false
	}
	f.active++
	return true
}

func (f *inflight) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.draining && f.active == 0 {
		close(f.idle)
	}
}

// drain refuses new work and waits until the active work has returned.
func (f *inflight) drain(ctx context.Context) error {
	f.mu.Lock()
	if !f.draining {
		f.draining = true
		if f.active == 0 {
			close(f.idle)
		}
	}
	f.mu.Unlock()

	select {
	case <-f.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tracked wraps handlers that run cycles so shutdown can wait for them.
func (s *Server) tracked(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.work.begin() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.work.end()
		h(w, r)
	}
}

// Shutdown waits for running /poll and /command requests, then stops the
// HTTP server. It is a no-op before the server has started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	if err := s.work.drain(ctx); err != nil {
		return err
	}
	return srv.Shutdown(ctx)
}

// Addr returns the listening address, or "" before the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// runShutdownHooks stops background work registered with OnShutdown.
func (s *Server) runShutdownHooks() {
	s.shutdownOnce.Do(func() {
		for _, fn := range s.onShutdown {
			fn()
		}
	})
}

// ListenAndServeWithShutdown serves until SIGINT, SIGTERM or Shutdown.
// In-flight cycles started over HTTP finish before the shutdown hooks run,
// and the hooks have run when it returns.
func (s *Server) ListenAndServeWithShutdown() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	// Listen first so port 0 resolves before Addr is read
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer s.runShutdownHooks()

	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.srv = srv
	s.listener = listener
	s.mu.Unlock()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	served := make(chan error, 1)
	go func() {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	s.log.Infow("server started", "addr", listener.Addr().String())
	close(s.ready)

	select {
	case sig := <-signals:
		s.log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-served:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.work.drain(ctx); err != nil {
		s.log.Warnw("cycles still running at shutdown", "error", err)
	}
	s.runShutdownHooks()

	if err := srv.Shutdown(ctx); err != nil {
		s.log.Errorw("shutdown failed", "error", err)
		return err
	}
	s.log.Info("server shutdown complete")

	return <-served
}
