// Package shutdown coordinates the teardown of the risk service: HTTP
// listeners drain first, then cleanup hooks run newest-first, all under one
// deadline.
package shutdown

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type managedServer struct {
	name   string
	server *http.Server
}

// ShutdownManager owns the teardown sequence. Register servers and hooks
// during startup; call WaitForShutdown (or Shutdown) to run the sequence.
type ShutdownManager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	hooks   []hook
	servers []managedServer

	once sync.Once
}

// NewShutdownManager creates a manager whose whole teardown, server drain
// included, must finish within timeout.
func NewShutdownManager(logger *zap.Logger, timeout time.Duration) *ShutdownManager {
	return &ShutdownManager{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
	}
}

// RegisterHook adds a named cleanup step. Hooks run in reverse registration
// order so dependencies built up during startup unwind cleanly.
func (sm *ShutdownManager) RegisterHook(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	sm.hooks = append(sm.hooks, hook{name: name, fn: fn})
	sm.mu.Unlock()
	sm.logger.Info("Registered shutdown hook", zap.String("hook", name))
}

// RegisterServer adds an HTTP server to drain before any hook runs.
func (sm *ShutdownManager) RegisterServer(name string, server *http.Server) {
	sm.mu.Lock()
	sm.servers = append(sm.servers, managedServer{name: name, server: server})
	sm.mu.Unlock()
	sm.logger.Info("Registered server for shutdown", zap.String("server", name))
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then tears down.
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	sm.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	sm.Shutdown()
}

// Shutdown drains the registered servers, then runs cleanup hooks
// newest-first. Safe to call more than once; later calls wait for the
// first to finish.
func (sm *ShutdownManager) Shutdown() {
	sm.once.Do(sm.teardown)
}

func (sm *ShutdownManager) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	servers := append([]managedServer(nil), sm.servers...)
	hooks := append([]hook(nil), sm.hooks...)
	sm.mu.Unlock()

	sm.drainServers(ctx, servers)
	sm.runHooks(ctx, hooks)
	sm.logger.Info("Graceful shutdown complete")
}

// drainServers stops the listeners concurrently and waits for in-flight
// requests, giving up at the deadline.
func (sm *ShutdownManager) drainServers(ctx context.Context, servers []managedServer) {
	if len(servers) == 0 {
		return
	}
	sm.logger.Info("Draining HTTP servers", zap.Int("count", len(servers)))

	var wg sync.WaitGroup
	for _, ms := range servers {
		wg.Add(1)
		go func(ms managedServer) {
			defer wg.Done()
			if err := ms.server.Shutdown(ctx); err != nil {
				sm.logger.Error("Server drain failed",
					zap.String("server", ms.name), zap.Error(err))
				return
			}
			sm.logger.Info("Server drained", zap.String("server", ms.name))
		}(ms)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		sm.logger.Warn("Server drain hit the deadline; dropping remaining connections")
	}
}

// runHooks unwinds cleanup hooks newest-first. A failing hook is logged and
// the rest still run; once the deadline passes the remainder is skipped.
func (sm *ShutdownManager) runHooks(ctx context.Context, hooks []hook) {
	if len(hooks) == 0 {
		return
	}
	sm.logger.Info("Running cleanup hooks", zap.Int("count", len(hooks)))

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			sm.logger.Warn("Deadline reached before all hooks ran",
				zap.String("next_hook", h.name),
				zap.Int("remaining", i+1),
			)
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed",
				zap.String("hook", h.name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			continue
		}
		sm.logger.Info("Shutdown hook completed",
			zap.String("hook", h.name),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
