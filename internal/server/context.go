package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
)

// ServerContext holds the long-lived dependencies shared by every tool
// invocation: the scheduling service and its instrumentation.
type ServerContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	scheduler   *scheduling.Service
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	logger      *slog.Logger
	closers     []namedCloser
	mu          sync.RWMutex
	shutdown    bool
}

type namedCloser struct {
	name  string
	close func() error
}

// NewServerContext creates a new server context around scheduler.
func NewServerContext(ctx context.Context, scheduler *scheduling.Service, logger *slog.Logger) (*ServerContext, error) {
	if scheduler == nil {
		return nil, errors.New("scheduling service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:       shutdownCtx,
		cancel:    cancel,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Scheduler returns the scheduling service.
func (sc *ServerContext) Scheduler() *scheduling.Service {
	return sc.scheduler
}

// Logger returns the server logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Metrics returns the metrics recorder, or nil when instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetMetrics sets the metrics recorder.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// AuditLogger returns the audit logger, or nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// SetAuditLogger sets the audit logger.
func (sc *ServerContext) SetAuditLogger(al *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = al
}

// OnShutdown registers fn to run on Shutdown. Closers run in reverse
// registration order.
func (sc *ServerContext) OnShutdown(name string, fn func() error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closers = append(sc.closers, namedCloser{name: name, close: fn})
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context and runs the registered closers.
// It is safe to call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	closers := sc.closers
	sc.closers = nil
	sc.mu.Unlock()

	sc.cancel()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}
