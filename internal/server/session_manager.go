package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
)

// SessionTracker keeps the set of live MCP sessions. It is fed by mcp-go
// session hooks and lets the HTTP layer reject messages for unknown sessions.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
}

// NewSessionTracker creates an empty tracker. metrics may be nil.
func NewSessionTracker(metrics *instrumentation.Metrics, logger *slog.Logger) *SessionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionTracker{
		sessions: make(map[string]time.Time),
		metrics:  metrics,
		logger:   logger,
	}
}

// Hooks returns mcp-go hooks that register and unregister sessions.
func (t *SessionTracker) Hooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		t.Add(ctx, session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		t.Remove(ctx, session.SessionID())
	})
	return hooks
}

// Add records a new session.
func (t *SessionTracker) Add(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	_, exists := t.sessions[sessionID]
	t.sessions[sessionID] = time.Now()
	t.mu.Unlock()

	if !exists {
		t.metrics.IncrementActiveSessions(ctx)
		t.logger.Debug("session registered", logging.SessionID(sessionID))
	}
}

// Remove forgets a session.
func (t *SessionTracker) Remove(ctx context.Context, sessionID string) {
	t.mu.Lock()
	_, exists := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if exists {
		t.metrics.DecrementActiveSessions(ctx)
		t.logger.Debug("session unregistered", logging.SessionID(sessionID))
	}
}

// Has reports whether sessionID is live.
func (t *SessionTracker) Has(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[sessionID]
	return ok
}

// Len returns the number of live sessions.
func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns the live session ids, sorted.
func (t *SessionTracker) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
