package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
)

// HTTP transports.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Endpoint paths.
const (
	SSEEndpoint     = "/sse"
	MessageEndpoint = "/messages"
	MCPEndpoint     = "/mcp"
	MetricsEndpoint = "/metrics"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// ErrNoTransport is the body returned for messages posted to an unknown SSE session.
const ErrNoTransport = "No transport found for sessionId"

// ErrUnsupportedTransport is returned for a transport other than sse or streamable-http.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// HTTPServer serves one MCP transport plus health and metrics endpoints on
// a single port.
type HTTPServer struct {
	mcpServer      *mcpserver.MCPServer
	transport      string
	baseURL        string
	sessions       *SessionTracker
	health         *HealthChecker
	metrics        *instrumentation.Metrics
	metricsHandler http.Handler
	limiter        *RateLimiter
	logger         *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	sseServer  *mcpserver.SSEServer
	streamable *mcpserver.StreamableHTTPServer
	handler    http.Handler
	listener   net.Listener
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithBaseURL sets the public URL advertised to SSE clients in the endpoint event.
func WithBaseURL(baseURL string) HTTPOption {
	return func(s *HTTPServer) { s.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// WithSessionTracker sets the tracker used to reject messages for unknown
// SSE sessions. Its hooks must be installed on the MCP server.
func WithSessionTracker(t *SessionTracker) HTTPOption {
	return func(s *HTTPServer) { s.sessions = t }
}

// WithHealthChecker mounts /healthz, /readyz and /healthz/detailed.
func WithHealthChecker(h *HealthChecker) HTTPOption {
	return func(s *HTTPServer) { s.health = h }
}

// WithHTTPMetrics records request counts and latency.
func WithHTTPMetrics(m *instrumentation.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithRateLimiter limits MCP endpoint requests per client IP.
func WithRateLimiter(rl *RateLimiter) HTTPOption {
	return func(s *HTTPServer) { s.limiter = rl }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) { s.logger = logger }
}

// NewHTTPServer creates an HTTP server for the given transport.
func NewHTTPServer(mcpServer *mcpserver.MCPServer, transport string, opts ...HTTPOption) (*HTTPServer, error) {
	if mcpServer == nil {
		return nil, errors.New("mcp server is required")
	}
	if transport != TransportSSE && transport != TransportStreamableHTTP {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, transport)
	}

	s := &HTTPServer{
		mcpServer: mcpServer,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionTracker(s.metrics, s.logger)
	}

	s.httpServer = &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		// SSE streams stay open for the life of the session.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.handler = s.buildHandler()
	s.httpServer.Handler = s.handler
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Sessions returns the session tracker.
func (s *HTTPServer) Sessions() *SessionTracker {
	return s.sessions
}

func (s *HTTPServer) buildHandler() http.Handler {
	mux := http.NewServeMux()

	switch s.transport {
	case TransportSSE:
		sseOpts := []mcpserver.SSEOption{
			mcpserver.WithSSEEndpoint(SSEEndpoint),
			mcpserver.WithMessageEndpoint(MessageEndpoint),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithHTTPServer(s.httpServer),
		}
		if s.baseURL != "" {
			sseOpts = append(sseOpts, mcpserver.WithBaseURL(s.baseURL))
		}
		s.sseServer = mcpserver.NewSSEServer(s.mcpServer, sseOpts...)
		mux.Handle(SSEEndpoint, s.rateLimit(s.sseServer.SSEHandler()))
		mux.Handle(MessageEndpoint, s.rateLimit(s.sessionGuard(s.sseServer.MessageHandler())))

	case TransportStreamableHTTP:
		s.streamable = mcpserver.NewStreamableHTTPServer(s.mcpServer,
			mcpserver.WithEndpointPath(MCPEndpoint),
			mcpserver.WithStreamableHTTPServer(s.httpServer),
			mcpserver.WithLogger(logging.NewSlogAdapter(s.logger, slog.LevelInfo)),
		)
		mux.Handle(MCPEndpoint, s.rateLimit(s.streamable))
	}

	if s.health != nil {
		s.health.RegisterHealthEndpoints(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle(MetricsEndpoint, s.metricsHandler)
	}

	var h http.Handler = mux
	h = s.observe(h)
	h = withRequestID(h)
	return otelhttp.NewHandler(h, "mcp-http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != MetricsEndpoint && !strings.HasPrefix(r.URL.Path, "/healthz") && r.URL.Path != "/readyz"
		}),
	)
}

// sessionGuard rejects messages whose sessionId has no live SSE stream.
func (s *HTTPServer) sessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" || !s.sessions.Has(sessionID) {
			s.logger.Debug("message for unknown session",
				logging.SessionID(logging.AnonymizeID(sessionID)),
				slog.String("request_id", RequestIDFromContext(r.Context())))
			http.Error(w, ErrNoTransport, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

// observe records metrics and an access log line per request.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r.URL.Path), status, duration)
		s.logger.Debug("http request",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", sw.bytes),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

// routeLabel maps a path onto a bounded set of metric labels.
func routeLabel(path string) string {
	switch path {
	case SSEEndpoint, MessageEndpoint, MCPEndpoint, MetricsEndpoint, "/healthz", "/readyz", "/healthz/detailed":
		return path
	default:
		return "other"
	}
}

// Start listens on addr and serves until Shutdown.
func (s *HTTPServer) Start(addr string) error {
	return s.StartWithReadySignal(addr, nil)
}

// StartWithReadySignal is Start, closing ready once the listener is bound.
// It returns nil after a graceful Shutdown.
func (s *HTTPServer) StartWithReadySignal(addr string, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if ready != nil {
		close(ready)
	}

	s.logger.Info("http server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("transport", s.transport))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes open sessions and stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	switch {
	case s.sseServer != nil:
		return s.sseServer.Shutdown(ctx)
	case s.streamable != nil:
		return s.streamable.Shutdown(ctx)
	default:
		return s.httpServer.Shutdown(ctx)
	}
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestIDFromContext returns the request id set by the HTTP middleware.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status. It forwards Flush so SSE
// streaming keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
