package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teemow/fhir-scheduling-mcp/internal/config"
	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
	"github.com/teemow/fhir-scheduling-mcp/internal/prompts"
	"github.com/teemow/fhir-scheduling-mcp/internal/resources"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
	"github.com/teemow/fhir-scheduling-mcp/internal/tools/scheduling_tools"
)

// serverName is the MCP implementation name reported to clients.
const serverName = "fhir-scheduling-mcp"

const serverInstructions = `This MCP server exposes tools to support a Scheduling workflow with FHIR.

A scheduling workflow usually involves the following steps:
1. Find a practitioner to schedule an appointment with. You can retrieve all available schedules to find all practitioners.
2. Once you have a practitioner, you can retrieve all available slots for the Schedule of the practitioner.
3. Once you have a slot, you can book an appointment for the slot.`

func newServeCmd() *cobra.Command {
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server exposing FHIR scheduling tools
(schedules, free slots, booking and cancelling appointments) backed by a Medplum project.

Supports multiple transport types:
  - sse: GET /sse opens the event stream, POST /messages?sessionId=<id> sends messages (default)
  - streamable-http: Streamable HTTP transport on /mcp
  - stdio: Standard input/output

Credentials:
  MEDPLUM_CLIENT_ID and MEDPLUM_CLIENT_SECRET (or --client-id / --client-secret)
  are required. The server refuses to start without them.

Configuration precedence:
  explicitly set flags > environment variables > --config YAML file > defaults

Read-only Mode:
  --read-only registers only the read tools; book-appointment and
  cancel-appointment are not offered to clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(os.Stderr, cfg.LogFormat, flags.debug)
			slog.SetDefault(logger)

			return runServe(cmd.Context(), cfg, logger)
		},
	}

	flags.addCommonFlags(cmd)
	flags.addServeFlags(cmd)

	return cmd
}

func runServe(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	if err := instrConfig.ApplyEnv(os.Getenv); err != nil {
		return err
	}

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("error during instrumentation shutdown", logging.Err(err))
		}
	}()

	var metrics *instrumentation.Metrics
	if provider.Enabled() {
		metrics = provider.Metrics()
	}

	deps, err := openDependencies(shutdownCtx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	svc := scheduling.NewService(deps.store, deps.serviceOptions(cfg, logger, metrics)...)

	serverContext, err := server.NewServerContext(shutdownCtx, svc, logger)
	if err != nil {
		_ = deps.Close()
		return fmt.Errorf("failed to create server context: %w", err)
	}
	serverContext.OnShutdown("dependencies", deps.Close)
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Error("error during server context shutdown", logging.Err(err))
		}
	}()

	// Set metrics and audit logger on server context for tool instrumentation
	if provider.Enabled() {
		serverContext.SetMetrics(metrics)
		serverContext.SetAuditLogger(instrumentation.NewAuditLoggerWithConfig(logger, instrConfig.AuditLogging))
	}

	if cfg.Reconcile.Schedule != "" {
		reconciler := scheduling.NewReconciler(deps.store, deps.ledger, logger, cfg.Reconcile.Batch)
		stop, err := reconciler.StartSchedule(cfg.Reconcile.Schedule)
		if err != nil {
			return err
		}
		// Registered after the dependencies, so it stops before they close.
		serverContext.OnShutdown("reconciler", func() error {
			stop()
			return nil
		})
		logger.Info("in-process reconciliation enabled", slog.String("schedule", cfg.Reconcile.Schedule))
	}

	tracker := server.NewSessionTracker(metrics, logger)
	mcpSrv := newMCPServer(tracker.Hooks())

	if cfg.Server.ReadOnly {
		logger.Info("starting server in READ-ONLY mode (book-appointment and cancel-appointment disabled)")
	}

	if err := registerAll(mcpSrv, serverContext, cfg.Server.ReadOnly); err != nil {
		return err
	}

	switch cfg.Server.Transport {
	case config.TransportStdio:
		return runStdioServer(mcpSrv, logger)
	case config.TransportSSE, config.TransportStreamableHTTP:
		return runHTTPServer(shutdownCtx, httpServerParams{
			cfg:           cfg,
			mcpSrv:        mcpSrv,
			serverContext: serverContext,
			tracker:       tracker,
			deps:          deps,
			provider:      provider,
			exporter:      instrConfig.MetricsExporter,
			logger:        logger,
		})
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: %s, %s, %s)",
			cfg.Server.Transport, config.TransportSSE, config.TransportStreamableHTTP, config.TransportStdio)
	}
}

// newMCPServer creates the MCP server with the scheduling capabilities. hooks may be nil.
func newMCPServer(hooks *mcpserver.Hooks) *mcpserver.MCPServer {
	opts := []mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithInstructions(serverInstructions),
		mcpserver.WithRecovery(),
	}
	if hooks != nil {
		opts = append(opts, mcpserver.WithHooks(hooks))
	}
	return mcpserver.NewMCPServer(serverName, version, opts...)
}

// registerAll registers the tools, prompts and resource templates.
func registerAll(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	type registration struct {
		name     string
		register func() error
	}

	registrations := []registration{
		{
			name: "scheduling tools",
			register: func() error {
				return scheduling_tools.RegisterSchedulingTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "prompts",
			register: func() error {
				prompts.RegisterPrompts(mcpSrv)
				return nil
			},
		},
		{
			name: "FHIR resources",
			register: func() error {
				return resources.RegisterFHIRResources(mcpSrv, sc)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.name, err)
		}
	}
	return nil
}

func runStdioServer(mcpSrv *mcpserver.MCPServer, logger *slog.Logger) error {
	errLogger := slog.NewLogLogger(logger.Handler(), slog.LevelError)

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv, mcpserver.WithErrorLogger(errLogger)); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

type httpServerParams struct {
	cfg           config.Config
	mcpSrv        *mcpserver.MCPServer
	serverContext *server.ServerContext
	tracker       *server.SessionTracker
	deps          *dependencies
	provider      *instrumentation.Provider
	exporter      string
	logger        *slog.Logger
}

func runHTTPServer(ctx context.Context, p httpServerParams) error {
	cfg := p.cfg
	logger := p.logger

	healthChecker := server.NewHealthChecker(p.serverContext)
	healthChecker.SetVersion(version)
	p.deps.addHealthChecks(healthChecker)

	opts := []server.HTTPOption{
		server.WithBaseURL(cfg.Server.BaseURL),
		server.WithSessionTracker(p.tracker),
		server.WithHealthChecker(healthChecker),
		server.WithHTTPLogger(logger),
	}

	if cfg.Server.RateLimit > 0 {
		limiter := server.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, cfg.Server.TrustProxy)
		go limiter.RunCleanup(ctx)
		opts = append(opts, server.WithRateLimiter(limiter))
	}

	var metricsServer *server.MetricsServer
	if p.provider.Enabled() {
		opts = append(opts, server.WithHTTPMetrics(p.provider.Metrics()))

		if p.exporter == instrumentation.ExporterPrometheus {
			if cfg.Server.MetricsAddr != "" {
				var err error
				metricsServer, err = startMetricsServer(cfg.Server.MetricsAddr, p.provider, logger)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := metricsServer.Shutdown(shutdownCtx); err != nil {
						logger.Warn("error during metrics server shutdown", logging.Err(err))
					}
				}()
			} else {
				opts = append(opts, server.WithMetricsHandler(promhttp.Handler()))
			}
		}
	}

	httpServer, err := server.NewHTTPServer(p.mcpSrv, cfg.Server.Transport, opts...)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	ready := make(chan struct{})
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.StartWithReadySignal(cfg.Server.HTTPAddr, ready); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ready:
	case err := <-serverDone:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}

	attrs := []any{
		slog.String("transport", cfg.Server.Transport),
		slog.String("addr", httpServer.Addr()),
		slog.Bool("read_only", cfg.Server.ReadOnly),
	}
	if cfg.Server.Transport == server.TransportSSE {
		attrs = append(attrs, slog.String("sse_endpoint", server.SSEEndpoint), slog.String("message_endpoint", server.MessageEndpoint))
	} else {
		attrs = append(attrs, slog.String("mcp_endpoint", server.MCPEndpoint))
	}
	if metricsServer != nil {
		attrs = append(attrs, slog.String("metrics_addr", metricsServer.Addr()))
	}
	logger.Info("FHIR scheduling MCP server started", attrs...)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		healthChecker.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
		logger.Info("HTTP server stopped normally")
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}

// startMetricsServer starts the dedicated metrics listener and waits until it is bound.
func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		Enabled:                 true,
		InstrumentationProvider: provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	// Use ready channel to confirm metrics server started successfully
	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		logger.Info("metrics server started", slog.String("addr", metricsServer.Addr()))
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(5 * time.Second):
		return nil, errors.New("metrics server startup timed out")
	}
}
