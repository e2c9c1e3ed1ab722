// Package instrumentation provides OpenTelemetry instrumentation
// for the fhir-scheduling-mcp server.
//
// This package enables production-grade observability through:
//   - OpenTelemetry metrics for HTTP requests, FHIR store calls and MCP tools
//   - Distributed tracing for tool invocations and store requests
//   - Prometheus metrics export via the /metrics endpoint
//   - OTLP export support for modern observability platforms
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//   - active_sessions: Gauge of active MCP sessions
//
// FHIR Store Metrics:
//   - fhir_store_operations_total: Counter by resource_type, operation, status
//   - fhir_store_operation_duration_seconds: Histogram of store call durations
//   - oauth_token_fetch_total: Counter of client-credentials token fetches by result
//
// MCP Tool Metrics:
//   - mcp_tool_invocations_total: Counter of MCP tool invocations by tool name and status
//   - mcp_tool_duration_seconds: Histogram of MCP tool execution durations
//
// Scheduling Metrics:
//   - scheduling_bookings_total: Counter of booking attempts by result
//   - scheduling_inconsistencies_total: Counter of unrecovered partial failures
//   - scheduling_events_published_total: Counter of published events by type and status
//
// Resource ids never appear as metric labels.
//
// # Tracing
//
// Spans are created for:
//   - HTTP request handling (otelhttp)
//   - MCP tool invocations (tool.<name>)
//   - FHIR store calls (fhir.<ResourceType>.<operation>)
//
// # Configuration
//
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: prometheus, otlp, stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout, none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: fhir-scheduling-mcp)
//   - OTEL_SERVICE_INSTANCE_ID: Instance id (default: hostname)
//   - OTEL_EXPORTER_OTLP_INSECURE: Plain HTTP for OTLP (default: false)
//   - DEPLOYMENT_ENVIRONMENT: deployment.environment resource attribute
//   - METRICS_DETAILED_LABELS: Resource ids on tool spans and audit lines
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_PII: Audit log switches
//
// Unparsable values are reported by Config.ApplyEnv rather than ignored.
// An enabled provider also installs the W3C trace-context propagator, which
// the Kafka publisher uses to carry the trace into event headers.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordStoreOperation(ctx, "Slot", instrumentation.OperationSearch, instrumentation.StatusSuccess, time.Since(start))
//	metrics.RecordToolInvocation(ctx, "get-available-slots", instrumentation.StatusSuccess, time.Since(start))
package instrumentation
