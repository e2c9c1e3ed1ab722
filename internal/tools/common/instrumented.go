package common

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
)

// ToolHandler is the mcp-go tool handler signature.
type ToolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// InstrumentedToolHandlerWithResource wraps a tool handler with a span,
// metrics and audit logging, recording the FHIR resource type and operation
// the tool acts on. Either may be empty.
//
// Usage:
//
//	s.AddTool(tool, common.InstrumentedToolHandlerWithResource(
//		"get-schedule", instrumentation.ResourceSchedule, instrumentation.OperationRead, sc, handler))
func InstrumentedToolHandlerWithResource(
	toolName string,
	resourceType string,
	operation string,
	sc *server.ServerContext,
	handler ToolHandler,
) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		metrics := sc.Metrics()
		auditLogger := sc.AuditLogger()

		args := request.GetArguments()
		resourceID := ResourceIDFromArgs(args)

		attrs := instrumentation.NewSpanAttributeBuilder().WithResource(resourceType, resourceID)
		if operation != "" {
			attrs.WithOperation(operation)
		}
		ctx, span := instrumentation.StartToolSpan(ctx, toolName, attrs.Build()...)
		defer span.End()

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).
			WithSpanContext(ctx).
			WithSession(SessionIDFromContext(ctx))
		if resourceType != "" {
			invocation.WithResource(resourceType, operation)
		}
		if resourceID != "" {
			invocation.WithResourceID(resourceID)
		}

		result, err := handler(ctx, request)
		duration := time.Since(start)

		status := instrumentation.StatusSuccess
		switch {
		case err != nil:
			status = instrumentation.StatusError
			invocation.CompleteWithError(err)
			instrumentation.SetSpanError(span, err)
		case result != nil && result.IsError:
			status = instrumentation.StatusError
			resultErr := errors.New(resultText(result))
			invocation.CompleteWithError(resultErr)
			instrumentation.SetSpanError(span, resultErr)
		default:
			invocation.CompleteSuccess()
			instrumentation.SetSpanSuccess(span)
		}
		span.SetAttributes(attribute.String(instrumentation.SpanAttrStatus, status))

		metrics.RecordToolInvocation(ctx, toolName, status, duration)
		if auditLogger != nil {
			auditLogger.LogToolInvocation(invocation)
		}

		return result, err
	}
}

// resultText returns the first text block of a tool result.
func resultText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return "tool returned an error result"
}
