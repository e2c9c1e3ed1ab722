package common

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir/fhirtest"
	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
)

func newServerContext(t *testing.T) *server.ServerContext {
	t.Helper()
	sc, err := server.NewServerContext(context.Background(), scheduling.NewService(fhirtest.NewStore()), nil)
	if err != nil {
		t.Fatalf("failed to create server context: %v", err)
	}
	t.Cleanup(func() { _ = sc.Shutdown() })
	return sc
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestInstrumentedToolHandler_Success(t *testing.T) {
	sc := newServerContext(t)

	called := false
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		called = true
		return mcp.NewToolResultText("success"), nil
	}

	result, err := InstrumentedToolHandlerWithResource("test-tool", "", "", sc, handler)(context.Background(), mcp.CallToolRequest{})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
	if result == nil || result.IsError {
		t.Errorf("expected successful result, got %+v", result)
	}
}

func TestInstrumentedToolHandler_Error(t *testing.T) {
	sc := newServerContext(t)

	expectedErr := errors.New("test error")
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, expectedErr
	}

	_, err := InstrumentedToolHandlerWithResource("test-tool", "", "", sc, handler)(context.Background(), mcp.CallToolRequest{})

	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
}

func TestInstrumentedToolHandlerWithResource_AuditLog(t *testing.T) {
	tests := []struct {
		name       string
		includePII bool
		result     *mcp.CallToolResult
		wantMsg    string
		wantParts  []string
		denyParts  []string
	}{
		{
			name:      "success hashes resource id",
			result:    mcp.NewToolResultText("{}"),
			wantMsg:   "tool_executed",
			wantParts: []string{"tool=get-appointment", "resource_type=Appointment", "operation=read", "resource_hash="},
			denyParts: []string{"appt-42"},
		},
		{
			name:       "error result with PII",
			includePII: true,
			result:     mcp.NewToolResultError("NotFound: Failed to get appointment: gone"),
			wantMsg:    "tool_failed",
			wantParts:  []string{"resource_id=appt-42", "NotFound: Failed to get appointment"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			sc := newServerContext(t)
			sc.SetAuditLogger(instrumentation.NewAuditLoggerWithConfig(
				slog.New(slog.NewTextHandler(&buf, nil)),
				instrumentation.AuditLoggingConfig{Enabled: true, IncludePII: tt.includePII},
			))

			handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return tt.result, nil
			}
			wrapped := InstrumentedToolHandlerWithResource("get-appointment",
				instrumentation.ResourceAppointment, instrumentation.OperationRead, sc, handler)

			result, err := wrapped(context.Background(), callRequest(map[string]any{"appointmentResourceId": "appt-42"}))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.result {
				t.Error("wrapper must return the handler's result unchanged")
			}

			out := buf.String()
			if !strings.Contains(out, tt.wantMsg) {
				t.Errorf("expected %q in audit log, got %q", tt.wantMsg, out)
			}
			for _, part := range tt.wantParts {
				if !strings.Contains(out, part) {
					t.Errorf("expected %q in audit log, got %q", part, out)
				}
			}
			for _, part := range tt.denyParts {
				if strings.Contains(out, part) {
					t.Errorf("did not expect %q in audit log, got %q", part, out)
				}
			}
		})
	}
}

func TestInstrumentedToolHandlerWithResource_WithMetrics(t *testing.T) {
	sc := newServerContext(t)

	metrics, err := instrumentation.NewMetrics(noop.NewMeterProvider().Meter("test"), false)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	sc.SetMetrics(metrics)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("[]"), nil
	}
	wrapped := InstrumentedToolHandlerWithResource("get-schedules",
		instrumentation.ResourceSchedule, instrumentation.OperationSearch, sc, handler)

	result, err := wrapped(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result == nil {
		t.Error("expected result, got nil")
	}
}

func TestResourceIDFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{name: "nil args", args: nil, want: ""},
		{name: "schedule", args: map[string]interface{}{"scheduleResourceId": "sc-1"}, want: "sc-1"},
		{name: "slot wins over schedule", args: map[string]interface{}{"slotResourceId": "s-1", "scheduleResourceId": "sc-1"}, want: "s-1"},
		{name: "appointment", args: map[string]interface{}{"appointmentResourceId": "a-1"}, want: "a-1"},
		{name: "wrong type", args: map[string]interface{}{"slotResourceId": 7}, want: ""},
		{name: "practitioner is not a resource id arg", args: map[string]interface{}{"practitionerId": "p-1"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResourceIDFromArgs(tt.args); got != tt.want {
				t.Errorf("ResourceIDFromArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionIDFromContext_NoSession(t *testing.T) {
	if got := SessionIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty session id, got %q", got)
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		op   string
		err  error
		want string
	}{
		{
			name: "validation",
			op:   "book appointment",
			err:  scheduling.ErrValidation,
			want: "ValidationError: Failed to book appointment: validation error",
		},
		{
			name: "slot unavailable",
			op:   "book appointment",
			err:  scheduling.ErrSlotUnavailable,
			want: "SlotUnavailable: Failed to book appointment: slot unavailable",
		},
		{
			name: "remote",
			op:   "get schedules",
			err:  errors.New("connection refused"),
			want: "RemoteError: Failed to get schedules: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatError(tt.op, tt.err); got != tt.want {
				t.Errorf("FormatError() = %q, want %q", got, tt.want)
			}
			result := ErrorResult(tt.op, tt.err)
			if !result.IsError {
				t.Error("ErrorResult must set IsError")
			}
		})
	}
}

func TestJSONResult(t *testing.T) {
	result, err := JSONResult(map[string]string{"id": "a-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatal("expected success result")
	}
	text := resultText(result)
	if text != "{\n  \"id\": \"a-1\"\n}" {
		t.Errorf("unexpected JSON text %q", text)
	}

	bad, err := JSONResult(make(chan int))
	if err != nil || !bad.IsError {
		t.Errorf("unencodable value should produce an error result, got %+v %v", bad, err)
	}
}
