package scheduling_tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
	"github.com/teemow/fhir-scheduling-mcp/internal/tools/common"
)

// Tool names.
const (
	ToolGetSchedules      = "get-schedules"
	ToolGetSchedule       = "get-schedule"
	ToolGetAvailableSlots = "get-available-slots"
	ToolBookAppointment   = "book-appointment"
	ToolCancelAppointment = "cancel-appointment"
	ToolGetAppointment    = "get-appointment"
)

// RegisterSchedulingTools registers the scheduling tools with the MCP server.
// With readOnly set, book-appointment and cancel-appointment are omitted.
func RegisterSchedulingTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	getSchedulesTool := mcp.NewTool(ToolGetSchedules,
		mcp.WithDescription("Retrieve all schedules. A schedule defines the broader availability and context for a practitioner."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(getSchedulesTool, common.InstrumentedToolHandlerWithResource(ToolGetSchedules,
		instrumentation.ResourceSchedule, instrumentation.OperationSearch, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGetSchedules(ctx, request, sc)
		}))

	getScheduleTool := mcp.NewTool(ToolGetSchedule,
		mcp.WithDescription("Retrieve a schedule using an ID. A schedule defines the broader availability and context for an individual or service."),
		mcp.WithString("scheduleResourceId",
			mcp.Required(),
			mcp.Description("The resource ID of the schedule"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(getScheduleTool, common.InstrumentedToolHandlerWithResource(ToolGetSchedule,
		instrumentation.ResourceSchedule, instrumentation.OperationRead, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGetSchedule(ctx, request, sc)
		}))

	getSlotsTool := mcp.NewTool(ToolGetAvailableSlots,
		mcp.WithDescription("Retrieve the available slots. A slot provides the granular, bookable units within a Schedule. Only free slots are returned."),
		mcp.WithString("scheduleResourceId",
			mcp.Required(),
			mcp.Description("The resource ID of the schedule whose free slots to retrieve"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(getSlotsTool, common.InstrumentedToolHandlerWithResource(ToolGetAvailableSlots,
		instrumentation.ResourceSlot, instrumentation.OperationSearch, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGetAvailableSlots(ctx, request, sc)
		}))

	getAppointmentTool := mcp.NewTool(ToolGetAppointment,
		mcp.WithDescription("Retrieve the details of an appointment"),
		mcp.WithString("appointmentResourceId",
			mcp.Required(),
			mcp.Description("The resource ID of the appointment to retrieve."),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(getAppointmentTool, common.InstrumentedToolHandlerWithResource(ToolGetAppointment,
		instrumentation.ResourceAppointment, instrumentation.OperationRead, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGetAppointment(ctx, request, sc)
		}))

	// Write tools (only available when not in read-only mode)
	if !readOnly {
		bookTool := mcp.NewTool(ToolBookAppointment,
			mcp.WithDescription("Book an appointment, which is the outcome of a scheduling process. The slot is marked busy-unavailable; if that fails the appointment is cancelled again."),
			mcp.WithString("slotResourceId",
				mcp.Required(),
				mcp.Description("The resource ID of the slot to reference for the appointment."),
			),
			mcp.WithString("start",
				mcp.Required(),
				mcp.Description("The start date and time of the slot (RFC 3339, e.g. '2025-01-01T09:00:00Z')."),
			),
			mcp.WithString("end",
				mcp.Required(),
				mcp.Description("The end date and time of the slot (RFC 3339, must be after start)."),
			),
			mcp.WithString("practitionerId",
				mcp.Required(),
				mcp.Description("The resource ID of the practitioner who's a participant in the appointment."),
			),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(false),
		)
		s.AddTool(bookTool, common.InstrumentedToolHandlerWithResource(ToolBookAppointment,
			instrumentation.ResourceAppointment, instrumentation.OperationCreate, sc,
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return handleBookAppointment(ctx, request, sc)
			}))

		cancelTool := mcp.NewTool(ToolCancelAppointment,
			mcp.WithDescription("Cancel an appointment and free its slot"),
			mcp.WithString("appointmentResourceId",
				mcp.Required(),
				mcp.Description("The resource ID of the appointment to cancel."),
			),
			mcp.WithDestructiveHintAnnotation(true),
			mcp.WithIdempotentHintAnnotation(true),
		)
		s.AddTool(cancelTool, common.InstrumentedToolHandlerWithResource(ToolCancelAppointment,
			instrumentation.ResourceAppointment, instrumentation.OperationPatch, sc,
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return handleCancelAppointment(ctx, request, sc)
			}))
	}

	return nil
}

func handleGetSchedules(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	schedules, err := sc.Scheduler().ListSchedules(ctx)
	if err != nil {
		return common.ErrorResult("get schedules", err), nil
	}
	if schedules == nil {
		schedules = []fhir.Schedule{}
	}
	return common.JSONResult(schedules)
}

func handleGetSchedule(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	const op = "get schedule"

	var args scheduleArgs
	if err := bindArgs(request, &args); err != nil {
		return common.ErrorResult(op, err), nil
	}

	schedule, err := sc.Scheduler().GetSchedule(ctx, args.ScheduleResourceID)
	if err != nil {
		return common.ErrorResult(op, err), nil
	}
	return common.JSONResult(schedule)
}

func handleGetAvailableSlots(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	const op = "get available slots"

	var args scheduleArgs
	if err := bindArgs(request, &args); err != nil {
		return common.ErrorResult(op, err), nil
	}

	slots, err := sc.Scheduler().ListFreeSlots(ctx, args.ScheduleResourceID)
	if err != nil {
		return common.ErrorResult(op, err), nil
	}
	if slots == nil {
		slots = []fhir.Slot{}
	}
	return common.JSONResult(slots)
}

func handleGetAppointment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	const op = "get appointment"

	var args appointmentArgs
	if err := bindArgs(request, &args); err != nil {
		return common.ErrorResult(op, err), nil
	}

	appt, err := sc.Scheduler().GetAppointment(ctx, args.AppointmentResourceID)
	if err != nil {
		return common.ErrorResult(op, err), nil
	}
	return common.JSONResult(appt)
}

func handleBookAppointment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	const op = "book appointment"

	var args bookArgs
	if err := bindArgs(request, &args); err != nil {
		return common.ErrorResult(op, err), nil
	}

	appt, err := sc.Scheduler().BookAppointment(ctx, args.request())
	if err != nil {
		return common.ErrorResult(op, err), nil
	}
	return common.JSONResult(appt)
}

func handleCancelAppointment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	const op = "cancel appointment"

	var args appointmentArgs
	if err := bindArgs(request, &args); err != nil {
		return common.ErrorResult(op, err), nil
	}

	appt, err := sc.Scheduler().CancelAppointment(ctx, args.AppointmentResourceID)
	if err != nil {
		return common.ErrorResult(op, err), nil
	}
	return common.JSONResult(appt)
}
