// Package prompts registers the MCP prompts offered by the scheduling server.
package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// PromptScheduleAppointment starts the intake booking workflow.
const PromptScheduleAppointment = "schedule-appointment"

// RegisterPrompts registers all prompts with the MCP server.
func RegisterPrompts(s *mcpserver.MCPServer) {
	scheduleAppointment := mcp.NewPrompt(PromptScheduleAppointment,
		mcp.WithPromptDescription("Prompt the user to schedule an intake appointment"),
	)
	s.AddPrompt(scheduleAppointment, handleScheduleAppointment)
}

func handleScheduleAppointment(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return mcp.NewGetPromptResult(
		"Prompt the user to schedule an intake appointment",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("Schedule an intake appointment.")),
		},
	), nil
}
