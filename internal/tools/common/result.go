package common

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
)

// JSONResult returns v as a single indented JSON text block.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: Failed to encode result: %v", scheduling.CategoryRemote, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ErrorResult reports err as a tool error of the form
// "<Category>: Failed to <op>: <detail>".
func ErrorResult(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(FormatError(op, err))
}

// FormatError renders the tool error text for err.
func FormatError(op string, err error) string {
	return fmt.Sprintf("%s: Failed to %s: %v", scheduling.Classify(err), op, err)
}
