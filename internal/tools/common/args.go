package common

import (
	"context"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Argument names carrying FHIR resource ids, in lookup order.
var resourceIDArgs = []string{
	"appointmentResourceId",
	"slotResourceId",
	"scheduleResourceId",
}

// ResourceIDFromArgs returns the first FHIR resource id found in the
// request arguments, or "" when the tool takes none.
func ResourceIDFromArgs(args map[string]interface{}) string {
	for _, name := range resourceIDArgs {
		if v, ok := args[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// SessionIDFromContext returns the MCP session id of the calling client,
// or "" when the call did not arrive on a session (stdio tests, direct calls).
func SessionIDFromContext(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}
