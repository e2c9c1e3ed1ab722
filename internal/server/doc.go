// Package server provides the MCP server context, session tracking and
// the HTTP front end for the scheduling server.
//
// # Key Components
//
// ServerContext owns the scheduling service together with its metrics and
// audit logger, and runs registered closers (ledger, lock backend, event
// publisher) on shutdown.
//
// HTTPServer exposes exactly one MCP transport on a single port:
//   - sse: GET /sse opens a stream, POST /messages?sessionId=<id> delivers
//     messages. Messages for an unknown or missing session get 400
//     "No transport found for sessionId".
//   - streamable-http: POST/GET/DELETE /mcp.
//
// The same port serves /healthz, /readyz, /healthz/detailed and, when no
// separate metrics address is configured, /metrics.
//
// SessionTracker records live sessions through mcp-go session hooks.
//
// # Request Handling
//
// Every request gets an X-Request-Id (generated when absent), an OTel
// server span and an HTTP metrics sample. MCP endpoints are rate limited
// per client IP when a limit is configured.
package server
