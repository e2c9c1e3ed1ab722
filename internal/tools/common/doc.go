// Package common provides shared helpers for the MCP tool packages:
// instrumentation wrappers, argument extraction and result formatting.
package common
