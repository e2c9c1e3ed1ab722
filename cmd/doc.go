// Package cmd implements the command-line interface for fhir-scheduling-mcp.
//
// This package provides the following commands:
//   - serve: Start the MCP server (sse, streamable-http or stdio transport)
//   - reconcile: Repair inconsistent scheduling state recorded in the ledger
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
// Configuration is read from flags, environment variables (optionally loaded
// from a .env file) and an optional YAML file, in that order of precedence.
package cmd
