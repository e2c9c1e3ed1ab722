package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the fhir-scheduling-mcp application
var rootCmd = &cobra.Command{
	Use:   "fhir-scheduling-mcp",
	Short: "MCP server for FHIR appointment scheduling",
	Long: `fhir-scheduling-mcp is a Model Context Protocol (MCP) server that lets AI
assistants run a FHIR scheduling workflow against a Medplum project: list
practitioner schedules, find free slots, and book or cancel appointments.

It can run as:
  - An MCP server over SSE, streamable HTTP or stdio (default: serve)
  - A one-shot reconciliation job repairing half-applied bookings`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "fhir-scheduling-mcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
