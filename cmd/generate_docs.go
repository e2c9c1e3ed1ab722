package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/prompts"
	"github.com/teemow/fhir-scheduling-mcp/internal/resources"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
)

const (
	categoryRead  = "Read Tools"
	categoryWrite = "Write Tools"
)

func newGenerateDocsCmd() *cobra.Command {
	var (
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool documentation",
		Long: `Generate markdown documentation for all available MCP tools.
This command introspects the registered tools and outputs their documentation
in markdown format, ensuring the documentation is always accurate and in sync
with the actual tool implementations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerateDocs(outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

func runGenerateDocs(outputFile string) error {
	// The store is never called; placeholder credentials only satisfy the constructor.
	ctx := context.Background()
	store, err := fhir.NewClient(ctx, fhir.Options{
		BaseURL:      "https://fhir.invalid/fhir/R4/",
		TokenURL:     "https://fhir.invalid/oauth2/token",
		ClientID:     "docs",
		ClientSecret: "docs",
	})
	if err != nil {
		return fmt.Errorf("failed to create FHIR client: %w", err)
	}

	serverContext, err := server.NewServerContext(ctx, scheduling.NewService(store), nil)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		_ = serverContext.Shutdown()
	}()

	mcpSrv := newMCPServer(nil)

	// Register everything, write tools included
	if err := registerAll(mcpSrv, serverContext, false); err != nil {
		return err
	}

	serverTools := mcpSrv.ListTools()
	tools := make([]mcp.Tool, 0, len(serverTools))
	for _, serverTool := range serverTools {
		tools = append(tools, serverTool.Tool)
	}

	markdown := generateToolsMarkdown(tools)

	if outputFile != "" {
		if err := os.WriteFile(outputFile, []byte(markdown), 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Documentation written to: %s\n", outputFile)
	} else {
		fmt.Print(markdown)
	}

	return nil
}

func generateToolsMarkdown(tools []mcp.Tool) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# MCP Tools Reference\n\n")
	sb.WriteString("This document provides a complete reference of all tools available when running fhir-scheduling-mcp as an MCP server.\n\n")
	sb.WriteString("**Note:** This documentation is automatically generated from the tool definitions.\n\n")

	toolsByCategory := groupToolsByCategory(tools)

	// Table of contents
	sb.WriteString("## Table of Contents\n\n")
	categories := make([]string, 0, len(toolsByCategory))
	for category := range toolsByCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		anchor := strings.ToLower(strings.ReplaceAll(category, " ", "-"))
		sb.WriteString(fmt.Sprintf("- [%s](#%s)\n", category, anchor))
	}
	sb.WriteString("- [Prompts](#prompts)\n")
	sb.WriteString("- [Resource Templates](#resource-templates)\n")
	sb.WriteString("\n")

	// Read-only mode note
	sb.WriteString("## Read-only Mode\n\n")
	sb.WriteString("When the server runs with `--read-only`, the write tools are not registered and only the read tools are offered.\n\n")
	sb.WriteString("Tool errors are returned as error results of the form `<Category>: Failed to <operation>: <detail>`, ")
	sb.WriteString("where the category is one of `ValidationError`, `NotFound`, `SlotUnavailable`, `Conflict`, `RemoteError` or `InconsistentState`.\n\n")

	for _, category := range categories {
		categoryTools := toolsByCategory[category]
		sort.Slice(categoryTools, func(i, j int) bool {
			return categoryTools[i].Name < categoryTools[j].Name
		})

		sb.WriteString(fmt.Sprintf("## %s\n\n", category))

		for _, tool := range categoryTools {
			sb.WriteString(generateToolMarkdown(tool))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## Prompts\n\n")
	sb.WriteString(fmt.Sprintf("- `%s`: Prompt the user to schedule an intake appointment.\n\n", prompts.PromptScheduleAppointment))

	sb.WriteString("## Resource Templates\n\n")
	for _, tmpl := range []string{resources.ScheduleTemplate, resources.SlotTemplate, resources.AppointmentTemplate} {
		sb.WriteString(fmt.Sprintf("- `%s` (`%s`)\n", tmpl, resources.MIMEType))
	}

	return sb.String()
}

func groupToolsByCategory(tools []mcp.Tool) map[string][]mcp.Tool {
	categories := make(map[string][]mcp.Tool)

	for _, tool := range tools {
		category := getCategory(tool)
		categories[category] = append(categories[category], tool)
	}

	return categories
}

func getCategory(tool mcp.Tool) string {
	if hint := tool.Annotations.ReadOnlyHint; hint != nil && *hint {
		return categoryRead
	}
	return categoryWrite
}

func generateToolMarkdown(tool mcp.Tool) string {
	var sb strings.Builder

	// Tool name
	sb.WriteString(fmt.Sprintf("### %s\n\n", tool.Name))

	// Description
	if tool.Description != "" {
		sb.WriteString(fmt.Sprintf("%s\n\n", tool.Description))
	}

	// Input schema
	if tool.InputSchema.Properties != nil && len(tool.InputSchema.Properties) > 0 {
		sb.WriteString("**Arguments:**\n")

		// Sort properties for consistent output
		propNames := make([]string, 0, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			propNames = append(propNames, name)
		}
		sort.Strings(propNames)

		for _, name := range propNames {
			prop := tool.InputSchema.Properties[name]
			isRequired := contains(tool.InputSchema.Required, name)

			requiredStr := "optional"
			if isRequired {
				requiredStr = "required"
			}

			// Get property type and description from the property map
			propMap, ok := prop.(map[string]interface{})
			if !ok {
				continue
			}

			propType := getPropertyType(propMap)

			sb.WriteString(fmt.Sprintf("- `%s` (%s): ", name, requiredStr))

			// Get description
			if desc, ok := propMap["description"].(string); ok {
				sb.WriteString(desc)
			} else {
				sb.WriteString(fmt.Sprintf("%s parameter", propType))
			}

			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func getPropertyType(prop map[string]interface{}) string {
	if t, ok := prop["type"].(string); ok {
		return t
	}
	return "any"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
