package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/dispatch"
	"github.com/teemow/expensebridge/internal/tools/auth_tools"
	"github.com/teemow/expensebridge/internal/tools/provider_tools"
)

func newGenerateDocsCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool documentation",
		Long: `Generate markdown documentation for all available MCP tools.
This command introspects the registered tools and outputs their documentation
in markdown format, ensuring the documentation is always accurate and in sync
with the actual tool implementations. Tools from a custom --routes file are
included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerateDocs(cmd.Context(), outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

func runGenerateDocs(ctx context.Context, outputFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Documentation needs the tool schemas only, not real credentials.
	cfg := appCfg
	cfg.storeType = string(credentials.StorageMemory)
	cfg.encryptionKey = ""
	serverContext, err := buildServerContext(ctx, &cfg, newLogger(io.Discard, false), nil)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		_ = serverContext.Shutdown()
	}()

	mcpSrv := mcpserver.NewMCPServer("expensebridge", version,
		mcpserver.WithToolCapabilities(true),
	)

	// Register in write mode so write tools are documented too.
	if err := registerAllTools(mcpSrv, serverContext, false); err != nil {
		return err
	}

	serverTools := mcpSrv.ListTools()
	tools := make([]mcp.Tool, 0, len(serverTools))
	for _, serverTool := range serverTools {
		tools = append(tools, serverTool.Tool)
	}

	markdown := generateToolsMarkdown(tools, serverContext.Routes())

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

func generateToolsMarkdown(tools []mcp.Tool, routes *dispatch.RouteTable) string {
	var sb strings.Builder

	sb.WriteString("# MCP Tools Reference\n\n")
	sb.WriteString("Tools exposed by `expensebridge serve`. Generated by `expensebridge generate-docs`, do not edit by hand.\n\n")

	byCategory := make(map[string][]mcp.Tool)
	for _, tool := range tools {
		category := toolCategory(tool.Name, routes)
		byCategory[category] = append(byCategory[category], tool)
	}
	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	sb.WriteString("## Table of Contents\n\n")
	for _, category := range categories {
		anchor := strings.ToLower(strings.ReplaceAll(category, " ", "-"))
		fmt.Fprintf(&sb, "- [%s](#%s)\n", category, anchor)
	}
	sb.WriteString("\n")

	sb.WriteString("## Principals\n\n")
	sb.WriteString("Every tool accepts an optional `principal` argument naming the user whose credentials are used:\n\n")
	sb.WriteString("- **Explicit:** A `principal` argument wins and binds the MCP session to it\n")
	sb.WriteString("- **Session:** Later calls on the same session reuse the bound principal\n")
	sb.WriteString("- **Default:** Otherwise the server's `--principal` is used\n\n")
	sb.WriteString("Write tools are only registered when the server runs with `--yolo`.\n\n")

	for _, category := range categories {
		categoryTools := byCategory[category]
		sort.Slice(categoryTools, func(i, j int) bool {
			return categoryTools[i].Name < categoryTools[j].Name
		})

		fmt.Fprintf(&sb, "## %s\n\n", category)
		for _, tool := range categoryTools {
			var route *dispatch.Route
			if routes != nil {
				if r, ok := routes.Lookup(tool.Name); ok {
					route = &r
				}
			}
			writeToolMarkdown(&sb, tool, route)
		}
	}

	return sb.String()
}

// toolCategory groups provider tools by their route's provider.
func toolCategory(name string, routes *dispatch.RouteTable) string {
	if routes != nil {
		if route, ok := routes.Lookup(name); ok {
			return route.Provider.DisplayName() + " Tools"
		}
	}
	switch name {
	case auth_tools.ToolAuthBegin, auth_tools.ToolAuthStatus, auth_tools.ToolAuthRevoke:
		return "Credential Tools"
	}
	return "Expense Workflow Tools"
}

// writeToolMarkdown renders one tool. Routed tools also list the provider
// operation they dispatch to and the scopes a credential needs for it.
func writeToolMarkdown(sb *strings.Builder, tool mcp.Tool, route *dispatch.Route) {
	fmt.Fprintf(sb, "### %s\n\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(sb, "%s\n\n", tool.Description)
	}

	if route != nil {
		access := "read"
		if provider_tools.IsWrite(*route) {
			access = "write, requires `--yolo`"
		}
		fmt.Fprintf(sb, "**Dispatches to:** `%s.%s` (%s)\n\n", route.Provider, route.Operation, access)
		if len(route.Scopes) > 0 {
			sb.WriteString("**Scopes:**\n")
			for _, scope := range route.Scopes {
				fmt.Fprintf(sb, "- `%s`\n", scope)
			}
			sb.WriteString("\n")
		}
	}

	props := tool.InputSchema.Properties
	if len(props) == 0 {
		return
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	sb.WriteString("**Arguments:**\n")
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		required := "optional"
		if slices.Contains(tool.InputSchema.Required, name) {
			required = "required"
		}
		desc, _ := prop["description"].(string)
		if desc == "" {
			desc = typ + " parameter"
		}
		fmt.Fprintf(sb, "- `%s` (%s, %s): %s\n", name, typ, required, desc)
	}
	sb.WriteString("\n")
}
