// Package cmd implements the command-line interface for expensebridge.
//
// This package provides the following commands:
//   - serve: Start the MCP server over stdio or streamable HTTP
//   - auth login|status|revoke: Manage a principal's provider credentials
//   - workflow run: Process unread receipts once and print the report
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
//
// Every flag can also be set through an environment variable, see
// envFallbacks. Flags given on the command line win.
package cmd
