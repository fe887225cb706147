// Package expense_tools exposes the expense workflow as MCP tools: fetching
// receipt emails, parsing them, recording expenses in the ledger sheet,
// requesting approval in Slack and running the whole pipeline.
package expense_tools
