// Package provider_tools exposes every route of the dispatcher's route
// table as an MCP tool. Calls go through the dispatcher, so credentials are
// refreshed, requests are rate limited and failures come back classified.
//
// Tools that change provider state (marking mail read, appending rows,
// posting messages) are only registered when the server is not read-only.
package provider_tools
