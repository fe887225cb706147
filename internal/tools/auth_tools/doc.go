// Package auth_tools lets an MCP client manage the OAuth credentials of the
// principal it acts for: start consent, inspect status and revoke.
package auth_tools
