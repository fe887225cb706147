// Package common holds helpers shared by the MCP tool packages: principal
// resolution, argument extraction, result rendering and the instrumented
// handler wrapper.
package common
