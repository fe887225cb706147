// Package provider defines the closed set of external API integrations
// (Gmail, Google Sheets and Slack) together with their OAuth endpoints,
// required scopes and rate-limit classes.
package provider
