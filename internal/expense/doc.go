// Package expense turns receipt emails into expense ledger rows.
//
// Parse extracts date, vendor, amount, currency, category and description
// from an email. Workflow chains the provider tools: unread receipts are
// read from Gmail, appended to a Google Sheets worksheet, announced in Slack
// with approve and reject buttons and finally marked read.
package expense
