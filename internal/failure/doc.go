// Package failure defines the error taxonomy surfaced by the dispatcher.
//
// Every failed invocation carries a stable Kind and a human readable
// remediation hint. The raw upstream error is kept as the cause for logging.
package failure
