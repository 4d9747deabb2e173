// Package logging implements the process-wide log stream and its fan-out to
// Connected Clients: a single broadcaster accepts Record values from the
// process logger and forwards them to every subscriber's channel, dropping
// on backpressure rather than blocking the producer.
package logging

import "time"

// Record is the shape of one log entry forwarded to subscribers. It mirrors
// the fields an *slog.Record carries, decoupled from slog itself so line
// formatting (FormatLine below) is testable without a slog dependency.
type Record struct {
	LoggerName string
	Level      string
	Time       time.Time
	Message    string
	Err        string
	Stack      string
}

// FormatLine renders r as the single forwarded line, with optional error and
// stack trace on subsequent lines: "[<loggerName>] <levelName>: <timestamp>: <message>".
func (r Record) FormatLine() string {
	line := "[" + r.LoggerName + "] " + r.Level + ": " + r.Time.Format(time.RFC3339) + ": " + r.Message
	if r.Err != "" {
		line += "\n" + r.Err
	}
	if r.Stack != "" {
		line += "\n" + r.Stack
	}
	return line
}
