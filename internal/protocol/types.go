// Package protocol defines the JSON envelopes exchanged with subprocess
// task entrypoints: one Request on stdin, one Response on stdout.
package protocol

import "time"

// Version is the only protocol version spoken.
const Version = 1

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents the request envelope sent to a task entrypoint via stdin.
type Request struct {
	Protocol     int       `json:"protocol"`
	InvocationID string    `json:"invocation_id"`
	Module       string    `json:"module"` // namespace.package.module
	Task         string    `json:"task"`
	Args         []any     `json:"args"`
	DeadlineAt   time.Time `json:"deadline_at"`
}

// Response represents the response envelope received from a task entrypoint via stdout.
type Response struct {
	Status  string     `json:"status"` // ok | error
	Error   string     `json:"error,omitempty"`
	Outputs []any      `json:"outputs,omitempty"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a task.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
