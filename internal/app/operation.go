package app

import "time"

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes, so concurrent processes sharing a log file stay apart.
type Operation struct {
	ID      string
	Command string
	Started time.Time
}

// NewOperation starts an operation for command at now.
func NewOperation(command string, now time.Time) *Operation {
	return &Operation{
		ID:      now.UTC().Format("20060102T150405Z"),
		Command: command,
		Started: now,
	}
}

// Elapsed returns how long the operation has been running at now.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started).Truncate(time.Millisecond)
}
