// Package transcript records completed turns for later inspection.
//
// Recording is best effort: callers log a failed Record and carry on.
package transcript

import (
	"context"
	"time"
)

// Record is one completed turn.
type Record struct {
	Agent      string
	SessionID  string
	Persistent bool
	MessageID  string
	RunID      string
	Input      string
	// Output is the raw assistant text before parsing.
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists turn records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) error {
	return nil
}
