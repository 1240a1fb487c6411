package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRunActive is returned when the session already has a run in flight.
	ErrRunActive = errors.New("session already has an active run")

	// ErrSessionNotFound is returned when the backend does not know the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRunNotFound is returned when the backend does not know the run.
	ErrRunNotFound = errors.New("run not found")
)

// RunStatus is the backend-reported state of a run.
type RunStatus string

const (
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
	StatusExpired    RunStatus = "expired"
)

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's history.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Client is the contract every backend family implements.
type Client interface {
	// Family names the backend, e.g. "openai-assistant".
	Family() string
	CreateSession(ctx context.Context) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AppendTurn(ctx context.Context, sessionID, content string) (string, error)
	StartRun(ctx context.Context, sessionID string) (string, error)
	PollRun(ctx context.Context, sessionID, runID string) (RunStatus, error)
	// ListMessages returns the session history, most recent first.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// LatestAssistant returns the first assistant message of a most-recent-first list.
func LatestAssistant(messages []Message) (Message, bool) {
	for _, m := range messages {
		if m.Role == RoleAssistant {
			return m, true
		}
	}
	return Message{}, false
}
