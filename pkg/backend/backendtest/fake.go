// Package backendtest provides a scripted in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/threadline/pkg/backend"
)

// Calls counts invocations per primitive.
type Calls struct {
	Create    int
	Delete    int
	Append    int
	Start     int
	Poll      int
	List      int
	Conflicts int // appends or starts rejected because a run was active
}

type fakeRun struct {
	polls  int
	status backend.RunStatus
	input  string
}

type fakeSession struct {
	history []backend.Message
	runs    map[string]*fakeRun
	active  string
	last    string
}

// Fake is a deterministic backend. Runs complete after PollsToComplete polls.
type Fake struct {
	// PollsToComplete is how many polls a run needs to finish. Defaults to 1.
	PollsToComplete int
	// FinalStatus is where a run ends. Defaults to completed.
	FinalStatus backend.RunStatus
	// Hang keeps every run in progress forever.
	Hang bool
	// Reply builds the assistant message of a completed run. Defaults to "reply: <input>".
	Reply func(input string) string

	CreateErr error
	DeleteErr error
	AppendErr error
	StartErr  error
	PollErr   error

	mu       sync.Mutex
	sessions map[string]*fakeSession
	seq      int
	calls    Calls
	events   []string
	deleted  []string
}

// New returns a Fake whose runs complete on the first poll.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) init() {
	if f.sessions == nil {
		f.sessions = make(map[string]*fakeSession)
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// Family returns "fake".
func (f *Fake) Family() string {
	return "fake"
}

// Seed registers an existing session id, as if created in an earlier process.
func (f *Fake) Seed(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.sessions[sessionID] = &fakeSession{runs: make(map[string]*fakeRun)}
}

func (f *Fake) CreateSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.Create++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	id := f.nextID("sess")
	f.sessions[id] = &fakeSession{runs: make(map[string]*fakeRun)}
	return id, nil
}

func (f *Fake) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.Delete++
	f.deleted = append(f.deleted, sessionID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", backend.ErrSessionNotFound, sessionID)
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *Fake) AppendTurn(ctx context.Context, sessionID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.Append++
	if f.AppendErr != nil {
		return "", f.AppendErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrSessionNotFound, sessionID)
	}
	if s.active != "" {
		f.calls.Conflicts++
		return "", fmt.Errorf("%w: %s", backend.ErrRunActive, s.active)
	}

	id := f.nextID("msg")
	s.history = append(s.history, backend.Message{ID: id, Role: backend.RoleUser, Content: content, CreatedAt: time.Now()})
	s.last = content
	f.events = append(f.events, "append:"+sessionID+":"+content)
	return id, nil
}

func (f *Fake) StartRun(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.Start++
	if f.StartErr != nil {
		return "", f.StartErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrSessionNotFound, sessionID)
	}
	if s.active != "" {
		f.calls.Conflicts++
		return "", fmt.Errorf("%w: %s", backend.ErrRunActive, s.active)
	}

	id := f.nextID("run")
	s.runs[id] = &fakeRun{status: backend.StatusInProgress, input: s.last}
	s.active = id
	return id, nil
}

func (f *Fake) PollRun(ctx context.Context, sessionID, runID string) (backend.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.Poll++
	if f.PollErr != nil {
		return "", f.PollErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrRunNotFound, sessionID)
	}
	run, ok := s.runs[runID]
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrRunNotFound, runID)
	}
	if run.status.Terminal() || f.Hang {
		return run.status, nil
	}

	run.polls++
	need := f.PollsToComplete
	if need <= 0 {
		need = 1
	}
	if run.polls < need {
		return run.status, nil
	}

	run.status = f.FinalStatus
	if run.status == "" {
		run.status = backend.StatusCompleted
	}
	if run.status == backend.StatusCompleted {
		reply := "reply: " + run.input
		if f.Reply != nil {
			reply = f.Reply(run.input)
		}
		s.history = append(s.history, backend.Message{
			ID:        f.nextID("msg"),
			Role:      backend.RoleAssistant,
			Content:   reply,
			CreatedAt: time.Now(),
		})
	}
	s.active = ""
	f.events = append(f.events, "done:"+sessionID+":"+runID)
	return run.status, nil
}

func (f *Fake) ListMessages(ctx context.Context, sessionID string) ([]backend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	f.calls.List++
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrSessionNotFound, sessionID)
	}
	out := make([]backend.Message, len(s.history))
	for i, m := range s.history {
		out[len(s.history)-1-i] = m
	}
	return out, nil
}

// Calls returns a snapshot of the call counters.
func (f *Fake) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Events returns the ordered append and run completion log.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Deleted returns every session id passed to DeleteSession.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Exists reports whether the session is still known.
func (f *Fake) Exists(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sessionID]
	return ok
}

// Release finishes an active run on the session with status completed, as if
// another process's run ended.
func (f *Fake) Release(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.active != "" {
		s.runs[s.active].status = backend.StatusCompleted
		s.active = ""
	}
}
