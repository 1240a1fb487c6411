package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// CompletionRequest is a single-shot chat request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message // oldest first
	MaxTokens   int
	Temperature float64
}

// Completer runs one chat completion.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ChatOptions configures a ChatClient.
type ChatOptions struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	// RunTimeout bounds one completion call. Defaults to 2 minutes.
	RunTimeout time.Duration
	// HistoryLimit caps the number of messages sent per run; 0 sends everything.
	HistoryLimit int
	Logger       zerolog.Logger
}

type chatRun struct {
	status RunStatus
	err    error
}

type chatSession struct {
	history []Message
	runs    map[string]*chatRun
	active  string
}

// ChatClient emulates sessions and asynchronous runs over a single-shot Completer.
// Sessions live in process memory only.
type ChatClient struct {
	completer Completer
	opts      ChatOptions
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*chatSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChatClient creates a chat-style backend.
func NewChatClient(completer Completer, opts ChatOptions) *ChatClient {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatClient{
		completer: completer,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "chat_backend").Str("completer", completer.Name()).Logger(),
		sessions:  make(map[string]*chatSession),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Family returns the backend family name
func (c *ChatClient) Family() string {
	return c.completer.Name()
}

func newID(prefix string) string {
	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return prefix + id
}

// CreateSession allocates an empty in-memory history.
func (c *ChatClient) CreateSession(ctx context.Context) (string, error) {
	if err := c.ctx.Err(); err != nil {
		return "", fmt.Errorf("chat backend closed: %w", err)
	}
	id := newID("chat_")

	c.mu.Lock()
	c.sessions[id] = &chatSession{runs: make(map[string]*chatRun)}
	c.mu.Unlock()

	return id, nil
}

// DeleteSession drops the history. A run still executing is discarded on completion.
func (c *ChatClient) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(c.sessions, sessionID)
	return nil
}

// session must be called with c.mu held.
func (c *ChatClient) session(sessionID string) (*chatSession, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.active != "" {
		return nil, fmt.Errorf("%w: run %s on %s", ErrRunActive, s.active, sessionID)
	}
	return s, nil
}

// AppendTurn appends a user message.
func (c *ChatClient) AppendTurn(ctx context.Context, sessionID, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.session(sessionID)
	if err != nil {
		return "", err
	}

	msg := Message{
		ID:        newID("msg_"),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.history = append(s.history, msg)
	return msg.ID, nil
}

// StartRun snapshots the history and runs the completion in the background.
func (c *ChatClient) StartRun(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	s, err := c.session(sessionID)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	runID := newID("run_")
	s.runs[runID] = &chatRun{status: StatusInProgress}
	s.active = runID

	history := s.history
	if c.opts.HistoryLimit > 0 && len(history) > c.opts.HistoryLimit {
		history = history[len(history)-c.opts.HistoryLimit:]
	}
	snapshot := make([]Message, len(history))
	copy(snapshot, history)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.execute(sessionID, runID, snapshot)

	return runID, nil
}

func (c *ChatClient) execute(sessionID, runID string, history []Message) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	text, err := c.completer.Complete(ctx, CompletionRequest{
		Model:       c.opts.Model,
		System:      c.opts.System,
		Messages:    history,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		c.logger.Debug().Str("session_id", sessionID).Str("run_id", runID).Msg("Session deleted before run finished")
		return
	}
	run := s.runs[runID]
	s.active = ""

	switch {
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		run.status = StatusExpired
		run.err = err
	case err != nil && c.ctx.Err() != nil:
		run.status = StatusCancelled
		run.err = err
	case err != nil:
		run.status = StatusFailed
		run.err = err
	default:
		run.status = StatusCompleted
		s.history = append(s.history, Message{
			ID:        newID("msg_"),
			Role:      RoleAssistant,
			Content:   text,
			CreatedAt: time.Now(),
		})
	}

	if run.err != nil {
		c.logger.Warn().Err(run.err).
			Str("session_id", sessionID).
			Str("run_id", runID).
			Str("status", string(run.status)).
			Dur("duration", time.Since(start)).
			Msg("Chat completion failed")
	}
}

// PollRun reports the run state.
func (c *ChatClient) PollRun(ctx context.Context, sessionID, runID string) (RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", ErrRunNotFound, ErrSessionNotFound, sessionID)
	}
	run, ok := s.runs[runID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.status, nil
}

// ListMessages returns the history, most recent first.
func (c *ChatClient) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	out := make([]Message, len(s.history))
	for i, m := range s.history {
		out[len(s.history)-1-i] = m
	}
	return out, nil
}

// Close cancels in-flight completions and waits for them to finish.
func (c *ChatClient) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
