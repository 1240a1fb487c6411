package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	mu       sync.Mutex
	requests []CompletionRequest
	release  chan struct{}
	reply    string
	err      error
}

func (s *stubCompleter) Name() string { return "stub-chat" }

func (s *stubCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func waitForStatus(t *testing.T, c *ChatClient, sessionID, runID string) RunStatus {
	t.Helper()
	var status RunStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = c.PollRun(context.Background(), sessionID, runID)
		return err == nil && status.Terminal()
	}, time.Second, 5*time.Millisecond)
	return status
}

func TestChatClient_TurnLifecycle(t *testing.T) {
	completer := &stubCompleter{reply: `[{"name":"Aramid","response":"hi"}]`}
	c := NewChatClient(completer, ChatOptions{System: "be brief", Model: "gpt-4o", Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()
	sessionID, err := c.CreateSession(ctx)
	require.NoError(t, err)

	_, err = c.AppendTurn(ctx, sessionID, "hello")
	require.NoError(t, err)

	runID, err := c.StartRun(ctx, sessionID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, waitForStatus(t, c, sessionID, runID))

	messages, err := c.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleAssistant, messages[0].Role)
	assert.Equal(t, `[{"name":"Aramid","response":"hi"}]`, messages[0].Content)
	assert.Equal(t, "hello", messages[1].Content)

	require.Len(t, completer.requests, 1)
	assert.Equal(t, "be brief", completer.requests[0].System)
	assert.Equal(t, "gpt-4o", completer.requests[0].Model)
	assert.Len(t, completer.requests[0].Messages, 1)
}

func TestChatClient_RejectsTurnWhileRunActive(t *testing.T) {
	completer := &stubCompleter{reply: "ok", release: make(chan struct{})}
	c := NewChatClient(completer, ChatOptions{Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()
	sessionID, _ := c.CreateSession(ctx)
	_, _ = c.AppendTurn(ctx, sessionID, "first")
	runID, err := c.StartRun(ctx, sessionID)
	require.NoError(t, err)

	_, err = c.AppendTurn(ctx, sessionID, "second")
	assert.True(t, errors.Is(err, ErrRunActive))

	_, err = c.StartRun(ctx, sessionID)
	assert.True(t, errors.Is(err, ErrRunActive))

	close(completer.release)
	assert.Equal(t, StatusCompleted, waitForStatus(t, c, sessionID, runID))

	_, err = c.AppendTurn(ctx, sessionID, "second")
	assert.NoError(t, err)
}

func TestChatClient_FailedCompletion(t *testing.T) {
	completer := &stubCompleter{err: errors.New("upstream 500")}
	c := NewChatClient(completer, ChatOptions{Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()
	sessionID, _ := c.CreateSession(ctx)
	_, _ = c.AppendTurn(ctx, sessionID, "hello")
	runID, _ := c.StartRun(ctx, sessionID)

	assert.Equal(t, StatusFailed, waitForStatus(t, c, sessionID, runID))

	messages, err := c.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestChatClient_RunTimeoutExpires(t *testing.T) {
	completer := &stubCompleter{release: make(chan struct{})}
	c := NewChatClient(completer, ChatOptions{RunTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()
	sessionID, _ := c.CreateSession(ctx)
	_, _ = c.AppendTurn(ctx, sessionID, "hello")
	runID, _ := c.StartRun(ctx, sessionID)

	assert.Equal(t, StatusExpired, waitForStatus(t, c, sessionID, runID))
}

func TestChatClient_HistoryLimit(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	c := NewChatClient(completer, ChatOptions{HistoryLimit: 2, Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()
	sessionID, _ := c.CreateSession(ctx)
	for _, input := range []string{"one", "two"} {
		_, err := c.AppendTurn(ctx, sessionID, input)
		require.NoError(t, err)
		runID, err := c.StartRun(ctx, sessionID)
		require.NoError(t, err)
		waitForStatus(t, c, sessionID, runID)
	}

	require.Len(t, completer.requests, 2)
	last := completer.requests[1].Messages
	require.Len(t, last, 2)
	assert.Equal(t, RoleAssistant, last[0].Role)
	assert.Equal(t, "two", last[1].Content)
}

func TestChatClient_UnknownSession(t *testing.T) {
	c := NewChatClient(&stubCompleter{}, ChatOptions{Logger: zerolog.Nop()})
	defer c.Close()

	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "chat_missing", "hi")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = c.PollRun(ctx, "chat_missing", "run_x")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	assert.True(t, errors.Is(c.DeleteSession(ctx, "chat_missing"), ErrSessionNotFound))
}

func TestChatClient_DeleteDuringRun(t *testing.T) {
	completer := &stubCompleter{reply: "late", release: make(chan struct{})}
	c := NewChatClient(completer, ChatOptions{Logger: zerolog.Nop()})

	ctx := context.Background()
	sessionID, _ := c.CreateSession(ctx)
	_, _ = c.AppendTurn(ctx, sessionID, "hello")
	_, err := c.StartRun(ctx, sessionID)
	require.NoError(t, err)

	require.NoError(t, c.DeleteSession(ctx, sessionID))
	close(completer.release)
	require.NoError(t, c.Close())

	_, err = c.ListMessages(ctx, sessionID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestChatClient_Family(t *testing.T) {
	c := NewChatClient(&stubCompleter{}, ChatOptions{Logger: zerolog.Nop()})
	defer c.Close()
	assert.Equal(t, "stub-chat", c.Family())
}
