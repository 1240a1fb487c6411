package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

// FamilyAssistant identifies the OpenAI Assistants backend.
const FamilyAssistant = "openai-assistant"

// AssistantClient implements Client over OpenAI threads and runs.
type AssistantClient struct {
	client      openai.Client
	assistantID string
	listLimit   int64
}

// NewAssistantClient binds an OpenAI client to one assistant.
func NewAssistantClient(client openai.Client, assistantID string) *AssistantClient {
	return &AssistantClient{
		client:      client,
		assistantID: assistantID,
		listLimit:   20,
	}
}

// Family returns the backend family name
func (c *AssistantClient) Family() string {
	return FamilyAssistant
}

// CreateSession creates an empty thread.
func (c *AssistantClient) CreateSession(ctx context.Context) (string, error) {
	thread, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", classifyOpenAIError(err))
	}
	return thread.ID, nil
}

// DeleteSession deletes the thread.
func (c *AssistantClient) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := c.client.Beta.Threads.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete thread %s: %w", sessionID, classifyOpenAIError(err))
	}
	return nil
}

// AppendTurn adds a user message to the thread.
func (c *AssistantClient) AppendTurn(ctx context.Context, sessionID, content string) (string, error) {
	msg, err := c.client.Beta.Threads.Messages.New(ctx, sessionID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(content),
		},
	})
	if err != nil {
		return "", fmt.Errorf("append message to %s: %w", sessionID, classifyOpenAIError(err))
	}
	return msg.ID, nil
}

// StartRun starts the bound assistant on the thread.
func (c *AssistantClient) StartRun(ctx context.Context, sessionID string) (string, error) {
	run, err := c.client.Beta.Threads.Runs.New(ctx, sessionID, openai.BetaThreadRunNewParams{
		AssistantID: c.assistantID,
	})
	if err != nil {
		return "", fmt.Errorf("start run on %s: %w", sessionID, classifyOpenAIError(err))
	}
	return run.ID, nil
}

// PollRun retrieves the run and folds its status into RunStatus.
func (c *AssistantClient) PollRun(ctx context.Context, sessionID, runID string) (RunStatus, error) {
	run, err := c.client.Beta.Threads.Runs.Get(ctx, sessionID, runID)
	if err != nil {
		err = classifyOpenAIError(err)
		if errors.Is(err, ErrSessionNotFound) || isNotFound(err) {
			err = fmt.Errorf("%w: %w", ErrRunNotFound, err)
		}
		return "", fmt.Errorf("poll run %s: %w", runID, err)
	}
	return foldRunStatus(string(run.Status)), nil
}

// ListMessages returns the newest page of the thread, most recent first.
func (c *AssistantClient) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	page, err := c.client.Beta.Threads.Messages.List(ctx, sessionID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(c.listLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", sessionID, classifyOpenAIError(err))
	}

	messages := make([]Message, 0, len(page.Data))
	for _, m := range page.Data {
		var text strings.Builder
		for _, part := range m.Content {
			if part.Type == "text" {
				text.WriteString(part.Text.Value)
			}
		}
		messages = append(messages, Message{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   text.String(),
			CreatedAt: time.Unix(m.CreatedAt, 0),
		})
	}
	return messages, nil
}

// foldRunStatus maps the Assistants run lifecycle onto the five polling states.
// requires_action is treated as in progress: no tools are registered, so such
// a run ends by expiry or by the poll budget.
func foldRunStatus(status string) RunStatus {
	switch status {
	case "completed":
		return StatusCompleted
	case "failed", "incomplete":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	default:
		return StatusInProgress
	}
}

// classifyOpenAIError maps API errors onto the client sentinels. Only a 404
// naming a missing thread is ErrSessionNotFound; other 404s (an unknown
// assistant id, say) are configuration problems and stay as they are.
func classifyOpenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already has an active run") {
		return fmt.Errorf("%w: %w", ErrRunActive, err)
	}
	if isNotFound(err) && strings.Contains(msg, "no thread found") {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
