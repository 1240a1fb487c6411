package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// FamilyAnthropicChat identifies the Anthropic messages backend.
const FamilyAnthropicChat = "anthropic-chat"

const defaultAnthropicMaxTokens = 1024

// AnthropicCompleter implements Completer with the Anthropic messages API.
type AnthropicCompleter struct {
	client anthropic.Client
}

// NewAnthropicCompleter wraps an Anthropic client.
func NewAnthropicCompleter(client anthropic.Client) *AnthropicCompleter {
	return &AnthropicCompleter{client: client}
}

// Name returns the backend family name
func (p *AnthropicCompleter) Name() string {
	return FamilyAnthropicChat
}

// Complete sends the conversation and concatenates the returned text blocks.
func (p *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []anthropic.MessageParam{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("no text content returned")
	}
	return text.String(), nil
}
