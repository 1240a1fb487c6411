package backend

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// FamilyOpenAIChat identifies the OpenAI chat completions backend.
const FamilyOpenAIChat = "openai-chat"

// OpenAICompleter implements Completer with OpenAI chat completions.
type OpenAICompleter struct {
	client openai.Client
}

// NewOpenAICompleter wraps an OpenAI client.
func NewOpenAICompleter(client openai.Client) *OpenAICompleter {
	return &OpenAICompleter{client: client}
}

// Name returns the backend family name
func (p *OpenAICompleter) Name() string {
	return FamilyOpenAIChat
}

// Complete sends the conversation and returns the first choice's content.
func (p *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	return response.Choices[0].Message.Content, nil
}
