package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Streamer on the OpenAI chat completions API.
// Any OpenAI-compatible endpoint (OpenRouter, vLLM, ...) works via
// baseURL.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI-backed streamer. baseURL may be empty for
// the default endpoint.
func NewOpenAI(apiKey, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(config)}
}

// StreamChat issues a streaming chat completion and forwards deltas.
func (c *OpenAIClient) StreamChat(ctx context.Context, req ChatRequest, fn func(Event) error) error {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  msgs,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("create completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fn(Event{Type: EventMessageStop})
		}
		if err != nil {
			return fmt.Errorf("receive stream event: %w", err)
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if err := fn(Event{Type: EventTextDelta, TextDelta: choice.Delta.Content}); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			return fn(Event{Type: EventMessageStop})
		}
	}
}
