package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"mailtriage/internal/apperr"
	"mailtriage/internal/domain"
)

type openAIProvider struct {
	client *openai.Client
	model  string
}

func newOpenAI(apiKey, model string, hc *http.Client) *openAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if hc != nil {
		cfg.HTTPClient = hc
	}
	return &openAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  orDefault(model, defaultOpenAIModel),
	}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (string, domain.Usage, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens: maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", domain.Usage{}, openAIError(err)
	}
	usage := domain.Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("openai: no choices: %w", apperr.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &apperr.StatusError{Service: "openai", Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &apperr.StatusError{Service: "openai", Status: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}
