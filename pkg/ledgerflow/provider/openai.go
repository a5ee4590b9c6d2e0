package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// AdapterConfig configures an HTTP provider adapter.
type AdapterConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// OpenAIAdapter calls any OpenAI-compatible chat completions API (OpenAI,
// xAI, DeepSeek) through the official SDK.
type OpenAIAdapter struct {
	client   openai.Client
	provider string
	model    string
}

var _ Adapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates an adapter. SDK retries are disabled; the
// dispatcher owns retry policy.
func NewOpenAIAdapter(cfg AdapterConfig) *OpenAIAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIAdapter{
		client:   openai.NewClient(opts...),
		provider: cfg.Provider,
		model:    cfg.Model,
	}
}

// Complete implements Adapter.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(a.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, a.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: completion has no choices", a.provider)
	}

	model := completion.Model
	if model == "" {
		model = a.model
	}
	return Response{
		Text:             strings.TrimSpace(completion.Choices[0].Message.Content),
		TokensUsed:       completion.Usage.TotalTokens,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		Provider:         a.provider,
		Model:            model,
		Duration:         time.Since(start),
	}, nil
}

func (a *OpenAIAdapter) mapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", a.provider, err)
	}
	httpErr := &lferrors.HTTPError{
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Message,
		Endpoint:   "chat/completions",
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return &lferrors.RateLimitError{Provider: a.provider, Err: httpErr}
	}
	return httpErr
}
