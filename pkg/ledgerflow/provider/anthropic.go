package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

const defaultMaxTokens = 1024

// AnthropicAdapter calls the Anthropic messages API through the official SDK.
type AnthropicAdapter struct {
	client   anthropic.Client
	provider string
	model    string
}

var _ Adapter = (*AnthropicAdapter)(nil)

// NewAnthropicAdapter creates an adapter. SDK retries are disabled; the
// dispatcher owns retry policy. A base URL ending in /v1 is accepted.
func NewAnthropicAdapter(cfg AdapterConfig) *AnthropicAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := anthropicBaseURL(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &AnthropicAdapter{
		client:   anthropic.NewClient(opts...),
		provider: cfg.Provider,
		model:    cfg.Model,
	}
}

// anthropicBaseURL strips the version segment; the SDK adds v1/messages.
func anthropicBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/v1") + "/"
}

// Complete implements Adapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, a.mapError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Response{}, fmt.Errorf("%s: messages response has no text content", a.provider)
	}

	model := string(msg.Model)
	if model == "" {
		model = a.model
	}
	in, out := msg.Usage.InputTokens, msg.Usage.OutputTokens
	return Response{
		Text:             strings.TrimSpace(text),
		TokensUsed:       in + out,
		PromptTokens:     in,
		CompletionTokens: out,
		Provider:         a.provider,
		Model:            model,
		Duration:         time.Since(start),
	}, nil
}

func (a *AnthropicAdapter) mapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", a.provider, err)
	}
	msg := gjson.Get(apiErr.RawJSON(), "error.message").String()
	if msg == "" {
		msg = apiErr.Error()
	}
	httpErr := &lferrors.HTTPError{
		StatusCode: apiErr.StatusCode,
		Message:    msg,
		Endpoint:   "messages",
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		return httpErr
	}
	rlErr := &lferrors.RateLimitError{Provider: a.provider, Err: httpErr}
	if apiErr.Response != nil {
		if secs, err := strconv.Atoi(apiErr.Response.Header.Get("retry-after")); err == nil && secs > 0 {
			rlErr.ResetAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return rlErr
}
