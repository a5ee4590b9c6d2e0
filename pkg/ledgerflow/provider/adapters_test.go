package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/provider"
)

func TestOpenAIAdapter_Complete(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "deepseek-chat",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "  {\"action\":\"hold\"} "}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`)
	}))
	defer srv.Close()

	adapter := provider.NewOpenAIAdapter(provider.AdapterConfig{
		Provider: "deepseek",
		Model:    "deepseek-chat",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
	})
	resp, err := adapter.Complete(context.Background(), provider.Request{
		Prompt:       "analyze",
		SystemPrompt: "respond in JSON",
		MaxTokens:    200,
		Temperature:  0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"hold"}`, resp.Text)
	assert.EqualValues(t, 20, resp.TokensUsed)
	assert.EqualValues(t, 12, resp.PromptTokens)
	assert.EqualValues(t, 8, resp.CompletionTokens)
	assert.Equal(t, "deepseek", resp.Provider)
	assert.Equal(t, "deepseek-chat", resp.Model)

	assert.Equal(t, "deepseek-chat", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "analyze", gjson.GetBytes(body, "messages.1.content").String())
	assert.EqualValues(t, 200, gjson.GetBytes(body, "max_tokens").Int())
}

func TestOpenAIAdapter_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
	}))
	defer srv.Close()

	adapter := provider.NewOpenAIAdapter(provider.AdapterConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: srv.URL})
	_, err := adapter.Complete(context.Background(), provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, lferrors.IsRateLimit(err))

	var rlErr *lferrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "openai", rlErr.Provider)
}

func TestOpenAIAdapter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream failed"}}`)
	}))
	defer srv.Close()

	adapter := provider.NewOpenAIAdapter(provider.AdapterConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: srv.URL})
	_, err := adapter.Complete(context.Background(), provider.Request{Prompt: "hi"})

	var httpErr *lferrors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, lferrors.CategoryTransient, lferrors.Categorize(err))
}

func TestAnthropicAdapter_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "{\"action\":\"rebalance shards\"}"}],
			"usage": {"input_tokens": 30, "output_tokens": 12}
		}`)
	}))
	defer srv.Close()

	adapter := provider.NewAnthropicAdapter(provider.AdapterConfig{
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet-20241022",
		BaseURL:  srv.URL + "/v1/",
		APIKey:   "key-1",
	})
	resp, err := adapter.Complete(context.Background(), provider.Request{
		Prompt:       "analyze",
		SystemPrompt: "strict JSON",
		Temperature:  0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"rebalance shards"}`, resp.Text)
	assert.EqualValues(t, 42, resp.TokensUsed)
	assert.EqualValues(t, 30, resp.PromptTokens)
	assert.Equal(t, "anthropic", resp.Provider)

	system, ok := got["system"].([]any)
	require.True(t, ok, "system is a list of text blocks")
	require.Len(t, system, 1)
	assert.Equal(t, "strict JSON", system[0].(map[string]any)["text"])
	assert.EqualValues(t, 1024, got["max_tokens"])
	assert.EqualValues(t, 0.3, got["temperature"])
}

func TestAnthropicAdapter_Errors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "20")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	adapter := provider.NewAnthropicAdapter(provider.AdapterConfig{Provider: "anthropic", Model: "m", BaseURL: srv.URL})
	_, err := adapter.Complete(context.Background(), provider.Request{Prompt: "hi"})
	var rlErr *lferrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.False(t, rlErr.ResetAt.IsZero())
	assert.Contains(t, err.Error(), "slow down")

	status = http.StatusUnauthorized
	_, err = adapter.Complete(context.Background(), provider.Request{Prompt: "hi"})
	assert.False(t, lferrors.IsRateLimit(err))
	var httpErr *lferrors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestFromAllSettings(t *testing.T) {
	settings := config.DefaultProviders()
	settings[0].APIKey = "a-key"
	settings[3].APIKey = "x-key"

	providers, err := provider.FromAllSettings(settings, nil)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "anthropic", providers[0].Config.ID)
	assert.IsType(t, &provider.AnthropicAdapter{}, providers[0].Adapter)
	assert.Equal(t, "grok", providers[1].Config.ID)
	assert.IsType(t, &provider.OpenAIAdapter{}, providers[1].Adapter)

	_, err = provider.NewAdapter(config.ProviderSettings{ID: "x", Kind: "bogus"}, nil)
	assert.Error(t, err)
}

func TestRegisterKind(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "openai"}, provider.Kinds())

	mock := provider.NewMockAdapter("scripted")
	provider.RegisterKind("scripted", func(provider.AdapterConfig) provider.Adapter { return mock })
	t.Cleanup(func() { provider.RegisterKind("scripted", nil) })

	adapter, err := provider.NewAdapter(config.ProviderSettings{ID: "local", Kind: "scripted"}, nil)
	require.NoError(t, err)
	assert.Same(t, mock, adapter)
	assert.Contains(t, provider.Kinds(), "scripted")
}

func TestMockAdapter(t *testing.T) {
	mock := provider.NewMockAdapter("").WithResponses("first", "second")
	ctx := context.Background()

	r1, _ := mock.Complete(ctx, provider.Request{Prompt: "a"})
	r2, _ := mock.Complete(ctx, provider.Request{Prompt: "b"})
	r3, _ := mock.Complete(ctx, provider.Request{Prompt: "c"})
	assert.Equal(t, []string{"first", "second", "first"}, []string{r1.Text, r2.Text, r3.Text})
	assert.Equal(t, 3, mock.CallCount())
	assert.Equal(t, "c", mock.LastCall().Prompt)

	mock.Reset()
	assert.Nil(t, mock.LastCall())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := mock.Complete(cancelled, provider.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
