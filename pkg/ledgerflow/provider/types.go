// Package provider dispatches completion requests across AI providers.
//
// A Dispatcher holds one Adapter per configured provider and picks the
// preferred eligible one for each request. It bounds in-flight calls per
// provider, tracks usage and rate limits, and guards everything behind a
// global circuit breaker that fails fast, with no I/O, while open.
package provider

import (
	"context"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
)

// Request is one completion request.
type Request struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature"`

	// PreferredProvider is tried first when it is eligible.
	PreferredProvider string `json:"preferredProvider,omitempty"`
}

// Response is the result of a completion.
type Response struct {
	Text             string        `json:"text"`
	TokensUsed       int64         `json:"tokensUsed"`
	PromptTokens     int64         `json:"promptTokens,omitempty"`
	CompletionTokens int64         `json:"completionTokens,omitempty"`
	Cost             float64       `json:"cost"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Duration         time.Duration `json:"duration"`
}

// Adapter calls one external provider.
//
// Implementations return an error satisfying errors.IsRateLimit when the
// provider refuses the call because of a rate or quota limit.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config describes one provider. It is copied into the dispatcher at
// construction and never changes afterwards.
type Config struct {
	ID                 string
	Model              string
	Priority           int // lower is preferred
	MaxRetries         int
	RequestsPerMinute  int
	DailyTokenLimit    int64
	CostPerToken       float64
	InputCostPerToken  float64
	OutputCostPerToken float64

	// MaxConcurrent bounds in-flight calls. Zero uses the dispatcher default.
	MaxConcurrent int
}

// FromSettings converts configured provider settings.
func FromSettings(ps config.ProviderSettings) Config {
	return Config{
		ID:                 ps.ID,
		Model:              ps.Model,
		Priority:           ps.Priority,
		MaxRetries:         ps.MaxRetries,
		RequestsPerMinute:  ps.RequestsPerMinute,
		DailyTokenLimit:    ps.DailyTokenLimit,
		CostPerToken:       ps.CostPerToken,
		InputCostPerToken:  ps.InputCostPerToken,
		OutputCostPerToken: ps.OutputCostPerToken,
	}
}

// Cost prices a completion. When only a total is known it is split 30%
// prompt and 70% completion. Without separate input/output prices the flat
// per-token price applies.
func (c Config) Cost(promptTokens, completionTokens, totalTokens int64) float64 {
	in, out := float64(promptTokens), float64(completionTokens)
	if promptTokens == 0 && completionTokens == 0 && totalTokens > 0 {
		in = 0.3 * float64(totalTokens)
		out = 0.7 * float64(totalTokens)
	}
	if c.InputCostPerToken > 0 || c.OutputCostPerToken > 0 {
		return in*c.InputCostPerToken + out*c.OutputCostPerToken
	}
	return (in + out) * c.CostPerToken
}

// Provider pairs a config with its adapter.
type Provider struct {
	Config  Config
	Adapter Adapter
}
