package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryEscalatable, "escalatable"},
		{CategoryHumanRequired, "human_required"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 500", &HTTPError{StatusCode: 500}, CategoryTransient},
		{"HTTP 401", &HTTPError{StatusCode: 401}, CategoryPermanent},
		{"HTTP 400", &HTTPError{StatusCode: 400}, CategoryEscalatable},
		{"HTTP 404", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"rate limit", &RateLimitError{Provider: "openai"}, CategoryTransient},
		{"quota text", errors.New("monthly quota exceeded"), CategoryTransient},
		{"circuit open", &CircuitOpenError{Remaining: time.Second}, CategoryPermanent},
		{"exhausted", &AllProvidersExhaustedError{Last: &RateLimitError{}}, CategoryPermanent},
		{"rollback", &RollbackError{ExecutionID: "x", Err: errors.New("boom")}, CategoryHumanRequired},
		{"JSON parse error", &JSONParseError{Message: "unexpected token"}, CategoryEscalatable},
		{"timeout", &TimeoutError{Operation: "complete", Duration: "30s"}, CategoryTransient},
		{"categorized", &CategorizedError{Category: CategoryTransient}, CategoryTransient},
		{"unknown", errors.New("unknown"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &RateLimitError{Provider: "grok"}, true},
		{"wrapped typed", fmt.Errorf("call: %w", &RateLimitError{Provider: "grok"}), true},
		{"http 429", &HTTPError{StatusCode: 429}, true},
		{"http 500", &HTTPError{StatusCode: 500, Message: "oops"}, false},
		{"text 429", errors.New("status 429 too many requests"), true},
		{"text quota", errors.New("Quota exhausted for today"), true},
		{"text rate limit", errors.New("Rate Limit reached"), true},
		{"plain", errors.New("connection refused"), false},
		{"exhausted aggregate", &AllProvidersExhaustedError{Last: &RateLimitError{}}, false},
		{"circuit open", &CircuitOpenError{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimit(tt.err); got != tt.want {
				t.Errorf("IsRateLimit(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("error message with context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryTransient, "provider call")
		expected := "provider call: failed (category: transient, attempts: 0)"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner error")
		err := Permanent(inner, "test")
		if !errors.Is(err, inner) {
			t.Error("Unwrap should return inner error")
		}
	})
}

func TestWithRetryContext(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after transient failure", func(t *testing.T) {
		calls := 0
		result := WithRetryContext(context.Background(), fast, func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", &TimeoutError{Operation: "complete", Duration: "1s"}
			}
			return "ok", nil
		})
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Value != "ok" || result.Attempts != 2 {
			t.Errorf("got value=%q attempts=%d", result.Value, result.Attempts)
		}
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		calls := 0
		result := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			return 0, &HTTPError{StatusCode: 401}
		})
		if result.Err == nil || calls != 1 {
			t.Errorf("expected one failing call, got calls=%d err=%v", calls, result.Err)
		}
	})

	t.Run("provider retry skips rate limits", func(t *testing.T) {
		cfg := NewRetryConfig(ProviderRetry, WithInitialBackoff(time.Millisecond))
		calls := 0
		result := WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
			calls++
			return 0, &RateLimitError{Provider: "openai"}
		})
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
		var rl *RateLimitError
		if !errors.As(result.Err, &rl) {
			t.Errorf("expected RateLimitError in chain, got %v", result.Err)
		}
	})

	t.Run("provider retry is a single retry", func(t *testing.T) {
		cfg := NewRetryConfig(ProviderRetry, WithInitialBackoff(time.Millisecond))
		calls := 0
		WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
			calls++
			return 0, &HTTPError{StatusCode: 503}
		})
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result := WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			t.Fatal("should not be called")
			return 0, nil
		})
		if result.Err == nil || result.Attempts != 0 {
			t.Errorf("expected cancellation error, got %v", result.Err)
		}
	})
}

func TestFallback(t *testing.T) {
	t.Run("first success wins", func(t *testing.T) {
		var switches []string
		result := Fallback(context.Background(), []string{"a", "b", "c"},
			func(_ context.Context, c string) (string, error) {
				if c == "a" {
					return "", errors.New("a down")
				}
				return "from-" + c, nil
			},
			WithFallbackLogger(discardLogger()),
			WithOnFallback(func(from, to string, _ error) {
				switches = append(switches, from+"->"+to)
			}),
		)
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Value != "from-b" || result.Candidate != "b" || result.Attempts != 2 {
			t.Errorf("unexpected result %+v", result)
		}
		if len(switches) != 1 || switches[0] != "a->b" {
			t.Errorf("unexpected switches %v", switches)
		}
	})

	t.Run("all fail returns last error", func(t *testing.T) {
		last := errors.New("c down")
		result := Fallback(context.Background(), []string{"a", "c"},
			func(_ context.Context, c string) (int, error) {
				if c == "c" {
					return 0, last
				}
				return 0, errors.New("a down")
			},
			WithFallbackLogger(discardLogger()),
		)
		if !errors.Is(result.Err, last) || result.Attempts != 2 {
			t.Errorf("unexpected result %+v", result)
		}
	})

	t.Run("stop on circuit open", func(t *testing.T) {
		calls := 0
		result := Fallback(context.Background(), []string{"a", "b"},
			func(context.Context, string) (int, error) {
				calls++
				return 0, &CircuitOpenError{Remaining: time.Second}
			},
			WithFallbackLogger(discardLogger()),
			WithStopOn(func(err error) bool {
				var c *CircuitOpenError
				return errors.As(err, &c)
			}),
		)
		if calls != 1 || result.Err == nil {
			t.Errorf("expected chain to stop after first candidate, calls=%d", calls)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		result := Fallback(context.Background(), nil, func(context.Context, string) (int, error) {
			return 1, nil
		})
		if !errors.Is(result.Err, ErrNoProvidersAvailable) {
			t.Errorf("expected ErrNoProvidersAvailable, got %v", result.Err)
		}
	})
}
