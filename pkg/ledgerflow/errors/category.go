// Package errors provides error categorization, retry, and fallback strategies
// for the decision pipeline.
//
// The package implements a layered approach:
//   - Categorization: classify errors for appropriate handling
//   - Retry: handle transient failures with bounded exponential backoff
//   - Fallback: try the next candidate when one exhausts its retries
//   - Detection: recognize rate-limit shaped failures from any provider
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, timeouts, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, an open circuit breaker.
	CategoryPermanent

	// CategoryEscalatable indicates another provider might succeed.
	// Examples: JSON parse failures, bad request shaped by the prompt.
	CategoryEscalatable

	// CategoryHumanRequired indicates operator intervention is needed.
	// Examples: failed rollback, ambiguous governance outcome.
	CategoryHumanRequired
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryEscalatable:
		return "escalatable"
	case CategoryHumanRequired:
		return "human_required"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return CategoryPermanent
	}

	var exhaustedErr *AllProvidersExhaustedError
	if errors.As(err, &exhaustedErr) {
		return CategoryPermanent
	}

	var rollbackErr *RollbackError
	if errors.As(err, &rollbackErr) {
		return CategoryHumanRequired
	}

	if IsRateLimit(err) {
		return CategoryTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 503, 504:
			return CategoryTransient
		case 401, 403:
			return CategoryPermanent
		case 400:
			return CategoryEscalatable
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var jsonErr *JSONParseError
	if errors.As(err, &jsonErr) {
		return CategoryEscalatable
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsRateLimit reports whether err looks like a provider rate limit: an explicit
// RateLimitError, an HTTP 429, or a message mentioning "429", "quota" or
// "rate limit". The text match is a heuristic; providers word this differently.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	// Aggregate errors describe the dispatcher state, not a single provider.
	var exhaustedErr *AllProvidersExhaustedError
	var circuitErr *CircuitOpenError
	if errors.As(err, &exhaustedErr) || errors.As(err, &circuitErr) {
		return false
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit")
}
