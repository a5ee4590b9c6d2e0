package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the dispatcher and router.
var (
	// ErrNoProvidersAvailable indicates no provider is configured or eligible.
	ErrNoProvidersAvailable = errors.New("no providers available")

	// ErrProviderNotFound indicates a provider id is not configured.
	ErrProviderNotFound = errors.New("provider not found")
)

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitError indicates a provider refused the call because of a rate or
// quota limit.
type RateLimitError struct {
	Provider string
	ResetAt  time.Time
	Err      error
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s rate limited: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// Unwrap returns the underlying error.
func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned without any provider I/O while the global
// circuit breaker is open.
type CircuitOpenError struct {
	OpenedAt  time.Time
	Remaining time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: retry in %s", e.Remaining.Round(time.Millisecond))
}

// AllProvidersExhaustedError indicates every eligible provider was tried or is
// rate limited.
type AllProvidersExhaustedError struct {
	Tried []string
	Last  error
}

// Error implements the error interface.
func (e *AllProvidersExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all providers rate limited or exhausted (tried %v): %v", e.Tried, e.Last)
	}
	return fmt.Sprintf("all providers rate limited or exhausted (tried %v)", e.Tried)
}

// Unwrap returns the last provider error.
func (e *AllProvidersExhaustedError) Unwrap() error {
	return e.Last
}

// JSONParseError indicates failure to parse JSON from provider output.
type JSONParseError struct {
	Input   string
	Message string
}

// Error implements the error interface.
func (e *JSONParseError) Error() string {
	return fmt.Sprintf("JSON parse error: %s", e.Message)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// RollbackError indicates a rollback could not be applied. Callers must not
// swallow it: ledger state may be partially restored.
type RollbackError struct {
	ExecutionID string
	Err         error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of execution %s failed: %v", e.ExecutionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}
