package provider

import (
	"context"
	"sync"
)

// MockAdapter is a scripted Adapter for tests and demos.
type MockAdapter struct {
	mu         sync.Mutex
	responses  []string
	index      int
	err        error
	completeFn func(ctx context.Context, req Request) (Response, error)

	// Calls records every request received.
	Calls []Request
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter returns an adapter that always answers text.
func NewMockAdapter(text string) *MockAdapter {
	return &MockAdapter{responses: []string{text}}
}

// WithResponses cycles through the given responses.
func (m *MockAdapter) WithResponses(responses ...string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.index = 0
	return m
}

// WithError makes every call fail with err.
func (m *MockAdapter) WithError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithCompleteFunc replaces the scripted behavior entirely.
func (m *MockAdapter) WithCompleteFunc(fn func(ctx context.Context, req Request) (Response, error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeFn = fn
	return m
}

// Complete implements Adapter.
func (m *MockAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn, err := m.completeFn, m.err
	text := ""
	if len(m.responses) > 0 {
		text = m.responses[m.index%len(m.responses)]
		m.index++
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return Response{}, err
	}

	prompt := int64(len(req.SystemPrompt)+len(req.Prompt))/4 + 1
	completion := int64(len(text))/4 + 1
	return Response{
		Text:             text,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TokensUsed:       prompt + completion,
	}, nil
}

// CallCount returns the number of calls received.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or nil.
func (m *MockAdapter) LastCall() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	last := m.Calls[len(m.Calls)-1]
	return &last
}

// Reset clears recorded calls and restarts the response cycle.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}
