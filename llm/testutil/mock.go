// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/callscore/llm"
)

// Handler scripts a mock response per request. It runs without the mock's
// lock held, so it may block on ctx to simulate slow models.
type Handler func(ctx context.Context, req llm.Request) (*llm.Response, error)

// MockLLMClient is a thread-safe mock model client for testing.
// It records every request and returns scripted responses.
//
// Usage:
//
//	// Sequenced responses (for retry testing)
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: "not json", Model: "test-model"},
//	        {Content: `{"items": []}`, Model: "test-model"},
//	    },
//	}
//
//	// Per-caller behavior
//	mock := &MockLLMClient{
//	    Handler: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
//	        if req.Caller == "objection" {
//	            return nil, llm.NewTransientError(errors.New("503"))
//	        }
//	        return &llm.Response{Content: `{}`}, nil
//	    },
//	}
type MockLLMClient struct {
	mu            sync.Mutex
	Handler       Handler         // Takes precedence over Err and Responses
	Responses     []*llm.Response // Responses to return in sequence
	Err           error           // Error to return (takes precedence over Responses)
	requests      []llm.Request
	responseIndex int
}

var _ llm.Completer = (*MockLLMClient)(nil)

// Complete implements llm.Completer.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.Handler
	if handler == nil {
		defer m.mu.Unlock()
		if m.Err != nil {
			return nil, m.Err
		}
		if m.responseIndex < len(m.Responses) {
			resp := m.Responses[m.responseIndex]
			m.responseIndex++
			return resp, nil
		}
		return &llm.Response{Content: "", Model: "test-model"}, nil
	}
	m.mu.Unlock()

	return handler(ctx, req)
}

// GetCallCount returns the number of times Complete() was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CallsFor returns how many requests were issued by the named caller.
func (m *MockLLMClient) CallsFor(caller string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.requests {
		if r.Caller == caller {
			n++
		}
	}
	return n
}

// Requests returns a copy of every request received, in arrival order.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Reset clears recorded requests and the response cursor.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
}
