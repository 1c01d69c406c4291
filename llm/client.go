// Package llm provides a provider-agnostic model client with fallback support.
// It integrates with the model.Registry for capability-based model selection.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/callscore/model"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer is the model invocation surface used by agents.
// *Client implements it; tests substitute testutil.MockLLMClient.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a provider-agnostic model client with fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Capability selects the registry route ("extraction" or "synthesis").
	// The registry resolves this to available models.
	Capability string

	// Caller names the agent issuing the request, e.g. "pain-point" or "synthesis".
	// Used for log correlation and by test doubles.
	Caller string

	// Messages is the chat history to send to the model.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int

	// JSONOutput asks providers that support it to constrain output to a JSON object.
	JSONOutput bool
}

// TokenUsage represents token consumption details for a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason uses the chat completions vocabulary ("stop", "length").
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the per-endpoint retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithRateLimit throttles outgoing requests across all callers of this client.
func WithRateLimit(limiter *rate.Limiter) ClientOption {
	return func(client *Client) {
		client.limiter = limiter
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a new model client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, walking the capability's fallback chain.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, NewFatalError(fmt.Errorf("capability is required"))
	}
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	requestID := uuid.New().String()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewTransientError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	chain := c.registry.Chain(model.Capability(req.Capability))
	if len(chain) == 0 {
		return nil, NewFatalError(fmt.Errorf("no models configured for capability %s", req.Capability))
	}

	var lastErr error
	for _, epName := range chain {
		endpoint, ok := c.registry.Endpoint(epName)
		if !ok {
			c.logger.Debug("No endpoint configured, skipping", "endpoint", epName)
			continue
		}

		resp, err := c.tryEndpointWithRetry(ctx, endpoint, epName, req)
		if err == nil {
			resp.RequestID = requestID
			c.logger.Debug("Model call completed",
				"request_id", requestID,
				"caller", req.Caller,
				"model", resp.Model,
				"total_tokens", resp.Usage.TotalTokens)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, NewTransientError(fmt.Errorf("request %s: %w", requestID, ctx.Err()))
		}

		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"caller", req.Caller,
			"endpoint", epName,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, NewFatalError(fmt.Errorf("no usable endpoint for capability %s", req.Capability))
	}
	return nil, fmt.Errorf("all endpoints failed for capability %s: %w", req.Capability, lastErr)
}

// tryEndpointWithRetry attempts a request against one endpoint with retry logic.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep model.Endpoint, epName string, req Request) (*Response, error) {
	attempts := max(c.retryConfig.MaxAttempts, 1)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.RecordSuccess(epName)
			return resp, nil
		}

		lastErr = err

		// Auth and bad-request failures are configuration problems, not endpoint health.
		if IsFatal(err) {
			return nil, err
		}

		if attempt < attempts {
			backoff := c.retryConfig.backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, NewTransientError(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	if ctx.Err() == nil {
		c.registry.RecordFailure(epName)
	}
	return nil, lastErr
}

// doRequest executes a single HTTP request to the endpoint.
func (c *Client) doRequest(ctx context.Context, ep model.Endpoint, req Request) (*Response, error) {
	provider, ok := LookupProvider(ep.Provider)
	if !ok {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	body, err := provider.Encode(ep.Model, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("encode %s request: %w", ep.Provider, err))
	}

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"caller", req.Caller,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint(ep.URL), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.Authorize(httpReq.Header)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.Decode(respBody)
	if err != nil {
		// A garbled body from a healthy status is usually a proxy hiccup.
		return nil, NewTransientError(err)
	}
	return resp, nil
}
