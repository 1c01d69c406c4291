package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/callscore/llm"
	_ "github.com/c360studio/callscore/llm/providers" // Register providers
	"github.com/c360studio/callscore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
	}
}

func testRegistry(urls ...string) *model.Registry {
	f := model.File{Endpoints: map[string]model.Endpoint{}}
	var chain []string
	for i, u := range urls {
		name := []string{"primary", "secondary", "tertiary"}[i]
		f.Endpoints[name] = model.Endpoint{Provider: "ollama", URL: u, Model: "test-model"}
		chain = append(chain, name)
	}
	f.Capabilities = map[model.Capability]model.Route{
		model.CapabilityExtraction: {Preferred: chain[:1], Fallback: chain[1:]},
	}
	return model.NewRegistry(f)
}

func extractionRequest() llm.Request {
	return llm.Request{
		Capability: "extraction",
		Caller:     "pain-point",
		Messages:   []llm.Message{{Role: "user", Content: "transcript"}},
		JSONOutput: true,
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		_ = json.NewEncoder(w).Encode(chatCompletion(`{"items": []}`))
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL))

	resp, err := client.Complete(context.Background(), extractionRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"items": []}`, resp.Content)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestClient_Complete_FallbackOnTransient(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatCompletion(`{"from": "secondary"}`))
	}))
	defer secondary.Close()

	registry := testRegistry(primary.URL, secondary.URL)
	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), extractionRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"from": "secondary"}`, resp.Content)
	assert.Equal(t, int32(1), primaryCalls.Load())

	health, ok := registry.Health("primary")
	require.True(t, ok)
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.False(t, health.Open())
}

func TestClient_Complete_FatalStopsFallback(t *testing.T) {
	var secondaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondaryCalls.Add(1)
	}))
	defer secondary.Close()

	client := llm.NewClient(testRegistry(primary.URL, secondary.URL))

	_, err := client.Complete(context.Background(), extractionRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	var callErr *llm.Error
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusUnauthorized, callErr.Status)
	assert.Equal(t, int32(0), secondaryCalls.Load())
}

func TestClient_Complete_AllEndpointsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL, server.URL))

	_, err := client.Complete(context.Background(), extractionRequest())
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "all endpoints failed")
}

func TestClient_Complete_EndpointRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(chatCompletion(`{}`))
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL), llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}))

	_, err := client.Complete(context.Background(), extractionRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL, server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Complete(ctx, extractionRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_Complete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatCompletion(`{}`))
	}))
	defer server.Close()

	// Burst of one, refill far in the future: the second call must wait and time out.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	client := llm.NewClient(testRegistry(server.URL), llm.WithRateLimit(limiter))

	_, err := client.Complete(context.Background(), extractionRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, extractionRequest())
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{Capability: "synthesis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one message")

	_, err = client.Complete(context.Background(), llm.Request{
		Capability: "coding",
		Messages:   []llm.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "no models configured")
}
