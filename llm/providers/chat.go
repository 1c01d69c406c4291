// Package providers registers the model API adapters with the llm package.
// Import it for side effects.
package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/callscore/llm"
)

const chatCompletionsPath = "/chat/completions"

// chatCompletions speaks the OpenAI chat completions dialect. Ollama, vLLM,
// OpenAI and OpenRouter differ only in their default host and headers.
type chatCompletions struct {
	name        string
	defaultBase string
	// headers maps a request header to the environment variable holding its value.
	headers map[string]string
}

func init() {
	llm.RegisterProvider(&chatCompletions{
		name:        "ollama",
		defaultBase: "http://localhost:11434/v1",
		headers:     map[string]string{"Authorization": "OPENAI_API_KEY"},
	})
	llm.RegisterProvider(&chatCompletions{
		name:        "openai",
		defaultBase: "https://api.openai.com/v1",
		headers: map[string]string{
			"Authorization": "OPENAI_API_KEY",
			"HTTP-Referer":  "OPENROUTER_SITE_URL",
			"X-Title":       "OPENROUTER_SITE_NAME",
		},
	})
}

func (c *chatCompletions) Name() string { return c.name }

func (c *chatCompletions) Endpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = c.defaultBase
	}
	if strings.HasSuffix(base, chatCompletionsPath) {
		return base
	}
	return base + chatCompletionsPath
}

func (c *chatCompletions) Authorize(h http.Header) {
	for header, env := range c.headers {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if header == "Authorization" {
			v = "Bearer " + v
		}
		h.Set(header, v)
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []llm.Message `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
	// User attributes usage to the scoring agent on dashboards that support it.
	User string `json:"user,omitempty"`
}

type chatFormat struct {
	Type string `json:"type"`
}

func (c *chatCompletions) Encode(model string, req llm.Request) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages")
	}
	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   max(req.MaxTokens, 0),
		User:        req.Caller,
	}
	if req.JSONOutput {
		body.ResponseFormat = &chatFormat{Type: "json_object"}
	}
	return json.Marshal(body)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.TokenUsage `json:"usage"`
}

func (c *chatCompletions) Decode(body []byte) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", c.name)
	}
	choice := resp.Choices[0]
	return &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		Usage:        resp.Usage,
		FinishReason: choice.FinishReason,
	}, nil
}
