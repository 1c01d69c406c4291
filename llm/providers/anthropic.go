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

const (
	anthropicVersion = "2023-06-01"

	// defaultMaxTokens applies when a request sets none; the messages API requires one.
	defaultMaxTokens = 4096

	jsonOnlyInstruction = "Respond with a single JSON object and nothing else."
)

// messagesAPI speaks the Anthropic messages dialect.
type messagesAPI struct{}

func init() {
	llm.RegisterProvider(messagesAPI{})
}

func (messagesAPI) Name() string { return "anthropic" }

func (messagesAPI) Endpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return base + "/v1/messages"
}

func (messagesAPI) Authorize(h http.Header) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		h.Set("x-api-key", key)
	}
	h.Set("anthropic-version", anthropicVersion)
}

type messagesRequest struct {
	Model       string            `json:"model"`
	System      string            `json:"system,omitempty"`
	Messages    []llm.Message     `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature *float64          `json:"temperature,omitempty"`
	Metadata    *messagesMetadata `json:"metadata,omitempty"`
}

type messagesMetadata struct {
	UserID string `json:"user_id"`
}

// Encode lifts system messages into the top-level system field. The API has
// no response_format, so JSON output is requested in the system prompt.
func (messagesAPI) Encode(model string, req llm.Request) ([]byte, error) {
	var system []string
	turns := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return nil, errors.New("no user or assistant turns")
	}
	if req.JSONOutput {
		system = append(system, jsonOnlyInstruction)
	}

	body := messagesRequest{
		Model:       model,
		System:      strings.Join(system, "\n\n"),
		Messages:    turns,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Caller != "" {
		body.Metadata = &messagesMetadata{UserID: req.Caller}
	}
	return json.Marshal(body)
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Decode concatenates the text blocks and reports the stop reason in chat
// completions terms.
func (messagesAPI) Decode(body []byte) (*llm.Response, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: text.String(),
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finishReason(resp.StopReason),
	}, nil
}

func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}
