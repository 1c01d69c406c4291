// Package main implements an OpenAI-compatible mock model server for local
// runs and wiring tests of callscore.
//
// Requests are routed by agent, recognised from the system prompt: one of the
// extraction kinds (pain-point, objection, ...) or synthesis. Each agent
// answers with its built-in example output unless a fixture overrides it.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by agent ("objection.json"). Numbered files
// ("synthesis.1.json", "synthesis.2.json") are served in order on successive
// calls, then the base file repeats. A fixture body that is not valid JSON is
// served as-is, which exercises the validation retry path.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/synthesis"
)

const synthesisAgent = "synthesis"

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-agent call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // agent → ordered fixture contents
	calls    atomic.Int64
	logger   *slog.Logger

	mu       sync.Mutex
	counts   map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		counts:   make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", os.Getenv("MOCK_LLM_FIXTURES"), "directory containing fixture overrides")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fixtures := map[string][]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		for agent, seq := range fixtures {
			logger.Info("Fixture loaded", "agent", agent, "count", len(seq))
		}
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock model server listening", "addr", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	agent := agentFor(req.Messages)
	if agent == "" {
		s.logger.Warn("Unrecognised prompt", "call", callNum, "model", req.Model)
		http.Error(w, "no agent recognised in system prompt", http.StatusNotFound)
		return
	}

	callIndex := s.record(agent, req)
	content := s.contentFor(agent, callIndex)

	s.logger.Debug("Serving completion", "call", callNum, "agent", agent, "call_index", callIndex+1)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// record captures the request and returns its 0-indexed per-agent call number.
func (s *server) record(agent string, req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.counts[agent]
	s.counts[agent] = idx + 1
	s.requests[agent] = append(s.requests[agent], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: idx + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	return idx
}

func (s *server) contentFor(agent string, callIndex int) string {
	if seq, ok := s.fixtures[agent]; ok {
		if callIndex < len(seq) {
			return seq[callIndex]
		}
		return seq[len(seq)-1]
	}
	if agent == synthesisAgent {
		return synthesis.Example()
	}
	return extraction.Kind(agent).Example()
}

// agentFor identifies the calling agent from the system prompt.
func agentFor(messages []chatMessage) string {
	var system string
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			break
		}
	}
	if system == "" {
		return ""
	}
	for _, k := range extraction.AllKinds() {
		if strings.Contains(system, "## Task: "+k.Title()+"\n") {
			return string(k)
		}
	}
	if strings.Contains(system, "coaching report") {
		return synthesisAgent
	}
	return ""
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byAgent := make(map[string]int, len(s.counts))
	for agent, n := range s.counts {
		byAgent[agent] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_agent": byAgent,
	})
}

// handleRequests returns captured requests, optionally filtered by the
// agent and call (1-indexed) query parameters.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	agentFilter := r.URL.Query().Get("agent")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for agent, reqs := range s.requests {
		if agentFilter != "" && agent != agentFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[agent] = append(result[agent], req)
			}
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_agent": result,
	})
}

// numberedFileRe matches files like "objection.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads fixture files from dir. Numbered files come first in
// numeric order, followed by the base file as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		if m := numberedFileRe.FindStringSubmatch(e.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			continue
		}
		base[strings.TrimSuffix(e.Name(), ".json")] = string(data)
	}

	fixtures := make(map[string][]string)
	for agent, byIdx := range numbered {
		indices := make([]int, 0, len(byIdx))
		for idx := range byIdx {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[agent] = append(fixtures[agent], byIdx[idx])
		}
	}
	for agent, content := range base {
		fixtures[agent] = append(fixtures[agent], content)
	}

	for agent := range fixtures {
		if agent != synthesisAgent && !extraction.Kind(agent).IsValid() {
			return nil, fmt.Errorf("fixture for unknown agent %q", agent)
		}
	}
	return fixtures, nil
}
