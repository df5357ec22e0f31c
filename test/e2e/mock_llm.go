package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Stage markers: each pipeline stage carries a distinctive phrase in its
// system prompt, which is how the mock backend routes a completion request
// to the right scripted reply.
var stageMarkers = map[string]string{
	"intent":   "intent classifier",
	"entities": "extract typed entities",
	"risk":     "assess execution risk",
	"plan":     "write execution plans",
	"answer":   "answer IT operations requests",
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// mockLLM is an OpenAI-compatible chat/completions backend that plays
// scripted replies per pipeline stage, in call order. It can also be
// switched into a failure mode that answers every call with a fixed HTTP
// status, which is how the outage scenarios are driven.
type mockLLM struct {
	mu         sync.Mutex
	replies    map[string][]string
	counts     map[string]int
	failStatus int
	requests   []chatRequest

	server *httptest.Server
}

func newMockLLM() *mockLLM {
	m := &mockLLM{
		replies: make(map[string][]string),
		counts:  make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockLLM) URL() string { return m.server.URL }

func (m *mockLLM) Close() { m.server.Close() }

// script queues replies for a stage ("intent", "entities", "risk", "plan",
// "answer"). Replies are consumed in order.
func (m *mockLLM) script(stage string, replies ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[stage] = append(m.replies[stage], replies...)
}

// failAll makes every subsequent call answer with the given status code.
// Pass 0 to restore normal operation.
func (m *mockLLM) failAll(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
}

// calls reports how many completion requests were routed to a stage.
func (m *mockLLM) calls(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[stage]
}

func (m *mockLLM) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.failStatus != 0 {
		http.Error(w, `{"error":"backend down"}`, m.failStatus)
		return
	}

	stage := routeStage(req.Messages)
	if stage == "" {
		http.Error(w, "no stage marker in prompt", http.StatusBadRequest)
		return
	}
	m.counts[stage]++

	queue := m.replies[stage]
	if len(queue) == 0 {
		http.Error(w, fmt.Sprintf("no scripted reply for stage %q", stage), http.StatusBadRequest)
		return
	}
	content := queue[0]
	m.replies[stage] = queue[1:]

	resp := map[string]any{
		"model": "mock-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 6},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func routeStage(messages []chatMessage) string {
	for _, msg := range messages {
		for stage, marker := range stageMarkers {
			if strings.Contains(msg.Content, marker) {
				return stage
			}
		}
	}
	return ""
}
