package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/llm"
)

// scriptedLLM plays canned replies keyed by schema name, in call order.
// Plain-mode calls (no schema) queue under "plain". Scripted JSON is
// validated against the declared schema so fixtures stay honest about what
// the real gateway would accept.
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	calls   []llm.ChatRequest
	window  int
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		replies: make(map[string][]string),
		errs:    make(map[string]error),
		window:  8192,
	}
}

func (s *scriptedLLM) script(schema string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[schema] = append(s.replies[schema], replies...)
}

func (s *scriptedLLM) fail(schema string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[schema] = err
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	name := "plain"
	if req.Schema != nil {
		name = req.Schema.Name
	}
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	queue := s.replies[name]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted reply for %q (call %d)", name, len(s.calls))
	}
	raw := queue[0]
	s.replies[name] = queue[1:]

	res := &llm.ChatResult{
		Text:  raw,
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5},
		Model: "scripted",
	}
	if req.Schema != nil {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, &llm.ProtocolError{Schema: name, Raw: raw, Err: err}
		}
		if err := req.Schema.Validate(doc); err != nil {
			return nil, &llm.ProtocolError{Schema: name, Raw: raw, Err: err}
		}
		res.RawJSON = []byte(raw)
	}
	return res, nil
}

func (s *scriptedLLM) ContextWindow() int {
	return s.window
}

func (s *scriptedLLM) callCount(schema string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		name := "plain"
		if c.Schema != nil {
			name = c.Schema.Name
		}
		if name == schema {
			n++
		}
	}
	return n
}

func (s *scriptedLLM) lastCall(schema string) (llm.ChatRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		name := "plain"
		if s.calls[i].Schema != nil {
			name = s.calls[i].Schema.Name
		}
		if name == schema {
			return s.calls[i], true
		}
	}
	return llm.ChatRequest{}, false
}

func boolPtr(v bool) *bool {
	return &v
}

func testPipelineConfig(redisURL string) *config.Config {
	return &config.Config{
		Cache: &config.CacheConfig{
			RedisURL:          redisURL,
			TTLStageA:         3600,
			TTLStageB:         7200,
			TTLStageC:         1800,
			TTLAssetL1:        60,
			TTLAssetL2:        300,
			TTLTool:           300,
			AssetL1MaxEntries: 100,
		},
		Stages: &config.StagesConfig{
			DeadlineAMS:         3000,
			DeadlineBMS:         500,
			DeadlineCMS:         15000,
			DeadlineDMS:         5000,
			MaxTokensIntent:     100,
			MaxTokensEntities:   150,
			MaxTokensRisk:       200,
			MaxTokensPlan:       2000,
			MaxTokensAnswer:     1500,
			ContextSafetyMargin: 128,
		},
		Pipeline: &config.PipelineConfig{
			RequestDefaultDeadlineMS: 30000,
			ApprovalWindowS:          300,
		},
	}
}

func newTestCache(t *testing.T) (*cache.Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testPipelineConfig("redis://" + mr.Addr())
	mgr, err := cache.NewManager(context.Background(), cfg.Cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, mr
}
