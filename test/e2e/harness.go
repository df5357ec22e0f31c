// Package e2e drives the whole pipeline through the HTTP surface: a real
// LLM client against a scripted mock backend, miniredis for the cache tier,
// and stub Asset/Automation services. No external processes are involved.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/api"
	"github.com/opsconductor/opsconductor/pkg/assets"
	"github.com/opsconductor/opsconductor/pkg/automation"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

const testCatalog = `
version: "e2e-1"
tools:
  - name: asset_inventory_query
    version: "1.2.0"
    description: Query the asset inventory.
    category: asset_management
    required_entity_types: [environment]
    read_only: true
    production_safe: true
    expected_duration_s: 5
  - name: service_restart
    version: "2.0.1"
    description: Restart a managed service.
    category: service_management
    required_entity_types: [service, host]
    production_safe: true
    high_risk: true
    expected_duration_s: 30
  - name: db_delete
    version: "1.0.0"
    description: Delete a database.
    category: database_management
    required_entity_types: [database]
    destructive: true
    high_risk: true
    production_safe: true
    expected_duration_s: 10
`

// assetStub is the Asset service: a fixed inventory served over HTTP.
type assetStub struct {
	mu     sync.Mutex
	byID   map[string]models.AssetContext
	server *httptest.Server
}

func newAssetStub() *assetStub {
	s := &assetStub{byID: make(map[string]models.AssetContext)}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *assetStub) add(a models.AssetContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.AssetID] = a
}

func (s *assetStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/assets" {
		list := make([]models.AssetContext, 0, len(s.byID))
		for _, a := range s.byID {
			list = append(list, a)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"assets": list})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/assets/")
	a, ok := s.byID[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(a)
}

// automationStub is the Automation service: it accepts dispatches and
// serves one scripted execution snapshot per poll.
type automationStub struct {
	mu         sync.Mutex
	plans      []*models.Plan
	requestIDs []string
	state      automation.ExecutionState
	cancels    int
	server     *httptest.Server
}

func newAutomationStub() *automationStub {
	s := &automationStub{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// completeWith scripts the terminal snapshot every status poll returns.
func (s *automationStub) completeWith(state automation.ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *automationStub) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

func (s *automationStub) lastPlan() *models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) == 0 {
		return nil
	}
	return s.plans[len(s.plans)-1]
}

func (s *automationStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/executions":
		var body struct {
			RequestID string       `json:"request_id"`
			Plan      *models.Plan `json:"plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad dispatch body", http.StatusBadRequest)
			return
		}
		s.plans = append(s.plans, body.Plan)
		s.requestIDs = append(s.requestIDs, body.RequestID)
		_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": "exec-1"})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		s.cancels++
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/executions/"):
		state := s.state
		state.ExecutionID = "exec-1"
		_ = json.NewEncoder(w).Encode(state)

	default:
		http.NotFound(w, r)
	}
}

// harness wires the whole stack behind the API server's handler chain.
type harness struct {
	t *testing.T

	llm        *mockLLM
	redis      *miniredis.Miniredis
	assets     *assetStub
	automation *automationStub
	cacheMgr   *cache.Manager
	server     *api.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mock := newMockLLM()
	t.Cleanup(mock.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	assetSrv := newAssetStub()
	t.Cleanup(assetSrv.server.Close)
	autoSrv := newAutomationStub()
	t.Cleanup(autoSrv.server.Close)

	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	disabled := false
	cfg := &config.Config{
		HTTP: &config.HTTPConfig{Addr: ":0", ShutdownTimeout: time.Second},
		LLM: &config.LLMConfig{
			Provider:        "openai-compatible",
			BaseURL:         mock.URL(),
			Model:           "mock-model",
			TimeoutS:        5,
			MaxConcurrency:  8,
			ContextWindow:   8192,
			AdmissionWaitMS: 500,
		},
		Cache: &config.CacheConfig{
			RedisURL:          "redis://" + mr.Addr(),
			TTLStageA:         3600,
			TTLStageB:         7200,
			TTLStageC:         1800,
			TTLAssetL1:        60,
			TTLAssetL2:        300,
			TTLTool:           300,
			AssetL1MaxEntries: 100,
		},
		Stages: &config.StagesConfig{
			DeadlineAMS:         5000,
			DeadlineBMS:         500,
			DeadlineCMS:         10000,
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
		Assets:     &config.AssetsConfig{BaseURL: assetSrv.server.URL, TimeoutS: 2},
		Automation: &config.AutomationConfig{BaseURL: autoSrv.server.URL, TimeoutS: 2, PollIntervalMS: 10},
		Tools:      &config.ToolsConfig{CatalogPath: catalogPath, HotReload: &disabled},
		Storage:    &config.StorageConfig{},
		Slack:      &config.SlackConfig{},
		Masking:    &config.MaskingConfig{},
	}

	masker := masking.NewService(cfg.Masking)

	cacheMgr, err := cache.NewManager(context.Background(), cfg.Cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheMgr.Close() })

	llmClient := llm.NewClient(cfg.LLM, nil)
	t.Cleanup(llmClient.Close)

	toolStore, err := tools.NewStore(catalogPath)
	require.NoError(t, err)

	l1 := cache.NewAssetL1(cfg.Cache.AssetL1TTL(), cfg.Cache.AssetL1MaxEntries)
	provider := assets.NewProvider(cfg.Assets, cacheMgr, l1, masker)
	autoClient := automation.NewClient(cfg.Automation)

	orch := pipeline.NewOrchestrator(
		llmClient, cacheMgr, provider, autoClient, toolStore,
		masker, nil, nil, cfg)

	return &harness{
		t:          t,
		llm:        mock,
		redis:      mr,
		assets:     assetSrv,
		automation: autoSrv,
		cacheMgr:   cacheMgr,
		server:     api.NewServer(cfg, orch, cacheMgr, nil, nil),
	}
}

// do sends one request through the full middleware chain.
func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

// submit posts a pipeline request with the default deadline.
func (h *harness) submit(text string) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, "/pipeline", map[string]any{
		"request": text,
		"user_id": "e2e",
	})
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// stageAKeys counts Stage A entries currently in Redis.
func (h *harness) stageAKeys() int {
	n := 0
	for _, k := range h.redis.Keys() {
		if strings.HasPrefix(k, "opsconductor:stage_a:") {
			n++
		}
	}
	return n
}
