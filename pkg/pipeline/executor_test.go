package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/automation"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// fakeAutomation scripts the Automation service for executor tests. When
// blockAwait is set, Await parks on the context and returns the scripted
// snapshot with the context error, mimicking a poll loop cut short.
type fakeAutomation struct {
	mu          sync.Mutex
	dispatchErr error
	awaitState  *automation.ExecutionState
	awaitErr    error
	blockAwait  bool
	dispatched  []*models.Plan
	cancels     []string
}

func (f *fakeAutomation) Enabled() bool { return true }

func (f *fakeAutomation) Dispatch(ctx context.Context, requestID string, plan *models.Plan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	f.dispatched = append(f.dispatched, plan)
	return "exec-1", nil
}

func (f *fakeAutomation) Await(ctx context.Context, executionID string) (*automation.ExecutionState, error) {
	if f.blockAwait {
		<-ctx.Done()
		return f.awaitState, ctx.Err()
	}
	return f.awaitState, f.awaitErr
}

func (f *fakeAutomation) Cancel(ctx context.Context, executionID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, executionID+"/"+requestID)
	return nil
}

func (f *fakeAutomation) lastDispatched() *models.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispatched) == 0 {
		return nil
	}
	return f.dispatched[len(f.dispatched)-1]
}

func newTestExecutor(t *testing.T, fake *fakeAutomation) (*Executor, *cache.Manager) {
	t.Helper()
	mgr, _ := newTestCache(t)
	masker := masking.NewService(&config.MaskingConfig{
		Enabled:       boolPtr(true),
		PatternGroups: []string{"standard"},
	})
	return NewExecutor(fake, mgr, masker), mgr
}

func executorRequest() *models.Request {
	return &models.Request{RequestID: "req-exec", Text: "restart nginx on web-prod-01"}
}

func completedState() *automation.ExecutionState {
	return &automation.ExecutionState{
		ExecutionID: "exec-1",
		Status:      "completed",
		Steps: []automation.StepObservation{
			{StepID: "s1", Tool: "service_status", Status: "completed", Output: "nginx: active (running)", DurationMS: 420},
			{StepID: "s2", Tool: "service_restart", Status: "completed", Output: "restart issued", DurationMS: 1800},
		},
	}
}

func TestExecutorGatesOnApproval(t *testing.T) {
	fake := &fakeAutomation{awaitState: completedState()}
	e, _ := newTestExecutor(t, fake)
	plan := twoStepPlan()
	plan.ApprovalGates = []models.ApprovalGate{{Stage: models.SafetyBefore, Reason: "production restart"}}

	_, err := e.Execute(context.Background(), executorRequest(), plan, validationCatalog(t), false)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindApprovalRequired, pe.Kind)
	assert.Nil(t, fake.lastDispatched(), "gated plan never reaches the automation service")
}

func TestExecutorApprovedGateDispatches(t *testing.T) {
	fake := &fakeAutomation{awaitState: completedState()}
	e, _ := newTestExecutor(t, fake)
	plan := twoStepPlan()
	plan.ApprovalGates = []models.ApprovalGate{{Stage: models.SafetyBefore, Reason: "production restart"}}

	outcome, err := e.Execute(context.Background(), executorRequest(), plan, validationCatalog(t), true)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, outcome.Status)
	require.NotNil(t, fake.lastDispatched())
}

func TestExecutorStampsInstanceIDs(t *testing.T) {
	fake := &fakeAutomation{awaitState: completedState()}
	e, _ := newTestExecutor(t, fake)
	plan := twoStepPlan()
	plan.Steps[0].StepInstanceID = "keep-me"

	_, err := e.Execute(context.Background(), executorRequest(), plan, validationCatalog(t), false)
	require.NoError(t, err)

	dispatched := fake.lastDispatched()
	require.NotNil(t, dispatched)
	assert.Equal(t, "keep-me", dispatched.Steps[0].StepInstanceID, "pre-stamped ids survive for replay dedupe")
	assert.NotEmpty(t, dispatched.Steps[1].StepInstanceID)
	assert.Empty(t, plan.Steps[1].StepInstanceID, "caller's plan is never mutated")
}

func TestExecutorFoldsObservations(t *testing.T) {
	fake := &fakeAutomation{awaitState: completedState()}
	e, _ := newTestExecutor(t, fake)
	plan := twoStepPlan()
	plan.Steps[0].Inputs = map[string]string{"service": "nginx", "host": "web-prod-01"}

	outcome, err := e.Execute(context.Background(), executorRequest(), plan, validationCatalog(t), false)

	require.NoError(t, err)
	assert.Equal(t, "exec-1", outcome.ExecutionID)
	require.Len(t, outcome.Results, 2)

	first := outcome.Results[0]
	assert.Equal(t, "service_status", first.Tool)
	assert.Equal(t, "s1", first.StepID)
	assert.Equal(t, hashInputs(plan.Steps[0].Inputs), first.InputsHash)
	assert.True(t, first.Success)
	assert.Equal(t, "nginx: active (running)", first.Output)
	assert.EqualValues(t, 420, first.DurationMS)
}

func TestExecutorMasksObservationOutput(t *testing.T) {
	state := completedState()
	state.Steps[0].Output = "connected with password=hunter2secret to db"
	fake := &fakeAutomation{awaitState: state}
	e, _ := newTestExecutor(t, fake)

	outcome, err := e.Execute(context.Background(), executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.NoError(t, err)
	assert.Contains(t, outcome.Results[0].Output, "__MASKED_PASSWORD__")
	assert.NotContains(t, outcome.Results[0].Output, "hunter2secret")
}

func TestExecutorSkipsUnstartedSteps(t *testing.T) {
	state := &automation.ExecutionState{
		ExecutionID: "exec-1",
		Status:      "failed",
		Steps: []automation.StepObservation{
			{StepID: "s1", Tool: "service_status", Status: "failed", Error: "connection refused"},
			{StepID: "s2", Tool: "service_restart", Status: "pending"},
		},
	}
	fake := &fakeAutomation{awaitState: state}
	e, _ := newTestExecutor(t, fake)

	outcome, err := e.Execute(context.Background(), executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, outcome.Status)
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.Equal(t, "connection refused", outcome.Results[0].Error)
}

func TestExecutorNormalizesCompletedWithFailedStep(t *testing.T) {
	state := completedState()
	state.Steps[1].Status = "failed"
	state.Steps[1].Error = "restart timed out"
	fake := &fakeAutomation{awaitState: state}
	e, _ := newTestExecutor(t, fake)

	outcome, err := e.Execute(context.Background(), executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPartial, outcome.Status)
}

func TestExecutorCachesOnlyReadOnlyResults(t *testing.T) {
	fake := &fakeAutomation{awaitState: completedState()}
	e, mgr := newTestExecutor(t, fake)
	plan := twoStepPlan()
	plan.Steps[0].Inputs = map[string]string{"service": "nginx"}

	outcome, err := e.Execute(context.Background(), executorRequest(), plan, validationCatalog(t), false)
	require.NoError(t, err)

	var cached models.ToolResult
	roKey := cache.ToolKey("service_status", outcome.Results[0].InputsHash)
	require.True(t, mgr.Get(context.Background(), cache.NamespaceTool, roKey, &cached))
	assert.Equal(t, outcome.Results[0].Output, cached.Output)

	mutKey := cache.ToolKey("service_restart", outcome.Results[1].InputsHash)
	assert.False(t, mgr.Get(context.Background(), cache.NamespaceTool, mutKey, &cached),
		"mutating tool results are never cached")
}

func TestExecutorCancellationPreservesObservations(t *testing.T) {
	partial := &automation.ExecutionState{
		ExecutionID: "exec-1",
		Status:      "running",
		Steps: []automation.StepObservation{
			{StepID: "s1", Tool: "service_status", Status: "completed", Output: "nginx: active (running)"},
			{StepID: "s2", Tool: "service_restart", Status: "running"},
		},
	}
	fake := &fakeAutomation{awaitState: partial, blockAwait: true}
	e, _ := newTestExecutor(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome, err := e.Execute(ctx, executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, pe.Kind)

	require.NotNil(t, outcome)
	assert.Equal(t, models.ExecutionCancelled, outcome.Status)
	require.Len(t, outcome.Results, 1, "the completed step survives, the running one does not")
	assert.Equal(t, "s1", outcome.Results[0].StepID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.cancels, 1)
	assert.Equal(t, "exec-1/req-exec", fake.cancels[0])
}

func TestExecutorDeadlineMapsToTimeout(t *testing.T) {
	fake := &fakeAutomation{blockAwait: true}
	e, _ := newTestExecutor(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome, err := e.Execute(ctx, executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.Equal(t, models.StageExecute, pe.Stage)
	require.NotNil(t, outcome)
	assert.Empty(t, outcome.Results, "no snapshot ever arrived")
}

func TestExecutorDispatchFailureIsUpstream(t *testing.T) {
	fake := &fakeAutomation{dispatchErr: errors.New("connection refused")}
	e, _ := newTestExecutor(t, fake)

	_, err := e.Execute(context.Background(), executorRequest(), twoStepPlan(), validationCatalog(t), false)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstream, pe.Kind)
	assert.Equal(t, models.StageExecute, pe.Stage)
	assert.Contains(t, pe.Message, "automation")
}

func TestHashInputsStable(t *testing.T) {
	a := hashInputs(map[string]string{"service": "nginx", "host": "web-01"})
	b := hashInputs(map[string]string{"host": "web-01", "service": "nginx"})
	assert.Equal(t, a, b, "key order never changes the digest")

	c := hashInputs(map[string]string{"service": "nginx", "host": "web-02"})
	assert.NotEqual(t, a, c)

	assert.Equal(t, "none", hashInputs(nil))
	assert.Equal(t, "none", hashInputs(map[string]string{}))
}

func TestStepRan(t *testing.T) {
	for _, status := range []string{"", "pending", "running", "skipped"} {
		assert.False(t, stepRan(status), status)
	}
	for _, status := range []string{"completed", "failed", "cancelled"} {
		assert.True(t, stepRan(status), status)
	}
}
