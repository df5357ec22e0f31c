package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/pkg/automation"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// cancelSignalTimeout bounds the detached cancel signal sent to the
// Automation service after the request context has already ended.
const cancelSignalTimeout = 5 * time.Second

// AutomationClient is the Stage E view of the Automation service.
type AutomationClient interface {
	Enabled() bool
	Dispatch(ctx context.Context, requestID string, plan *models.Plan) (string, error)
	Await(ctx context.Context, executionID string) (*automation.ExecutionState, error)
	Cancel(ctx context.Context, executionID, requestID string) error
}

// Executor is Stage E: it gates execution on approval, dispatches the plan
// to the Automation service, and folds per-step observations back into
// ToolResults for Stage D. It runs no steps itself.
type Executor struct {
	automation AutomationClient
	cache      *cache.Manager
	masker     *masking.Service
	logger     *slog.Logger
}

// NewExecutor creates Stage E.
func NewExecutor(client AutomationClient, mgr *cache.Manager, masker *masking.Service) *Executor {
	return &Executor{
		automation: client,
		cache:      mgr,
		masker:     masker,
		logger:     slog.Default().With("component", "executor"),
	}
}

// Enabled reports whether an Automation service is configured. When false
// the Orchestrator skips Stage E and the plan stays advisory.
func (e *Executor) Enabled() bool {
	return e.automation.Enabled()
}

// Execute dispatches the plan and waits for a terminal execution state.
// The approved flag is resolved by the Orchestrator from the resume token;
// a gated plan without it never leaves this process. On cancellation the
// partial outcome is returned alongside the error so the caller can keep
// every observation received before the cancel signal.
func (e *Executor) Execute(
	ctx context.Context,
	req *models.Request,
	plan *models.Plan,
	catalog *tools.Catalog,
	approved bool,
) (*models.ExecutionOutcome, error) {
	if len(plan.ApprovalGates) > 0 && !approved {
		return nil, NewApprovalRequired(req.RequestID, "")
	}

	stamped := stampInstanceIDs(plan)

	execID, err := e.automation.Dispatch(ctx, req.RequestID, stamped)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.interruptError(ctx, req)
		}
		return nil, NewUpstreamUnavailable("automation", err).WithStage(models.StageExecute).WithRequest(req.RequestID)
	}

	state, err := e.automation.Await(ctx, execID)
	if err != nil {
		if ctx.Err() != nil {
			e.signalCancel(execID, req.RequestID)
			outcome := e.fold(ctx, req, execID, stamped, catalog, state, models.ExecutionCancelled)
			return outcome, e.interruptError(ctx, req)
		}
		return nil, NewUpstreamUnavailable("automation", err).WithStage(models.StageExecute).WithRequest(req.RequestID)
	}

	outcome := e.fold(ctx, req, execID, stamped, catalog, state, models.ExecutionFailed)
	e.logger.Info("Execution finished",
		"request_id", req.RequestID,
		"execution_id", execID,
		"status", outcome.Status,
		"steps_observed", len(outcome.Results))
	return outcome, nil
}

// interruptError distinguishes a deadline hit from an explicit cancel.
func (e *Executor) interruptError(ctx context.Context, req *models.Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeout(models.StageExecute).WithRequest(req.RequestID)
	}
	return NewCancelled().WithRequest(req.RequestID)
}

// signalCancel tells the Automation service to stop on a detached context;
// the request context is already dead at this point.
func (e *Executor) signalCancel(execID, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSignalTimeout)
	defer cancel()
	if err := e.automation.Cancel(ctx, execID, requestID); err != nil {
		e.logger.Warn("Cancel signal to automation failed",
			"request_id", requestID,
			"execution_id", execID,
			"error", err)
	} else {
		e.logger.Info("Execution cancel signalled",
			"request_id", requestID,
			"execution_id", execID)
	}
}

// fold turns the last execution snapshot into an ExecutionOutcome. Steps
// that never started produce no ToolResult. Observations for read-only
// tools are written through to the tool-result cache unless the request is
// already cancelled.
func (e *Executor) fold(
	ctx context.Context,
	req *models.Request,
	execID string,
	plan *models.Plan,
	catalog *tools.Catalog,
	state *automation.ExecutionState,
	fallback models.ExecutionStatus,
) *models.ExecutionOutcome {
	outcome := &models.ExecutionOutcome{ExecutionID: execID, Status: fallback}
	if state == nil {
		return outcome
	}
	if s := models.ExecutionStatus(state.Status); s.IsValid() {
		outcome.Status = s
	}
	outcome.Error = state.Error

	inputsByStep := make(map[string]map[string]string, len(plan.Steps))
	for _, step := range plan.Steps {
		inputsByStep[step.ID] = step.Inputs
	}

	for _, obs := range state.Steps {
		if !stepRan(obs.Status) {
			continue
		}
		result := models.ToolResult{
			Tool:       obs.Tool,
			StepID:     obs.StepID,
			InputsHash: hashInputs(inputsByStep[obs.StepID]),
			Output:     e.masker.MaskObservation(obs.Output),
			StartedAt:  obs.StartedAt,
			DurationMS: obs.DurationMS,
			Success:    obs.Status == "completed",
			Error:      obs.Error,
		}
		outcome.Results = append(outcome.Results, result)

		if result.Success && ctx.Err() == nil {
			if tool, ok := catalog.Get(obs.Tool); ok && tool.ReadOnly {
				e.cache.Set(ctx, cache.NamespaceTool, cache.ToolKey(result.Tool, result.InputsHash), result)
			}
		}
	}

	outcome.Status = normalizeStatus(outcome.Status, outcome.Results)
	return outcome
}

// stepRan reports whether an observation corresponds to a step that
// actually started. Pending and skipped steps carry no observation worth
// folding.
func stepRan(status string) bool {
	switch status {
	case "", "pending", "running", "skipped":
		return false
	default:
		return true
	}
}

// normalizeStatus caps a reported completed status at partial when any
// observed step failed; the Automation service's summary and its own step
// list otherwise disagree.
func normalizeStatus(reported models.ExecutionStatus, results []models.ToolResult) models.ExecutionStatus {
	if reported != models.ExecutionCompleted {
		return reported
	}
	for _, r := range results {
		if !r.Success {
			return models.ExecutionPartial
		}
	}
	return reported
}

// stampInstanceIDs deep-copies the plan and assigns a step-instance id to
// every step that lacks one. The Automation service deduplicates replays
// on these ids, so resubmitting the same stamped plan never re-runs a
// completed step.
func stampInstanceIDs(plan *models.Plan) *models.Plan {
	stamped := plan.Clone()
	for i := range stamped.Steps {
		if stamped.Steps[i].StepInstanceID == "" {
			stamped.Steps[i].StepInstanceID = uuid.NewString()
		}
	}
	return stamped
}

// hashInputs produces a stable digest of a step's inputs for tool-result
// cache keys and replay detection. Key order never affects the digest.
func hashInputs(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(inputs[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
