package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/pkg/assets"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// CatalogSource supplies the current tool catalog. Hot reloads swap the
// pointer between requests, never within one.
type CatalogSource interface {
	Catalog() *tools.Catalog
}

// TraceSink persists request lifecycle artifacts. Implementations must
// swallow their own failures; the pipeline never blocks on tracing. A nil
// sink disables persistence.
type TraceSink interface {
	RequestReceived(ctx context.Context, req *models.Request)
	StateChanged(ctx context.Context, requestID string, state models.RequestState)
	StageCompleted(ctx context.Context, requestID string, stage models.Stage, artifact any, durationMS int64)
	RequestFinished(ctx context.Context, requestID string, resp *models.Response, failure *Error)
}

// Notifier pushes human-facing notifications for approvals and terminal
// states. A nil notifier disables them.
type Notifier interface {
	NotifyApprovalRequired(ctx context.Context, req *models.Request, decision *models.Decision, resumeToken string)
	NotifyFinished(ctx context.Context, req *models.Request, state models.RequestState, summary string)
}

// Orchestrator owns the request lifecycle: it drives the stages in order,
// enforces per-stage budgets inside the request deadline, applies caching
// at stage boundaries, parks gated plans for approval, and emits the final
// Response with timings and token accounting.
type Orchestrator struct {
	classifier *Classifier
	selector   *Selector
	planner    *Planner
	answerer   *Answerer
	executor   *Executor

	assets   *assets.Provider
	catalog  CatalogSource
	cache    *cache.Manager
	pending  *PendingStore
	traces   TraceSink
	notifier Notifier

	stages *config.StagesConfig
	pipe   *config.PipelineConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewOrchestrator wires the five stages with their dependencies. Stages
// receive only the capabilities they use; nothing here reads ambient state
// after construction.
func NewOrchestrator(
	llmc LLMClient,
	mgr *cache.Manager,
	provider *assets.Provider,
	autoClient AutomationClient,
	catalog CatalogSource,
	masker *masking.Service,
	traces TraceSink,
	notifier Notifier,
	cfg *config.Config,
) *Orchestrator {
	prompts := prompt.NewBuilder()
	return &Orchestrator{
		classifier: NewClassifier(llmc, prompts, mgr, cfg),
		selector:   NewSelector(),
		planner:    NewPlanner(llmc, prompts, mgr, cfg),
		answerer:   NewAnswerer(llmc, prompts, cfg),
		executor:   NewExecutor(autoClient, mgr, masker),
		assets:     provider,
		catalog:    catalog,
		cache:      mgr,
		pending:    NewPendingStore(mgr, cfg.Pipeline),
		traces:     traces,
		notifier:   notifier,
		stages:     cfg.Stages,
		pipe:       cfg.Pipeline,
		logger:     slog.Default().With("component", "orchestrator"),
		active:     make(map[string]context.CancelFunc),
	}
}

// Execute runs a request through the pipeline and returns its Response.
// A plan that needs approval parks the request and returns ApprovalRequired
// with a resume token instead; Resume continues it.
func (o *Orchestrator) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	if err := normalizeRequest(req, o.pipe); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()
	o.register(req.RequestID, cancel)
	defer o.release(req.RequestID)

	started := time.Now()
	o.logger.Info("Request received",
		"request_id", req.RequestID,
		"user_id", req.UserID,
		"text_bytes", len(req.Text),
		"deadline", req.Deadline)
	if o.traces != nil {
		o.traces.RequestReceived(runCtx, req)
	}

	budgets := computeBudgets(o.stages, time.Until(req.Deadline))

	var (
		usage   models.TokenUsage
		hits    models.CacheHits
		timings models.StageTimings
	)

	o.transition(runCtx, req.RequestID, models.StateClassifying)
	stageStart := time.Now()
	aCtx, aCancel := context.WithTimeout(runCtx, budgets.a)
	decision, hitA, err := o.classifier.Classify(aCtx, req, &usage)
	aCancel()
	timings.StageAMS = time.Since(stageStart).Milliseconds()
	if err != nil {
		return nil, o.fail(req, err)
	}
	hits.StageA = hitA
	o.stageDone(runCtx, req.RequestID, models.StageClassify, decision, timings.StageAMS)

	o.transition(runCtx, req.RequestID, models.StateSelecting)
	stageStart = time.Now()
	catalog := o.catalog.Catalog()
	selection := o.selector.Select(decision, catalog)
	timings.StageBMS = time.Since(stageStart).Milliseconds()
	o.stageDone(runCtx, req.RequestID, models.StageSelect, selection, timings.StageBMS)

	// A selection the catalog cannot satisfy skips planning and execution;
	// Stage D relays the clarification or the capability gap instead.
	if selection.ClarificationNeeded || len(selection.SelectedTools) == 0 {
		return o.answer(runCtx, req, started, budgets, decision, selection, nil, nil, &usage, hits, &timings)
	}

	var assetCtxs []models.AssetContext
	assetCtxs, decision = o.enrichAssets(runCtx, decision)

	o.transition(runCtx, req.RequestID, models.StatePlanning)
	stageStart = time.Now()
	cCtx, cCancel := context.WithTimeout(runCtx, budgets.c)
	plan, hitC, err := o.planner.Plan(cCtx, req, decision, selection, assetCtxs, catalog, &usage)
	cCancel()
	timings.StageCMS = time.Since(stageStart).Milliseconds()
	if err != nil {
		return nil, o.fail(req, err)
	}
	hits.StageC = hitC
	o.stageDone(runCtx, req.RequestID, models.StagePlan, plan, timings.StageCMS)

	executable := o.executor.Enabled() && planMutates(plan, catalog)

	if executable && (decision.RequiresApproval || selection.ApprovalRequired || len(plan.ApprovalGates) > 0) {
		return nil, o.parkForApproval(runCtx, req, decision, selection, plan, hits, usage)
	}

	var results []models.ToolResult
	if executable {
		o.transition(runCtx, req.RequestID, models.StateExecuting)
		stageStart = time.Now()
		outcome, execErr := o.executor.Execute(runCtx, req, plan, catalog, false)
		timings.StageEMS = time.Since(stageStart).Milliseconds()
		o.recordExecution(runCtx, req.RequestID, outcome, execErr, timings.StageEMS)
		results, decision, err = o.foldExecution(req, decision, outcome, execErr)
		if err != nil {
			return nil, o.fail(req, err)
		}
	} else {
		results = o.cachedReadOnlyResults(runCtx, plan, catalog)
	}

	return o.answer(runCtx, req, started, budgets, decision, selection, plan, results, &usage, hits, &timings)
}

// Resume rehydrates an awaiting_approval request and continues it from the
// executing state. The pending record is consumed first so a token can
// never authorize two executions.
func (o *Orchestrator) Resume(ctx context.Context, requestID, token string) (*models.Response, error) {
	rec, err := o.pending.Load(ctx, requestID, token)
	if err != nil {
		return nil, err
	}
	if err := o.pending.Delete(ctx, requestID); err != nil {
		o.logger.Warn("Pending record delete failed",
			"request_id", requestID,
			"error", err)
	}

	req := rec.Request
	req.ReceivedAt = time.Now().UTC()
	req.Deadline = req.ReceivedAt.Add(o.pipe.RequestDefaultDeadline())

	runCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()
	o.register(req.RequestID, cancel)
	defer o.release(req.RequestID)

	started := time.Now()
	budgets := computeBudgets(o.stages, time.Until(req.Deadline))
	usage := rec.Usage
	hits := rec.CacheHits
	decision := rec.Decision
	catalog := o.catalog.Catalog()
	var timings models.StageTimings

	o.logger.Info("Request resumed with approval",
		"request_id", requestID,
		"parked_at", rec.CreatedAt)

	o.transition(runCtx, req.RequestID, models.StateExecuting)
	stageStart := time.Now()
	outcome, execErr := o.executor.Execute(runCtx, req, rec.Plan, catalog, true)
	timings.StageEMS = time.Since(stageStart).Milliseconds()
	o.recordExecution(runCtx, req.RequestID, outcome, execErr, timings.StageEMS)
	results, decision, err := o.foldExecution(req, decision, outcome, execErr)
	if err != nil {
		return nil, o.fail(req, err)
	}

	return o.answer(runCtx, req, started, budgets, decision, rec.Selection, rec.Plan, results, &usage, hits, &timings)
}

// Cancel cooperatively cancels all outstanding stage work for a request and
// reports whether the request was active. Cancelling an unknown or already
// finished request is harmless.
func (o *Orchestrator) Cancel(requestID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[requestID]
	o.mu.Unlock()
	if ok {
		cancel()
		o.logger.Info("Request cancel requested", "request_id", requestID)
	}
	return ok
}

// answer runs Stage D and assembles the final Response.
func (o *Orchestrator) answer(
	ctx context.Context,
	req *models.Request,
	started time.Time,
	budgets stageBudgets,
	decision *models.Decision,
	selection *models.ToolSelection,
	plan *models.Plan,
	results []models.ToolResult,
	usage *models.TokenUsage,
	hits models.CacheHits,
	timings *models.StageTimings,
) (*models.Response, error) {
	o.transition(ctx, req.RequestID, models.StateAnswering)
	stageStart := time.Now()
	dCtx, dCancel := context.WithTimeout(ctx, budgets.d)
	text, citations, unverified, err := o.answerer.Answer(dCtx, req, decision, selection, plan, results, usage)
	dCancel()
	timings.StageDMS = time.Since(stageStart).Milliseconds()
	if err != nil {
		return nil, o.fail(req, err)
	}

	timings.TotalMS = time.Since(started).Milliseconds()
	resp := &models.Response{
		RequestID:  req.RequestID,
		Text:       text,
		Citations:  citations,
		Unverified: unverified,
		Confidence: decision.OverallConfidence,
		CacheHit:   hits.Any(),
		CacheHits:  hits,
		Timings:    *timings,
		Usage:      *usage,
		DataGaps:   decision.DataGaps,
		State:      models.StateDone,
	}

	o.transition(ctx, req.RequestID, models.StateDone)
	bg := context.Background()
	if o.traces != nil {
		o.traces.RequestFinished(bg, req.RequestID, resp, nil)
	}
	if o.notifier != nil {
		o.notifier.NotifyFinished(bg, req, models.StateDone, resp.Text)
	}
	o.logger.Info("Request done",
		"request_id", req.RequestID,
		"total_ms", resp.Timings.TotalMS,
		"cache_hit", resp.CacheHit,
		"prompt_tokens", resp.Usage.Prompt,
		"completion_tokens", resp.Usage.Completion)
	return resp, nil
}

// parkForApproval persists the run's artifacts, notifies the approver, and
// surfaces ApprovalRequired with the resume token. The plan is stamped with
// step-instance ids before parking so the execution the approver authorizes
// is exactly the one that replays.
func (o *Orchestrator) parkForApproval(
	ctx context.Context,
	req *models.Request,
	decision *models.Decision,
	selection *models.ToolSelection,
	plan *models.Plan,
	hits models.CacheHits,
	usage models.TokenUsage,
) error {
	rec := &PendingRecord{
		Request:   req,
		Decision:  decision,
		Selection: selection,
		Plan:      stampInstanceIDs(plan),
		CacheHits: hits,
		Usage:     usage,
	}
	token, err := o.pending.Save(ctx, rec)
	if err != nil {
		return o.fail(req, NewUpstreamUnavailable("approval store", err))
	}

	o.transition(ctx, req.RequestID, models.StateAwaitingApproval)
	if o.notifier != nil {
		o.notifier.NotifyApprovalRequired(context.Background(), req, decision, token)
	}
	o.logger.Info("Awaiting approval",
		"request_id", req.RequestID,
		"risk", decision.Risk,
		"gates", len(plan.ApprovalGates))
	return NewApprovalRequired(req.RequestID, token)
}

// recordExecution persists the Stage E artifact. An interrupted execution
// still carries every observation received before the cancel or deadline
// signal; those writes run detached because the request context is already
// dead by then.
func (o *Orchestrator) recordExecution(ctx context.Context, requestID string, outcome *models.ExecutionOutcome, execErr error, durationMS int64) {
	if outcome == nil {
		return
	}
	if execErr != nil {
		ctx = context.Background()
	}
	o.stageDone(ctx, requestID, models.StageExecute, outcome, durationMS)
}

// foldExecution applies the Stage E failure policy: cancellation and
// deadline errors end the request, an unreachable Automation service keeps
// the Response alive with a data gap, and a terminal outcome contributes
// its observations. Non-completed terminal statuses become data gaps so
// Stage D narrates what actually happened.
func (o *Orchestrator) foldExecution(
	req *models.Request,
	decision *models.Decision,
	outcome *models.ExecutionOutcome,
	execErr error,
) ([]models.ToolResult, *models.Decision, error) {
	if execErr != nil {
		if perr, ok := AsError(execErr); ok && perr.Kind == KindUpstream {
			o.logger.Warn("Automation unreachable, plan stays advisory",
				"request_id", req.RequestID,
				"error", perr.Message)
			return nil, decisionWithGap(decision, "automation service unreachable: the plan was not executed"), nil
		}
		return nil, decision, execErr
	}

	if outcome.Status != models.ExecutionCompleted {
		gap := fmt.Sprintf("execution ended %s", outcome.Status)
		if outcome.Error != "" {
			gap += ": " + outcome.Error
		}
		decision = decisionWithGap(decision, gap)
	}
	return outcome.Results, decision, nil
}

// enrichAssets resolves entity identifiers against the Asset service.
// Failures are recoverable: each failed lookup becomes a data gap on a
// decision copy with dampened confidence, and planning proceeds with
// whatever context did resolve.
func (o *Orchestrator) enrichAssets(ctx context.Context, decision *models.Decision) ([]models.AssetContext, *models.Decision) {
	if o.assets == nil || !o.assets.Enabled() {
		return nil, decision
	}

	var out []models.AssetContext
	enriched := decision
	for _, ent := range decision.Entities {
		value := entityValue(ent)
		if value == "" {
			continue
		}
		switch {
		case identifierTypes[ent.Type]:
			asset, err := o.assets.Get(ctx, value)
			if errors.Is(err, assets.ErrNotFound) {
				enriched = decisionWithGap(enriched, fmt.Sprintf("%s %q not in the asset inventory", ent.Type, value))
				continue
			}
			if err != nil {
				enriched = decisionWithGap(enriched, fmt.Sprintf("asset lookup failed for %s %q", ent.Type, value))
				continue
			}
			out = append(out, *asset)
		case ent.Type == "environment":
			found, err := o.assets.Search(ctx, "environment="+value)
			if err != nil {
				enriched = decisionWithGap(enriched, fmt.Sprintf("asset search failed for environment %q", value))
				continue
			}
			for _, a := range found {
				out = append(out, *a)
			}
		}
	}
	return out, enriched
}

// cachedReadOnlyResults attaches previously cached observations for
// read-only steps so an advisory response can cite fresh data without
// executing anything. The cached result is rebound to the current step id.
func (o *Orchestrator) cachedReadOnlyResults(ctx context.Context, plan *models.Plan, catalog *tools.Catalog) []models.ToolResult {
	var results []models.ToolResult
	for _, step := range plan.Steps {
		tool, ok := catalog.Get(step.Tool)
		if !ok || !tool.ReadOnly {
			continue
		}
		var res models.ToolResult
		if o.cache.Get(ctx, cache.NamespaceTool, cache.ToolKey(step.Tool, hashInputs(step.Inputs)), &res) {
			res.StepID = step.ID
			results = append(results, res)
		}
	}
	return results
}

// fail records the terminal failure state and returns the typed error
// tagged with the request id. Trace and notification writes run on a
// detached context; the request context is usually dead here.
func (o *Orchestrator) fail(req *models.Request, err error) error {
	perr := asTyped(err).WithRequest(req.RequestID)

	state := models.StateFailed
	if perr.Kind == KindCancelled {
		state = models.StateCancelled
	}

	bg := context.Background()
	o.transition(bg, req.RequestID, state)
	if o.traces != nil {
		o.traces.RequestFinished(bg, req.RequestID, nil, perr)
	}
	if o.notifier != nil {
		o.notifier.NotifyFinished(bg, req, state, perr.Message)
	}
	o.logger.Error("Request failed",
		"request_id", req.RequestID,
		"kind", perr.Kind,
		"stage", perr.Stage,
		"error", perr.Message)
	return perr
}

// asTyped coerces any error into the pipeline taxonomy. Stages always
// return typed errors; the context cases cover interrupts that surface
// outside a stage call.
func asTyped(err error) *Error {
	if perr, ok := AsError(err); ok {
		return perr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request deadline exceeded", Retriable: true, wrapped: err}
	case errors.Is(err, context.Canceled):
		return NewCancelled()
	default:
		return &Error{Kind: KindUpstream, Message: err.Error(), wrapped: err}
	}
}

func (o *Orchestrator) register(requestID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[requestID] = cancel
}

func (o *Orchestrator) release(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, requestID)
}

func (o *Orchestrator) transition(ctx context.Context, requestID string, state models.RequestState) {
	o.logger.Debug("State transition", "request_id", requestID, "state", state)
	if o.traces != nil {
		o.traces.StateChanged(ctx, requestID, state)
	}
}

func (o *Orchestrator) stageDone(ctx context.Context, requestID string, stage models.Stage, artifact any, durationMS int64) {
	if o.traces != nil {
		o.traces.StageCompleted(ctx, requestID, stage, artifact, durationMS)
	}
}

// stageBudgets holds the effective per-stage deadlines for one request.
// Stage E carries none; executions run under the request deadline alone.
type stageBudgets struct {
	a, b, c, d time.Duration
}

// computeBudgets scales the configured stage deadlines down proportionally
// when their sum exceeds what is left of the request deadline.
func computeBudgets(stages *config.StagesConfig, remaining time.Duration) stageBudgets {
	b := stageBudgets{
		a: stages.Deadline("a"),
		b: stages.Deadline("b"),
		c: stages.Deadline("c"),
		d: stages.Deadline("d"),
	}
	sum := b.a + b.b + b.c + b.d
	if sum <= 0 || remaining <= 0 || sum <= remaining {
		return b
	}
	scale := float64(remaining) / float64(sum)
	b.a = time.Duration(float64(b.a) * scale)
	b.b = time.Duration(float64(b.b) * scale)
	b.c = time.Duration(float64(b.c) * scale)
	b.d = time.Duration(float64(b.d) * scale)
	return b
}

// planMutates reports whether any step runs a tool that changes state.
// All-read-only plans never reach Stage E.
func planMutates(plan *models.Plan, catalog *tools.Catalog) bool {
	for _, step := range plan.Steps {
		tool, ok := catalog.Get(step.Tool)
		if !ok || !tool.ReadOnly {
			return true
		}
	}
	return false
}

// decisionWithGap copies the decision, appends the gap, and dampens
// confidence. Stage A's cached artifact never carries per-run gaps.
func decisionWithGap(d *models.Decision, gap string) *models.Decision {
	cp := *d
	cp.DataGaps = append(append([]string(nil), d.DataGaps...), gap)
	cp.OverallConfidence *= 0.9
	return &cp
}

// normalizeRequest validates the envelope and fills server-side defaults.
// The Orchestrator owns the Request; this is the only place it is written.
func normalizeRequest(req *models.Request, pipe *config.PipelineConfig) error {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return NewValidationError("request text is empty")
	}
	if len(req.Text) > models.MaxRequestTextBytes {
		return NewValidationError("request text exceeds %d bytes", models.MaxRequestTextBytes)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	if req.Deadline.IsZero() {
		req.Deadline = req.ReceivedAt.Add(pipe.RequestDefaultDeadline())
	}
	if !req.Deadline.After(time.Now()) {
		return NewValidationError("request deadline already passed")
	}
	return nil
}
