// Package orchestrator runs the turn loop: send history to the reasoning
// service, dispatch requested tool calls against the execution backend,
// feed results back, repeat until the service stops requesting tools or a
// limit, cancellation, or failure ends the run. Every transition surfaces
// as an event; the session aggregate is mutated only here during a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"loom/internal/backend"
	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/diff"
	"loom/internal/events"
	"loom/internal/history"
	"loom/internal/logging"
	"loom/internal/reasoning"
	"loom/internal/tools"
	"loom/internal/types"
)

// systemPrompt frames every reasoning request. Tool definitions carry their
// own usage details; this sets the ground rules around them.
const systemPrompt = `You are a coding agent operating on the user's workspace through the provided tools.
Read before you write. For changes spanning several steps, propose them with the plan tool and wait for approval before mutating files.
When the task is complete, reply with a brief summary instead of calling more tools.`

// Params collects the collaborators for one session's orchestrator.
type Params struct {
	Session     *types.Session
	History     *history.Manager
	Checkpoints *checkpoint.Manager
	Provider    reasoning.Provider
	Registry    *tools.Registry
	Broker      *events.Broker
	Backend     backend.Backend
	Config      *config.Config

	// Persist, when set, is called at suspension points to save session
	// state. Event persistence is the broker's job, not this hook's.
	Persist func()
}

// Orchestrator drives one session's turn loop. At most one Run is active at
// a time; a concurrent Run is rejected with ErrSessionBusy.
type Orchestrator struct {
	sess     *types.Session
	hist     *history.Manager
	cps      *checkpoint.Manager
	provider reasoning.Provider
	registry *tools.Registry
	broker   *events.Broker
	backend  backend.Backend
	engine   *diff.Engine
	persist  func()

	maxIterations  int
	policy         loopPolicy
	retryBackoff   time.Duration
	commandTimeout time.Duration

	cancelled atomic.Bool

	mu           sync.Mutex
	running      bool
	cancelRun    context.CancelFunc
	guidance     []string
	planCh       chan bool
	planRejected bool
	toolRuns     []*types.ToolRun
}

// New builds an orchestrator over the given collaborators.
func New(p Params) *Orchestrator {
	return &Orchestrator{
		sess:     p.Session,
		hist:     p.History,
		cps:      p.Checkpoints,
		provider: p.Provider,
		registry: p.Registry,
		broker:   p.Broker,
		backend:  p.Backend,
		engine:   diff.NewEngine(),
		persist:  p.Persist,

		maxIterations: p.Config.Orchestrator.MaxIterations,
		policy: loopPolicy{
			maxRetries:  p.Config.Orchestrator.MaxRetries,
			repairAfter: p.Config.Orchestrator.RepairAfter,
		},
		retryBackoff:   p.Config.GetRetryBackoff(),
		commandTimeout: p.Config.GetCommandTimeout(),
	}
}

// Run executes one task. It returns when the task completes, fails, is
// cancelled, or parks in AwaitingKeepRevert; a run parked for keep/revert
// has already emitted its diff events.
func (o *Orchestrator) Run(ctx context.Context, input string) error {
	if strings.TrimSpace(input) == "" {
		return types.ErrEmptyTask
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return types.ErrSessionBusy
	}
	o.running = true
	o.planRejected = false
	o.toolRuns = nil
	o.cancelled.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	o.planCh = make(chan bool, 1)
	o.mu.Unlock()

	defer cancel()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		o.save()
	}()

	logging.Orchestrator("Run start: session=%s input_len=%d", o.sess.ID, len(input))
	o.setStatus(types.StatusRunning)
	o.hist.Append(types.UserTurn(input))

	var results []stepResult
	for iteration := 0; iteration < o.maxIterations; iteration++ {
		if o.cancelled.Load() {
			return o.finishCancelled()
		}

		o.injectGuidance()
		o.compactIfNeeded(runCtx)

		res := o.step(runCtx)
		if o.cancelled.Load() {
			return o.finishCancelled()
		}
		results = append(results, res)

		switch o.policy.next(results) {
		case actionProceed:
			if res.toolCalls == 0 || o.rejected() {
				return o.finish()
			}
			if res.mutated {
				o.advancePlan()
			}
			o.save()

		case actionRetry:
			logging.Orchestrator("Retrying after failure: %v", res.err)
			o.backoff(runCtx)

		case actionRepairRetry:
			if repaired := o.hist.Repair(); repaired > 0 {
				logging.Orchestrator("Repaired %d orphaned tool uses before retry", repaired)
			}
			o.backoff(runCtx)

		case actionAbort:
			err := res.err
			if res.kind == stepRetry {
				err = fmt.Errorf("%w: %v", types.ErrStreamFailed, res.err)
			}
			return o.finishError(err)
		}
	}

	logging.Orchestrator("Iteration cap reached for session %s", o.sess.ID)
	return o.finish()
}

// Cancel requests cooperative cancellation. The in-flight tool execution or
// service call is terminated through the run context; the loop observes the
// flag at its boundaries.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	running := o.running
	o.mu.Unlock()

	if !running {
		return
	}
	o.cancelled.Store(true)
	if cancel != nil {
		cancel()
	}
	logging.Orchestrator("Cancel requested for session %s", o.sess.ID)
}

// Guidance queues mid-run steering; it is appended to history as a guidance
// turn at the top of the next loop iteration.
func (o *Orchestrator) Guidance(text string) {
	o.mu.Lock()
	o.guidance = append(o.guidance, text)
	o.mu.Unlock()
	logging.OrchestratorDebug("Guidance queued for session %s", o.sess.ID)
}

// ApprovePlan resumes a run parked in AwaitingPlanApproval.
func (o *Orchestrator) ApprovePlan() error {
	return o.resolvePlan(true)
}

// RejectPlan abandons the proposed plan; the run winds down to Idle.
func (o *Orchestrator) RejectPlan() error {
	return o.resolvePlan(false)
}

func (o *Orchestrator) resolvePlan(approved bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.sess.Status != types.StatusAwaitingPlanApproval {
		return types.ErrNoActiveRun
	}
	select {
	case o.planCh <- approved:
		return nil
	default:
		return types.ErrNoActiveRun
	}
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// State returns a consistent snapshot of the session fields an observer may
// read while a run is mutating them: status, token usage, and a deep copy of
// the pending plan. Observers use this instead of reading the Session
// aggregate directly.
func (o *Orchestrator) State() (types.SessionStatus, types.TokenUsage, *types.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var plan *types.Plan
	if o.sess.PendingPlan != nil {
		cp := *o.sess.PendingPlan
		cp.Steps = append([]types.PlanStep(nil), o.sess.PendingPlan.Steps...)
		plan = &cp
	}
	return o.sess.Status, o.sess.Usage, plan
}

// Update runs fn on the session under the lock that guards it. Control
// paths (keep, revert, reset) mutate the aggregate through this so their
// writes cannot tear a concurrent State snapshot.
func (o *Orchestrator) Update(fn func(*types.Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.sess)
	o.sess.UpdatedAt = time.Now()
}

// ToolRuns returns the dispatch records of the current or last run.
func (o *Orchestrator) ToolRuns() []types.ToolRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.ToolRun, len(o.toolRuns))
	for i, r := range o.toolRuns {
		out[i] = *r
	}
	return out
}

// =============================================================================
// LOOP INTERNALS
// =============================================================================

func (o *Orchestrator) injectGuidance() {
	o.mu.Lock()
	pending := o.guidance
	o.guidance = nil
	o.mu.Unlock()

	for _, text := range pending {
		o.hist.Append(types.GuidanceTurn(text))
		logging.Orchestrator("Injected guidance turn (%d chars)", len(text))
	}
}

func (o *Orchestrator) compactIfNeeded(ctx context.Context) {
	result, err := o.hist.Compact(ctx)
	if err != nil {
		logging.Orchestrator("Compaction failed: %v", err)
		return
	}
	if result.Tier == history.TierNone {
		return
	}

	e := types.NewEvent(types.EventCompaction, o.sess.ID)
	e.Text = fmt.Sprintf("tier %d: %d turns compacted, %d -> %d tokens",
		result.Tier, result.Summarized+result.Dropped, result.TokensBefore, result.TokensAfter)
	o.emit(e)
}

// step performs one exchange with the reasoning service, including any tool
// dispatch it requests.
func (o *Orchestrator) step(ctx context.Context) stepResult {
	stream, err := o.provider.Stream(ctx, reasoning.Request{
		System: systemPrompt,
		Turns:  o.hist.Turns(),
		Tools:  o.registry.All(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return retryStep("cancelled", err)
		}
		if reasoning.IsTransient(err) {
			return retryStep(failureSignature(err), err)
		}
		return fatalStep(err)
	}

	var assistantBlocks []types.ContentBlock
	for block := range stream.Blocks() {
		assistantBlocks = append(assistantBlocks, block)
		o.emitBlock(block)
	}

	usage := stream.Usage()
	o.mu.Lock()
	o.sess.Usage.Add(usage.InputTokens, usage.OutputTokens)
	o.mu.Unlock()

	if len(assistantBlocks) > 0 {
		o.hist.Append(types.AssistantTurn(assistantBlocks...))
	}

	if err := stream.Err(); err != nil {
		// The partial turn stays in history; repair closes any orphaned
		// tool_use it left behind before the next send.
		return retryStep(failureSignature(err), err)
	}

	uses := types.AssistantTurn(assistantBlocks...).ToolUses()
	if len(uses) == 0 {
		return okStep(0)
	}

	resultBlocks, mutated := o.dispatchAll(ctx, uses)
	if len(resultBlocks) > 0 {
		o.hist.Append(types.Turn{
			Role:      types.RoleUser,
			Blocks:    resultBlocks,
			CreatedAt: time.Now(),
		})
	}

	res := okStep(len(uses))
	res.mutated = mutated
	return res
}

func (o *Orchestrator) emitBlock(block types.ContentBlock) {
	switch block.Type {
	case types.BlockThinking:
		e := types.NewEvent(types.EventThinking, o.sess.ID)
		e.Text = block.Text
		o.emit(e)
	case types.BlockText:
		e := types.NewEvent(types.EventText, o.sess.ID)
		e.Text = block.Text
		o.emit(e)
	case types.BlockToolUse:
		e := types.NewEvent(types.EventToolUse, o.sess.ID)
		e.ToolID = block.ID
		e.ToolName = block.Name
		e.ToolInput = encodeInput(block.Input)
		o.emit(e)
	}
}

func (o *Orchestrator) backoff(ctx context.Context) {
	select {
	case <-time.After(o.retryBackoff):
	case <-ctx.Done():
	}
}

// advancePlan marks the next pending step done and cuts a checkpoint
// labeled with it, so a later rewind can return to any completed step.
func (o *Orchestrator) advancePlan() {
	o.mu.Lock()
	plan := o.sess.PendingPlan
	if plan == nil || !plan.Approved {
		o.mu.Unlock()
		return
	}
	idx := -1
	for i := range plan.Steps {
		if plan.Steps[i].Status == types.StepPending || plan.Steps[i].Status == types.StepRunning {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	plan.Steps[idx].Status = types.StepDone
	label := plan.Steps[idx].Description
	o.mu.Unlock()

	id, err := o.cps.Checkpoint(label)
	if err != nil {
		logging.Orchestrator("Checkpoint for step %d failed: %v", idx, err)
	} else {
		e := types.NewEvent(types.EventCheckpoint, o.sess.ID)
		e.CheckpointID = id
		e.Label = label
		o.emit(e)
	}

	o.emitPlan(plan)
}

func (o *Orchestrator) emitPlan(plan *types.Plan) {
	e := types.NewEvent(types.EventPlan, o.sess.ID)
	for _, step := range plan.Steps {
		e.Steps = append(e.Steps, step.Description)
		e.StepStatus = append(e.StepStatus, string(step.Status))
	}
	o.emit(e)
}

// =============================================================================
// RUN TERMINATION
// =============================================================================

func (o *Orchestrator) finish() error {
	if o.cps.HasChanges() {
		o.emitDiffs()
		o.setStatus(types.StatusAwaitingKeepRevert)
	} else {
		o.setStatus(types.StatusIdle)
	}

	e := types.NewEvent(types.EventDone, o.sess.ID)
	e.InputTokens = o.sess.Usage.InputTokens
	e.OutputTokens = o.sess.Usage.OutputTokens
	o.emit(e)
	logging.Orchestrator("Run done: session=%s status=%s", o.sess.ID, o.sess.Status)
	return nil
}

func (o *Orchestrator) finishCancelled() error {
	o.reclassifyToolRuns()
	o.setStatus(types.StatusCancelled)
	o.emit(types.NewEvent(types.EventCancelled, o.sess.ID))
	logging.Orchestrator("Run cancelled: session=%s", o.sess.ID)
	return nil
}

func (o *Orchestrator) finishError(err error) error {
	o.setStatus(types.StatusIdle)
	e := types.NewEvent(types.EventError, o.sess.ID)
	e.Text = err.Error()
	o.emit(e)
	logging.Orchestrator("Run failed: session=%s error=%v", o.sess.ID, err)
	return err
}

// reclassifyToolRuns moves every pending or running tool run to cancelled.
// After a cancelled run none may remain in either state.
func (o *Orchestrator) reclassifyToolRuns() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, run := range o.toolRuns {
		if run.Status == types.ToolRunPending || run.Status == types.ToolRunRunning {
			run.Status = types.ToolRunCancelled
		}
	}
}

func (o *Orchestrator) emitDiffs() {
	for _, path := range o.cps.TouchedPaths() {
		snap, ok := o.cps.Original(path)
		if !ok {
			continue
		}
		oldContent := string(snap.OriginalContent)

		var newContent string
		if data, err := o.backend.ReadFile(path); err == nil {
			newContent = string(data)
		}

		fd := o.engine.ComputeDiff(path, path, oldContent, newContent)
		fd.IsNew = !snap.ExistedBefore
		if !fd.HasChanges() {
			continue
		}

		e := types.NewEvent(types.EventDiff, o.sess.ID)
		e.Path = path
		e.Diff = fd.Unified()
		o.emit(e)
	}
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func (o *Orchestrator) setStatus(status types.SessionStatus) {
	o.mu.Lock()
	o.sess.Status = status
	o.sess.UpdatedAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) rejected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.planRejected
}

func (o *Orchestrator) save() {
	if o.persist != nil {
		o.persist()
	}
}

func (o *Orchestrator) emit(e types.Event) {
	if err := o.broker.Publish(e); err != nil {
		logging.Orchestrator("Dropping event %s for %s: %v", e.Kind, e.SessionID, err)
	}
}

// failureSignature normalizes an error into a repeat-detection key.
func failureSignature(err error) string {
	sig := err.Error()
	if len(sig) > 120 {
		sig = sig[:120]
	}
	return sig
}
