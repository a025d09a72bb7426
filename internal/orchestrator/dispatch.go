package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"loom/internal/logging"
	"loom/internal/tools"
	"loom/internal/types"
)

// dispatchAll executes the requested tool calls in order and returns their
// result blocks plus whether any of them mutated file state. Once
// cancellation is observed no further call is dispatched; the remaining
// requests stay pending until reclassified.
func (o *Orchestrator) dispatchAll(ctx context.Context, uses []types.ContentBlock) ([]types.ContentBlock, bool) {
	runs := make([]*types.ToolRun, len(uses))
	o.mu.Lock()
	for i, use := range uses {
		runs[i] = &types.ToolRun{ID: use.ID, Name: use.Name, Status: types.ToolRunPending}
		o.toolRuns = append(o.toolRuns, runs[i])
	}
	o.mu.Unlock()

	var results []types.ContentBlock
	mutated := false
	windDown := false
	for i, use := range uses {
		if o.cancelled.Load() {
			break
		}

		if use.Name == tools.PlanToolName {
			block, ok := o.handlePlan(ctx, use)
			o.setRunStatus(runs[i], statusFor(block.Success))
			if !ok {
				results = append(results, block)
				windDown = true
				break
			}
			results = append(results, block)
			continue
		}

		block, didMutate := o.dispatchTool(ctx, runs[i], use)
		results = append(results, block)
		mutated = mutated || didMutate
	}

	// A rejected plan winds the run down without cancellation, so the
	// requests it cut off are reclassified here; the cancellation path
	// leaves them for reclassifyToolRuns.
	if windDown {
		o.mu.Lock()
		for _, run := range runs {
			if run.Status == types.ToolRunPending {
				run.Status = types.ToolRunCancelled
			}
		}
		o.mu.Unlock()
	}
	return results, mutated
}

// dispatchTool runs one tool invocation. Failures of any kind become a
// failed tool_result; nothing escapes the dispatch boundary.
func (o *Orchestrator) dispatchTool(ctx context.Context, run *types.ToolRun, use types.ContentBlock) (types.ContentBlock, bool) {
	tool := o.registry.Get(use.Name)
	if tool == nil {
		o.setRunStatus(run, types.ToolRunFailed)
		return o.failResult(use, fmt.Sprintf("unknown tool %q", use.Name)), false
	}

	mutates := false
	if path, ok := tool.MutatedPath(use.Input); ok {
		// Snapshot strictly before the mutation it protects.
		if err := o.cps.Track(path); err != nil {
			o.setRunStatus(run, types.ToolRunFailed)
			return o.failResult(use, fmt.Sprintf("failed to snapshot %s: %v", path, err)), false
		}
		mutates = true
	}

	o.setRunStatus(run, types.ToolRunRunning)
	logging.OrchestratorDebug("Dispatching %s (%s)", use.Name, use.ID)

	output, err := tool.Execute(ctx, o.execContext(), use.Input)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Leave the run for reclassification; the loop observes the
			// cancel flag right after dispatch.
			return o.failResult(use, "tool execution cancelled"), mutates
		}
		o.setRunStatus(run, types.ToolRunFailed)
		result := o.failResult(use, err.Error())
		o.emitResult(result)
		return result, mutates
	}

	o.setRunStatus(run, types.ToolRunSucceeded)
	result := types.ToolResultBlock(use.ID, output, true)
	o.emitResult(result)
	return result, mutates
}

// handlePlan intercepts the plan tool: the proposed steps park the run in
// AwaitingPlanApproval until the user approves or rejects. The second
// return value is false when the run should wind down (rejection or
// cancellation).
func (o *Orchestrator) handlePlan(ctx context.Context, use types.ContentBlock) (types.ContentBlock, bool) {
	steps := planSteps(use.Input)
	if len(steps) == 0 {
		return o.failResult(use, "plan requires a non-empty steps list"), true
	}

	plan := &types.Plan{}
	for i, desc := range steps {
		plan.Steps = append(plan.Steps, types.PlanStep{
			Index:       i,
			Description: desc,
			Status:      types.StepPending,
		})
	}

	o.mu.Lock()
	o.sess.PendingPlan = plan
	o.mu.Unlock()

	o.emitPlan(plan)
	o.setStatus(types.StatusAwaitingPlanApproval)
	o.save()
	logging.Orchestrator("Awaiting approval for %d-step plan", len(steps))

	select {
	case approved := <-o.planCh:
		if !approved {
			o.mu.Lock()
			o.sess.PendingPlan = nil
			o.planRejected = true
			o.mu.Unlock()
			o.setStatus(types.StatusRunning)
			return o.failResult(use, "plan rejected by user"), false
		}

		o.mu.Lock()
		plan.Approved = true
		o.mu.Unlock()
		o.setStatus(types.StatusRunning)
		e := types.NewEvent(types.EventResumed, o.sess.ID)
		e.Text = "plan approved"
		o.emit(e)
		return types.ToolResultBlock(use.ID, "plan approved, proceed with step 1", true), true

	case <-ctx.Done():
		return o.failResult(use, "cancelled while awaiting plan approval"), false
	}
}

func (o *Orchestrator) execContext() *tools.ExecContext {
	return &tools.ExecContext{
		Backend:        o.backend,
		CommandTimeout: o.commandTimeout,
		OnOutput: func(chunk string) {
			e := types.NewEvent(types.EventCommandOutput, o.sess.ID)
			e.Text = chunk
			o.emit(e)
		},
	}
}

func (o *Orchestrator) failResult(use types.ContentBlock, cause string) types.ContentBlock {
	return types.ToolResultBlock(use.ID, cause, false)
}

func (o *Orchestrator) emitResult(result types.ContentBlock) {
	e := types.NewEvent(types.EventToolResult, o.sess.ID)
	e.ToolID = result.ToolUseID
	e.Text = result.Content
	e.Success = result.Success
	o.emit(e)
}

func (o *Orchestrator) setRunStatus(run *types.ToolRun, status types.ToolRunStatus) {
	o.mu.Lock()
	run.Status = status
	o.mu.Unlock()
}

func statusFor(success bool) types.ToolRunStatus {
	if success {
		return types.ToolRunSucceeded
	}
	return types.ToolRunFailed
}

// planSteps extracts the ordered step descriptions from plan tool input.
func planSteps(input map[string]any) []string {
	raw, ok := input["steps"].([]any)
	if !ok {
		return nil
	}
	var steps []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

func encodeInput(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}
