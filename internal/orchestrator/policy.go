package orchestrator

// =============================================================================
// LOOP-BREAKING POLICY
// =============================================================================
// Each turn of the loop produces a stepResult. The decision of what to do
// after a failure is a pure function over the trailing result history, so
// the retry/repair/abort ladder is testable without inducing real failures.

type stepKind int

const (
	stepOk stepKind = iota
	stepRetry
	stepFatal
)

// stepResult is the outcome union of one orchestrator step.
type stepResult struct {
	kind stepKind

	// toolCalls counts tool invocations dispatched in an ok step. A step
	// with zero tool calls ends the loop.
	toolCalls int

	// mutated reports whether any dispatched tool changed file state.
	mutated bool

	// signature identifies a retryable failure so repeats can be counted.
	signature string

	err error
}

func okStep(toolCalls int) stepResult {
	return stepResult{kind: stepOk, toolCalls: toolCalls}
}

func retryStep(signature string, err error) stepResult {
	return stepResult{kind: stepRetry, signature: signature, err: err}
}

func fatalStep(err error) stepResult {
	return stepResult{kind: stepFatal, err: err}
}

// policyAction is what the loop does next.
type policyAction int

const (
	// actionProceed: the step succeeded, keep looping.
	actionProceed policyAction = iota

	// actionRetry: retry the exchange as-is after backoff.
	actionRetry

	// actionRepairRetry: repair history first, then retry.
	actionRepairRetry

	// actionAbort: the same failure has repeated too often; stop the run.
	actionAbort
)

// loopPolicy holds the thresholds of the retry ladder.
type loopPolicy struct {
	// maxRetries is the consecutive identical failure count that aborts.
	maxRetries int

	// repairAfter is the consecutive identical failure count after which a
	// retry is preceded by history repair.
	repairAfter int
}

// next decides the loop's action from the result history. Only the trailing
// run of retries with the same signature counts; any success or a failure
// with a different signature resets the ladder.
func (p loopPolicy) next(results []stepResult) policyAction {
	if len(results) == 0 {
		return actionProceed
	}
	last := results[len(results)-1]
	switch last.kind {
	case stepOk:
		return actionProceed
	case stepFatal:
		return actionAbort
	}

	repeats := 0
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.kind != stepRetry || r.signature != last.signature {
			break
		}
		repeats++
	}

	switch {
	case repeats >= p.maxRetries:
		return actionAbort
	case repeats >= p.repairAfter:
		return actionRepairRetry
	default:
		return actionRetry
	}
}
