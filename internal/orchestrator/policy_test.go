package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopPolicy(t *testing.T) {
	p := loopPolicy{maxRetries: 5, repairAfter: 2}
	errBoom := errors.New("boom")

	t.Run("empty history proceeds", func(t *testing.T) {
		assert.Equal(t, actionProceed, p.next(nil))
	})

	t.Run("ok proceeds", func(t *testing.T) {
		assert.Equal(t, actionProceed, p.next([]stepResult{okStep(2)}))
	})

	t.Run("fatal aborts immediately", func(t *testing.T) {
		assert.Equal(t, actionAbort, p.next([]stepResult{fatalStep(errBoom)}))
	})

	t.Run("first failure retries as-is", func(t *testing.T) {
		results := []stepResult{okStep(1), retryStep("429", errBoom)}
		assert.Equal(t, actionRetry, p.next(results))
	})

	t.Run("repeat threshold switches to repair", func(t *testing.T) {
		results := []stepResult{
			retryStep("429", errBoom),
			retryStep("429", errBoom),
		}
		assert.Equal(t, actionRepairRetry, p.next(results))
	})

	t.Run("max identical repeats abort", func(t *testing.T) {
		var results []stepResult
		for i := 0; i < 5; i++ {
			results = append(results, retryStep("429", errBoom))
		}
		assert.Equal(t, actionAbort, p.next(results))
	})

	t.Run("different signature resets the ladder", func(t *testing.T) {
		results := []stepResult{
			retryStep("429", errBoom),
			retryStep("429", errBoom),
			retryStep("429", errBoom),
			retryStep("connection reset", errBoom),
		}
		assert.Equal(t, actionRetry, p.next(results), "a new failure kind starts a new count")
	})

	t.Run("success resets the ladder", func(t *testing.T) {
		results := []stepResult{
			retryStep("429", errBoom),
			retryStep("429", errBoom),
			okStep(1),
			retryStep("429", errBoom),
		}
		assert.Equal(t, actionRetry, p.next(results))
	})
}
