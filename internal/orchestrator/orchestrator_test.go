package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loom/internal/backend"
	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/history"
	"loom/internal/reasoning"
	"loom/internal/store"
	"loom/internal/tools"
	"loom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	orch   *Orchestrator
	sess   *types.Session
	mock   *reasoning.Mock
	back   *backend.Local
	cps    *checkpoint.Manager
	hist   *history.Manager
	broker *events.Broker
	sub    *events.Subscription
}

func newFixture(t *testing.T, mock *reasoning.Mock) *fixture {
	t.Helper()

	dir := t.TempDir()
	back, err := backend.NewLocal(dir)
	require.NoError(t, err)

	st, err := store.NewStore(filepath.Join(dir, ".loom", "loom.db"))
	require.NoError(t, err)

	broker := events.NewBroker(st)
	broker.Start(context.Background())
	t.Cleanup(func() {
		broker.Stop()
		st.Close()
	})

	cfg := config.DefaultConfig()
	cfg.Orchestrator.RetryBackoff = "1ms"

	sess := types.NewSession("s1", "test", "local")
	hist := history.NewManager(cfg.History, history.NewExtractiveSummarizer())
	cps := checkpoint.NewManager(back)

	orch := New(Params{
		Session:     sess,
		History:     hist,
		Checkpoints: cps,
		Provider:    mock,
		Registry:    tools.DefaultRegistry(),
		Broker:      broker,
		Backend:     back,
		Config:      cfg,
	})

	sub := broker.Subscribe(sess.ID)
	t.Cleanup(sub.Close)

	return &fixture{
		orch:   orch,
		sess:   sess,
		mock:   mock,
		back:   back,
		cps:    cps,
		hist:   hist,
		broker: broker,
		sub:    sub,
	}
}

// waitFor drains the subscription until an event of the given kind arrives.
func waitFor(t *testing.T, sub *events.Subscription, kind types.EventKind) types.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %q", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func usageResponse(text string, in, out int64) reasoning.ScriptedResponse {
	r := reasoning.TextResponse(text)
	r.Usage = types.TokenUsage{InputTokens: in, OutputTokens: out}
	return r
}

func TestRunTextOnly(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(usageResponse("all done", 120, 40)))

	require.NoError(t, f.orch.Run(context.Background(), "say hi"))

	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0].System, "every request carries the system prompt")

	assert.Equal(t, types.StatusIdle, f.sess.Status)
	assert.Equal(t, int64(120), f.sess.Usage.InputTokens)
	assert.Equal(t, int64(40), f.sess.Usage.OutputTokens)

	turns := f.hist.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, types.RoleUser, turns[0].Role)
	assert.Equal(t, types.RoleAssistant, turns[1].Role)
	assert.Equal(t, "all done", turns[1].Text())

	done := waitFor(t, f.sub, types.EventDone)
	assert.Equal(t, int64(120), done.InputTokens)
	assert.Equal(t, int64(40), done.OutputTokens)
}

func TestRunRejectsEmptyTask(t *testing.T) {
	f := newFixture(t, reasoning.NewMock())
	assert.ErrorIs(t, f.orch.Run(context.Background(), "   "), types.ErrEmptyTask)
	assert.Empty(t, f.hist.Turns())
}

func TestRunToolLoop(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("t1", "write_file", map[string]any{
			"path":    "main.py",
			"content": "print('hi')\n",
		}),
		reasoning.TextResponse("written"),
	))

	require.NoError(t, f.orch.Run(context.Background(), "create main.py"))

	content, err := f.back.ReadFile("main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(content))

	// A run that mutated files parks for keep/revert instead of going idle.
	assert.Equal(t, types.StatusAwaitingKeepRevert, f.sess.Status)
	assert.True(t, f.cps.HasChanges())

	runs := f.orch.ToolRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "write_file", runs[0].Name)
	assert.Equal(t, types.ToolRunSucceeded, runs[0].Status)

	// History alternates assistant tool_use with user tool_result.
	turns := f.hist.Turns()
	require.Len(t, turns, 4)
	require.Len(t, turns[1].ToolUses(), 1)
	assert.Equal(t, types.RoleUser, turns[2].Role)
	assert.Equal(t, "t1", turns[2].Blocks[0].ToolUseID)
	assert.True(t, turns[2].Blocks[0].Success)

	d := waitFor(t, f.sub, types.EventDiff)
	assert.Equal(t, "main.py", d.Path)
	assert.Contains(t, d.Diff, "+print('hi')")
	waitFor(t, f.sub, types.EventDone)
}

func TestRunUnknownTool(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("t1", "launch_missiles", map[string]any{}),
		reasoning.TextResponse("never mind"),
	))

	require.NoError(t, f.orch.Run(context.Background(), "do something"))

	runs := f.orch.ToolRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, types.ToolRunFailed, runs[0].Status)

	// The failure flows back as an error tool_result, not a run abort.
	turns := f.hist.Turns()
	require.Len(t, turns, 4)
	assert.False(t, turns[2].Blocks[0].Success)
	assert.Equal(t, types.StatusIdle, f.sess.Status)
}

func TestRunSessionBusy(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"inspect the code", "fix the bug"},
		}),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- f.orch.Run(context.Background(), "fix it") }()

	waitFor(t, f.sub, types.EventPlan)
	assert.ErrorIs(t, f.orch.Run(context.Background(), "another task"), types.ErrSessionBusy)

	require.Eventually(t, func() bool {
		return f.orch.RejectPlan() == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-runErr)
}

func TestPlanApproval(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"write the fix"},
		}),
		reasoning.ToolCallResponse("t1", "write_file", map[string]any{
			"path":    "fix.py",
			"content": "pass\n",
		}),
		reasoning.TextResponse("fixed"),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- f.orch.Run(context.Background(), "fix the bug") }()

	waitFor(t, f.sub, types.EventPlan)
	require.Eventually(t, func() bool {
		return f.orch.ApprovePlan() == nil
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, <-runErr)

	// The mutating iteration completed the plan step and cut a checkpoint.
	cp := waitFor(t, f.sub, types.EventCheckpoint)
	assert.Equal(t, "write the fix", cp.Label)

	require.NotNil(t, f.sess.PendingPlan)
	assert.True(t, f.sess.PendingPlan.Approved)
	assert.Equal(t, types.StepDone, f.sess.PendingPlan.Steps[0].Status)

	cps := f.cps.Checkpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, "write the fix", cps[0].Label)
	assert.Equal(t, types.StatusAwaitingKeepRevert, f.sess.Status)
}

func TestPlanRejection(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"delete everything"},
		}),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- f.orch.Run(context.Background(), "clean up") }()

	waitFor(t, f.sub, types.EventPlan)
	require.Eventually(t, func() bool {
		return f.orch.RejectPlan() == nil
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, <-runErr)

	assert.Nil(t, f.sess.PendingPlan)
	assert.Equal(t, types.StatusIdle, f.sess.Status)
	assert.False(t, f.cps.HasChanges())
}

func TestPlanRejectionReclassifiesQueuedTools(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ScriptedResponse{
			Blocks: []types.ContentBlock{
				types.ToolUseBlock("p1", "plan", map[string]any{"steps": []any{"rewrite x.py"}}),
				types.ToolUseBlock("t1", "write_file", map[string]any{"path": "x.py", "content": "x"}),
			},
		},
	))

	runErr := make(chan error, 1)
	go func() { runErr <- f.orch.Run(context.Background(), "task") }()

	require.Eventually(t, func() bool {
		return f.orch.RejectPlan() == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-runErr)

	// The write queued behind the rejected plan never ran, and its record
	// cannot be left pending.
	runs := f.orch.ToolRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, types.ToolRunFailed, runs[0].Status)
	assert.Equal(t, types.ToolRunCancelled, runs[1].Status)

	exists, err := f.back.Exists("x.py")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPlanControlsRequireActiveRun(t *testing.T) {
	f := newFixture(t, reasoning.NewMock())
	assert.ErrorIs(t, f.orch.ApprovePlan(), types.ErrNoActiveRun)
	assert.ErrorIs(t, f.orch.RejectPlan(), types.ErrNoActiveRun)
}

func TestCancelMidRun(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ScriptedResponse{
			Blocks: []types.ContentBlock{
				types.ToolUseBlock("c1", "run_command", map[string]any{"command": "sleep 30"}),
				types.ToolUseBlock("c2", "write_file", map[string]any{"path": "x.py", "content": "x"}),
			},
		},
	))

	runErr := make(chan error, 1)
	go func() { runErr <- f.orch.Run(context.Background(), "long task") }()

	waitFor(t, f.sub, types.EventToolUse)
	f.orch.Cancel()
	require.NoError(t, <-runErr)

	waitFor(t, f.sub, types.EventCancelled)
	assert.Equal(t, types.StatusCancelled, f.sess.Status)

	// After a cancelled run no tool run may be left pending or running.
	for _, run := range f.orch.ToolRuns() {
		assert.NotEqual(t, types.ToolRunPending, run.Status, "tool %s left pending", run.ID)
		assert.NotEqual(t, types.ToolRunRunning, run.Status, "tool %s left running", run.ID)
	}
	assert.False(t, f.orch.Running())
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(reasoning.TextResponse("ok")))
	f.orch.Cancel()
	require.NoError(t, f.orch.Run(context.Background(), "task"))
	assert.Equal(t, types.StatusIdle, f.sess.Status)
}

func TestRepeatedStreamFailuresAbort(t *testing.T) {
	transient := reasoning.Transient(errors.New("429 too many requests"))
	mock := reasoning.NewMock()
	for i := 0; i < 5; i++ {
		mock.Append(reasoning.ScriptedResponse{Err: transient})
	}
	f := newFixture(t, mock)

	err := f.orch.Run(context.Background(), "task")
	require.ErrorIs(t, err, types.ErrStreamFailed)
	assert.Equal(t, 5, f.mock.Calls())
	assert.Equal(t, types.StatusIdle, f.sess.Status)

	e := waitFor(t, f.sub, types.EventError)
	assert.Contains(t, e.Text, "429")
}

func TestTransientFailureThenRecovery(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ScriptedResponse{Err: reasoning.Transient(errors.New("overloaded"))},
		reasoning.TextResponse("recovered"),
	))

	require.NoError(t, f.orch.Run(context.Background(), "task"))
	assert.Equal(t, 2, f.mock.Calls())
	assert.Equal(t, types.StatusIdle, f.sess.Status)
	assert.Equal(t, "recovered", f.hist.Turns()[1].Text())
}

func TestFatalFailureAbortsImmediately(t *testing.T) {
	boom := errors.New("invalid api key")
	f := newFixture(t, reasoning.NewMock(
		reasoning.ScriptedResponse{Err: boom},
	))

	err := f.orch.Run(context.Background(), "task")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.mock.Calls())
	waitFor(t, f.sub, types.EventError)
}

func TestGuidanceInjectedBeforeNextStep(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(reasoning.TextResponse("ok")))

	f.orch.Guidance("prefer the small fix")
	require.NoError(t, f.orch.Run(context.Background(), "task"))

	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	var found bool
	for _, turn := range reqs[0].Turns {
		if turn.Role == types.RoleGuidance && turn.Text() == "prefer the small fix" {
			found = true
		}
	}
	assert.True(t, found, "guidance turn should reach the provider")
}

func TestToolFailureFeedsBackAndContinues(t *testing.T) {
	f := newFixture(t, reasoning.NewMock(
		reasoning.ToolCallResponse("t1", "read_file", map[string]any{"path": "missing.py"}),
		reasoning.TextResponse("the file does not exist"),
	))

	require.NoError(t, f.orch.Run(context.Background(), "read it"))

	runs := f.orch.ToolRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, types.ToolRunFailed, runs[0].Status)

	turns := f.hist.Turns()
	require.Len(t, turns, 4)
	assert.False(t, turns[2].Blocks[0].Success)
	assert.Equal(t, types.StatusIdle, f.sess.Status)
}
