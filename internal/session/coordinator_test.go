package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loom/internal/backend"
	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/reasoning"
	"loom/internal/store"
	"loom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	coord *Coordinator
	back  *backend.Local
	st    *store.Store
	mock  *reasoning.Mock
}

func newEnv(t *testing.T, mock *reasoning.Mock) *env {
	t.Helper()
	dir := t.TempDir()
	return newEnvAt(t, mock, dir)
}

func newEnvAt(t *testing.T, mock *reasoning.Mock, dir string) *env {
	t.Helper()

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

	return &env{
		coord: NewCoordinator(cfg, st, broker, back, mock),
		back:  back,
		st:    st,
		mock:  mock,
	}
}

// drainUntil reads the subscription until an event of the given kind shows up.
func drainUntil(t *testing.T, sub *events.Subscription, kind types.EventKind) types.Event {
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
			t.Fatalf("timed out waiting for %q", kind)
		}
	}
}

func writeCall(id, path, content string) reasoning.ScriptedResponse {
	return reasoning.ToolCallResponse(id, "write_file", map[string]any{
		"path":    path,
		"content": content,
	})
}

func TestAttachDefaultSession(t *testing.T) {
	e := newEnv(t, reasoning.NewMock())

	sess, sub, err := e.coord.Attach("")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, DefaultSessionID, sess.ID)

	state := drainUntil(t, sub, types.EventReplayState)
	assert.Equal(t, string(types.StatusIdle), state.Status)
	drainUntil(t, sub, types.EventReplayDone)
}

func TestTaskThenKeep(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		writeCall("t1", "main.py", "print('v1')\n"),
		reasoning.TextResponse("done"),
	))

	require.NoError(t, e.coord.Task(context.Background(), "s1", "write main.py"))

	sess, err := e.coord.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingKeepRevert, sess.Status)

	require.NoError(t, e.coord.Keep("s1"))
	assert.Equal(t, types.StatusIdle, sess.Status)
	assert.Empty(t, sess.ModifiedFiles)

	// Keep is idempotent: a second call is a no-op, not an error.
	require.NoError(t, e.coord.Keep("s1"))

	content, err := e.back.ReadFile("main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('v1')\n", string(content))
}

func TestTaskThenRevert(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		writeCall("t1", "a.py", "new file\n"),
		reasoning.ToolCallResponse("t2", "edit_file", map[string]any{
			"path":       "b.py",
			"old_string": "x=1",
			"new_string": "x=2",
		}),
		reasoning.TextResponse("done"),
	))
	require.NoError(t, e.back.WriteFile("b.py", []byte("x=1\n")))

	require.NoError(t, e.coord.Task(context.Background(), "s1", "make changes"))

	failed, err := e.coord.Revert("s1")
	require.NoError(t, err)
	assert.Empty(t, failed)

	// Created files are deleted, edited files restored byte-identical.
	exists, err := e.back.Exists("a.py")
	require.NoError(t, err)
	assert.False(t, exists)

	content, err := e.back.ReadFile("b.py")
	require.NoError(t, err)
	assert.Equal(t, "x=1\n", string(content))

	sess, err := e.coord.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, sess.Status)
}

func TestRestoreCheckpoint(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"write a", "write b"},
		}),
		writeCall("t1", "a.py", "step one\n"),
		writeCall("t2", "b.py", "step two\n"),
		reasoning.TextResponse("both written"),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- e.coord.Task(context.Background(), "s1", "two steps") }()
	require.Eventually(t, func() bool {
		return e.coord.ApprovePlan("s1") == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-runErr)

	sess, err := e.coord.Session("s1")
	require.NoError(t, err)
	require.Len(t, sess.Checkpoints, 2)
	first, second := sess.Checkpoints[0], sess.Checkpoints[1]

	// Rewinding to the first checkpoint undoes step two only.
	failed, err := e.coord.RestoreCheckpoint("s1", first.ID)
	require.NoError(t, err)
	assert.Empty(t, failed)

	content, err := e.back.ReadFile("a.py")
	require.NoError(t, err)
	assert.Equal(t, "step one\n", string(content))

	exists, err := e.back.Exists("b.py")
	require.NoError(t, err)
	assert.False(t, exists)

	// The discarded later checkpoint is gone for good.
	_, err = e.coord.RestoreCheckpoint("s1", second.ID)
	assert.ErrorIs(t, err, types.ErrNoSuchCheckpoint)
}

func TestRestoreCheckpointLatest(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"write a"},
		}),
		writeCall("t1", "a.py", "content\n"),
		reasoning.TextResponse("done"),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- e.coord.Task(context.Background(), "s1", "one step") }()
	require.Eventually(t, func() bool {
		return e.coord.ApprovePlan("s1") == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-runErr)

	_, err := e.coord.RestoreCheckpoint("s1", "latest")
	require.NoError(t, err)

	_, err = e.coord.RestoreCheckpoint("s1", "nope")
	assert.ErrorIs(t, err, types.ErrNoSuchCheckpoint)
}

func TestRestoreCheckpointWithoutCheckpoints(t *testing.T) {
	e := newEnv(t, reasoning.NewMock())
	_, err := e.coord.RestoreCheckpoint("s1", "latest")
	assert.ErrorIs(t, err, types.ErrNoSuchCheckpoint)
}

func TestReplayStateCarriesPendingWork(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		writeCall("t1", "main.py", "print('hi')\n"),
		reasoning.TextResponse("done"),
	))

	require.NoError(t, e.coord.Task(context.Background(), "s1", "write it"))

	_, sub, err := e.coord.Attach("s1")
	require.NoError(t, err)
	defer sub.Close()

	// Replayed events arrive tagged, then the state snapshot.
	first := drainUntil(t, sub, types.EventToolUse)
	assert.True(t, first.Replay)

	state := drainUntil(t, sub, types.EventReplayState)
	assert.Equal(t, string(types.StatusAwaitingKeepRevert), state.Status)
	assert.Contains(t, state.Diff, "+print('hi')")
	drainUntil(t, sub, types.EventReplayDone)
}

func TestAttachDuringActiveRun(t *testing.T) {
	mock := reasoning.NewMock()
	for i := 0; i < 5; i++ {
		r := reasoning.ToolCallResponse(fmt.Sprintf("t%d", i), "list_dir", map[string]any{"path": "."})
		r.Usage = types.TokenUsage{InputTokens: 10, OutputTokens: 5}
		mock.Append(r)
	}
	mock.Append(reasoning.TextResponse("done"))
	e := newEnv(t, mock)

	runErr := make(chan error, 1)
	go func() { runErr <- e.coord.Task(context.Background(), "s1", "look around") }()

	// Reconnecting observers race the run loop's status and usage writes;
	// each attach must still see a coherent state snapshot.
	for i := 0; i < 10; i++ {
		_, sub, err := e.coord.Attach("s1")
		require.NoError(t, err)
		state := drainUntil(t, sub, types.EventReplayState)
		assert.NotEmpty(t, state.Status)
		drainUntil(t, sub, types.EventReplayDone)
		sub.Close()
	}

	require.NoError(t, <-runErr)
	sess, err := e.coord.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), sess.Usage.InputTokens)
	assert.Equal(t, int64(25), sess.Usage.OutputTokens)
}

func TestControlMessagesRejectedMidRun(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		reasoning.ToolCallResponse("p1", "plan", map[string]any{
			"steps": []any{"step"},
		}),
	))

	runErr := make(chan error, 1)
	go func() { runErr <- e.coord.Task(context.Background(), "s1", "task") }()

	// Once the run is active, state-changing controls bounce.
	require.Eventually(t, func() bool {
		return errors.Is(e.coord.Keep("s1"), types.ErrSessionBusy)
	}, 5*time.Second, 5*time.Millisecond)
	_, err := e.coord.Revert("s1")
	assert.ErrorIs(t, err, types.ErrSessionBusy)
	assert.ErrorIs(t, e.coord.Reset("s1"), types.ErrSessionBusy)

	require.Eventually(t, func() bool {
		return e.coord.RejectPlan("s1") == nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-runErr)
}

func TestReset(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(
		writeCall("t1", "a.py", "scratch\n"),
		reasoning.TextResponse("done"),
	))

	require.NoError(t, e.coord.Task(context.Background(), "s1", "write"))
	require.NoError(t, e.coord.Reset("s1"))

	sess, err := e.coord.Session("s1")
	require.NoError(t, err)
	assert.Empty(t, sess.History)
	assert.Empty(t, sess.ModifiedFiles)
	assert.Equal(t, types.TokenUsage{}, sess.Usage)
	assert.Equal(t, types.StatusIdle, sess.Status)

	exists, err := e.back.Exists("a.py")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelete(t *testing.T) {
	e := newEnv(t, reasoning.NewMock(reasoning.TextResponse("hello")))

	require.NoError(t, e.coord.Task(context.Background(), "s1", "say hi"))
	require.NoError(t, e.coord.Delete("s1"))

	assert.ErrorIs(t, e.coord.Delete("s1"), types.ErrNoSuchSession)

	sessions, err := e.coord.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionSurvivesCoordinatorRestart(t *testing.T) {
	dir := t.TempDir()
	e := newEnvAt(t, reasoning.NewMock(
		writeCall("t1", "main.py", "print('v1')\n"),
		reasoning.TextResponse("done"),
	), dir)

	require.NoError(t, e.coord.Task(context.Background(), "s1", "write main.py"))

	// A fresh coordinator over the same workspace resumes the session with
	// its history, usage, and open change-set intact.
	e2 := newEnvAt(t, reasoning.NewMock(), dir)
	sess, err := e2.coord.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingKeepRevert, sess.Status)
	assert.Len(t, sess.History, 4)
	require.NotEmpty(t, sess.ModifiedFiles)

	failed, err := e2.coord.Revert("s1")
	require.NoError(t, err)
	assert.Empty(t, failed)
	exists, err := e2.back.Exists("main.py")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResolveCreatesAndPersists(t *testing.T) {
	e := newEnv(t, reasoning.NewMock())
	// Unknown ids create fresh sessions rather than failing.
	sess, err := e.coord.Session("brand-new")
	require.NoError(t, err)
	assert.Equal(t, "brand-new", sess.ID)

	sessions, err := e.coord.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "brand-new", sessions[0].ID)

	require.NoError(t, e.coord.Delete("brand-new"))
}
