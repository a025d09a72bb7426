package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := types.NewSession(uuid.New().String(), "default", "local:/tmp/ws")
	sess.History = append(sess.History,
		types.UserTurn("fix the tests"),
		types.AssistantTurn(
			types.TextBlock("on it"),
			types.ToolUseBlock("tu_1", "read_file", map[string]any{"path": "a.go"}),
		),
	)
	sess.PendingPlan = &types.Plan{Steps: []types.PlanStep{
		{Index: 0, Description: "read failing test", Status: types.StepDone},
		{Index: 1, Description: "patch the code", Status: types.StepPending},
	}}
	sess.Status = types.StatusAwaitingKeepRevert
	sess.Usage.Add(1200, 340)

	require.NoError(t, s.SaveSession(sess))

	loaded, err := s.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, types.StatusAwaitingKeepRevert, loaded.Status)
	assert.Equal(t, int64(1200), loaded.Usage.InputTokens)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "fix the tests", loaded.History[0].Text())
	uses := loaded.History[1].ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "read_file", uses[0].Name)
	require.NotNil(t, loaded.PendingPlan)
	assert.Len(t, loaded.PendingPlan.Steps, 2)
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadSession("nope")
	assert.ErrorIs(t, err, types.ErrNoSuchSession)
}

func TestSaveIsUpsert(t *testing.T) {
	s := newTestStore(t)

	sess := types.NewSession("s1", "default", "local:/ws")
	require.NoError(t, s.SaveSession(sess))

	sess.History = append(sess.History, types.UserTurn("hello"))
	sess.Status = types.StatusRunning
	require.NoError(t, s.SaveSession(sess))

	loaded, err := s.LoadSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, loaded.Status)
	assert.Len(t, loaded.History, 1)

	all, err := s.ListSessions()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestChangeSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := types.NewSession("s1", "default", "local:/ws")
	require.NoError(t, s.SaveSession(sess))

	keyA := types.SnapshotKey{BackendID: "local:/ws", Path: "a.py"}
	keyB := types.SnapshotKey{BackendID: "local:/ws", Path: "b.py"}
	modified := map[types.SnapshotKey]types.FileSnapshot{
		keyA: {OriginalContent: []byte("print('a')"), ExistedBefore: true},
		keyB: {ExistedBefore: false},
	}
	checkpoints := []types.Checkpoint{{
		ID:    uuid.New().String(),
		Seq:   1,
		Label: "step 1",
		Files: map[types.SnapshotKey]types.FileSnapshot{
			keyA: {OriginalContent: []byte("print('a')"), ExistedBefore: true},
		},
		State: map[types.SnapshotKey]types.FileSnapshot{
			keyA: {OriginalContent: []byte("print('a v1')"), ExistedBefore: true},
		},
		CreatedAt: time.Now(),
	}}

	require.NoError(t, s.SaveChangeSet("s1", modified, checkpoints))

	loaded, err := s.LoadSession("s1")
	require.NoError(t, err)
	require.Len(t, loaded.ModifiedFiles, 2)
	assert.Equal(t, []byte("print('a')"), loaded.ModifiedFiles[keyA].OriginalContent)
	assert.True(t, loaded.ModifiedFiles[keyA].ExistedBefore)
	assert.False(t, loaded.ModifiedFiles[keyB].ExistedBefore)

	require.Len(t, loaded.Checkpoints, 1)
	cp := loaded.Checkpoints[0]
	assert.Equal(t, "step 1", cp.Label)
	assert.Equal(t, []byte("print('a v1')"), cp.State[keyA].OriginalContent)

	// Saving an empty change-set clears both tables.
	require.NoError(t, s.SaveChangeSet("s1", nil, nil))
	loaded, err = s.LoadSession("s1")
	require.NoError(t, err)
	assert.Empty(t, loaded.ModifiedFiles)
	assert.Empty(t, loaded.Checkpoints)
}

func TestEventLog(t *testing.T) {
	s := newTestStore(t)

	seq, err := s.NextEventSeq("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	for i := int64(1); i <= 3; i++ {
		e := types.NewEvent(types.EventText, "s1")
		e.Seq = i
		e.Text = "chunk"
		require.NoError(t, s.AppendEvent(e))
	}

	// Events for another session do not interleave.
	other := types.NewEvent(types.EventDone, "s2")
	other.Seq = 1
	require.NoError(t, s.AppendEvent(other))

	events, err := s.LoadEvents("s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, types.EventText, e.Kind)
	}

	seq, err = s.NextEventSeq("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	count, err := s.EventCount("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Duplicate sequence numbers are rejected by the primary key.
	dup := types.NewEvent(types.EventText, "s1")
	dup.Seq = 2
	assert.Error(t, s.AppendEvent(dup))
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	sess := types.NewSession("s1", "default", "local:/ws")
	require.NoError(t, s.SaveSession(sess))

	e := types.NewEvent(types.EventText, "s1")
	e.Seq = 1
	require.NoError(t, s.AppendEvent(e))

	require.NoError(t, s.DeleteSession("s1"))

	_, err := s.LoadSession("s1")
	assert.ErrorIs(t, err, types.ErrNoSuchSession)
	events, err := s.LoadEvents("s1")
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, s.DeleteSession("s1"), types.ErrNoSuchSession)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.db")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(types.NewSession("s1", "default", "local:/ws")))
	require.NoError(t, s.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "default", loaded.Name)
}
