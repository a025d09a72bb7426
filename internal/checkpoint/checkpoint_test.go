package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/backend"
	"loom/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *backend.Local) {
	t.Helper()
	b, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewManager(b), b
}

func TestTrack(t *testing.T) {
	t.Run("captures original content at first touch", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, b.WriteFile("a.py", []byte("original")))

		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("mutated")))
		require.NoError(t, m.Track("a.py")) // second touch must not recapture

		snap, ok := m.Original("a.py")
		require.True(t, ok)
		assert.True(t, snap.ExistedBefore)
		assert.Equal(t, []byte("original"), snap.OriginalContent)
	})

	t.Run("records absence for files that did not exist", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.Track("new.py"))

		snap, ok := m.Original("new.py")
		require.True(t, ok)
		assert.False(t, snap.ExistedBefore)
		assert.Nil(t, snap.OriginalContent)
	})

	t.Run("normalizes path spellings to one key", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, b.WriteFile("dir/f.go", []byte("x")))

		require.NoError(t, m.Track("./dir/f.go"))
		require.NoError(t, m.Track("dir/f.go"))
		require.NoError(t, m.Track("dir/../dir/f.go"))

		assert.Equal(t, []string{"dir/f.go"}, m.TouchedPaths())
	})
}

func TestRevert(t *testing.T) {
	t.Run("is a perfect inverse of the change-set", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, b.WriteFile("a.py", []byte("a original")))

		// Modify an existing file and create a new one.
		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("a changed")))
		require.NoError(t, m.Track("b.py"))
		require.NoError(t, b.WriteFile("b.py", []byte("b created")))

		failed := m.Revert()
		assert.Empty(t, failed)

		content, err := b.ReadFile("a.py")
		require.NoError(t, err)
		assert.Equal(t, []byte("a original"), content)

		exists, err := b.Exists("b.py")
		require.NoError(t, err)
		assert.False(t, exists, "file created within the change-set must be deleted")

		assert.False(t, m.HasChanges())
		assert.Empty(t, m.Checkpoints())
	})

	t.Run("tolerates delete then recreate", func(t *testing.T) {
		m, b := newTestManager(t)

		require.NoError(t, m.Track("c.py"))
		require.NoError(t, b.WriteFile("c.py", []byte("v1")))
		require.NoError(t, b.Remove("c.py"))
		require.NoError(t, b.WriteFile("c.py", []byte("v2")))

		assert.Empty(t, m.Revert())
		exists, err := b.Exists("c.py")
		require.NoError(t, err)
		assert.False(t, exists, "existed_before=false wins regardless of later recreation")
	})

	t.Run("tolerates already-deleted paths", func(t *testing.T) {
		m, b := newTestManager(t)

		require.NoError(t, m.Track("gone.py"))
		require.NoError(t, b.WriteFile("gone.py", []byte("x")))
		require.NoError(t, b.Remove("gone.py"))

		assert.Empty(t, m.Revert())
		assert.False(t, m.HasChanges())
	})
}

func TestKeep(t *testing.T) {
	t.Run("commits state and is idempotent", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("kept")))
		_, err := m.Checkpoint("step 1")
		require.NoError(t, err)

		m.Keep()
		assert.False(t, m.HasChanges())
		assert.Empty(t, m.Checkpoints())

		m.Keep() // second call is a no-op, not an error

		content, err := b.ReadFile("a.py")
		require.NoError(t, err)
		assert.Equal(t, []byte("kept"), content)
	})
}

func TestRewind(t *testing.T) {
	t.Run("restores the exact state at the checkpoint", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, b.WriteFile("a.py", []byte("v0")))

		// Step one: mutate a.py, cut C1.
		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("v1")))
		c1, err := m.Checkpoint("step 1")
		require.NoError(t, err)

		// Step two: mutate a.py again, create b.py, cut C2.
		require.NoError(t, b.WriteFile("a.py", []byte("v2")))
		require.NoError(t, m.Track("b.py"))
		require.NoError(t, b.WriteFile("b.py", []byte("b")))
		c2, err := m.Checkpoint("step 2")
		require.NoError(t, err)

		failed, err := m.Rewind(c1)
		require.NoError(t, err)
		assert.Empty(t, failed)

		content, err := b.ReadFile("a.py")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), content, "a.py must return to its state at C1")

		exists, err := b.Exists("b.py")
		require.NoError(t, err)
		assert.False(t, exists, "b.py was created after C1 and must be gone")

		// C2 was discarded by the rewind.
		_, err = m.Rewind(c2)
		assert.ErrorIs(t, err, types.ErrNoSuchCheckpoint)

		// C1 itself survives and remains a valid target.
		_, err = m.Rewind(c1)
		assert.NoError(t, err)
	})

	t.Run("keeps pre-checkpoint entries tracked so revert still works", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, b.WriteFile("a.py", []byte("v0")))

		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("v1")))
		c1, err := m.Checkpoint("step 1")
		require.NoError(t, err)

		require.NoError(t, b.WriteFile("a.py", []byte("v2")))

		_, err = m.Rewind(c1)
		require.NoError(t, err)

		// After the rewind, revert must still reach back to the
		// pre-change-set original.
		assert.Empty(t, m.Revert())
		content, err := b.ReadFile("a.py")
		require.NoError(t, err)
		assert.Equal(t, []byte("v0"), content)
	})

	t.Run("unknown id mutates nothing", func(t *testing.T) {
		m, b := newTestManager(t)
		require.NoError(t, m.Track("a.py"))
		require.NoError(t, b.WriteFile("a.py", []byte("v1")))

		_, err := m.Rewind("no-such-id")
		assert.True(t, errors.Is(err, types.ErrNoSuchCheckpoint))

		content, err := b.ReadFile("a.py")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), content)
		assert.True(t, m.HasChanges())
	})
}

func TestCheckpointSeq(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Checkpoint("one")
	require.NoError(t, err)
	_, err = m.Checkpoint("two")
	require.NoError(t, err)

	cps := m.Checkpoints()
	require.Len(t, cps, 2)
	assert.Less(t, cps[0].Seq, cps[1].Seq)
}

func TestRestoreState(t *testing.T) {
	m, b := newTestManager(t)
	require.NoError(t, m.Track("a.py"))
	require.NoError(t, b.WriteFile("a.py", []byte("x")))
	_, err := m.Checkpoint("saved")
	require.NoError(t, err)

	modified := m.Modified()
	cps := m.Checkpoints()

	fresh := NewManager(b)
	fresh.Restore(modified, cps)

	assert.Equal(t, m.TouchedPaths(), fresh.TouchedPaths())
	require.Len(t, fresh.Checkpoints(), 1)

	// Seq continues past the restored checkpoints.
	id, err := fresh.Checkpoint("next")
	require.NoError(t, err)
	for _, cp := range fresh.Checkpoints() {
		if cp.ID == id {
			assert.Greater(t, cp.Seq, cps[0].Seq)
		}
	}
}
