package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loom/internal/store"
	"loom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)

	b := NewBroker(st)
	b.Start(context.Background())
	t.Cleanup(func() {
		b.Stop()
		st.Close()
	})
	return b, st
}

func textEvent(sessionID, text string) types.Event {
	e := types.NewEvent(types.EventText, sessionID)
	e.Text = text
	return e
}

// collect reads n events with a timeout so a broken broker fails the test
// instead of hanging it.
func collect(t *testing.T, sub *Subscription, n int) []types.Event {
	t.Helper()
	var got []types.Event
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-sub.Events():
			require.True(t, ok, "stream closed after %d of %d events", len(got), n)
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPersistThenBroadcast(t *testing.T) {
	b, st := newTestBroker(t)

	sub := b.Subscribe("s1")
	defer sub.Close()

	require.NoError(t, b.Publish(textEvent("s1", "one")))
	require.NoError(t, b.Publish(textEvent("s1", "two")))

	got := collect(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, "one", got[0].Text)

	// Every broadcast event is already in the log.
	persisted, err := st.LoadEvents("s1")
	require.NoError(t, err)
	diff := cmp.Diff(got, persisted, cmpopts.EquateApproxTime(time.Second))
	assert.Empty(t, diff)
}

func TestSessionsDoNotCrossTalk(t *testing.T) {
	b, _ := newTestBroker(t)

	sub1 := b.Subscribe("s1")
	defer sub1.Close()
	sub2 := b.Subscribe("s2")
	defer sub2.Close()

	require.NoError(t, b.Publish(textEvent("s1", "for one")))
	require.NoError(t, b.Publish(textEvent("s2", "for two")))

	got1 := collect(t, sub1, 1)
	got2 := collect(t, sub2, 1)
	assert.Equal(t, "for one", got1[0].Text)
	assert.Equal(t, "for two", got2[0].Text)

	// Per-session sequences are independent.
	assert.Equal(t, int64(1), got1[0].Seq)
	assert.Equal(t, int64(1), got2[0].Seq)
}

func TestReplayReproducesLog(t *testing.T) {
	b, _ := newTestBroker(t)

	// Persist three events, synchronizing on a live subscriber.
	sync := b.Subscribe("s1")
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(textEvent("s1", text)))
	}
	collect(t, sync, 3)
	sync.Close()

	state := types.Event{Status: string(types.StatusIdle)}
	sub, err := b.Replay("s1", state)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 5)

	// Replayed entries carry their original kind and seq, tagged Replay.
	for i, e := range got[:3] {
		assert.Equal(t, types.EventText, e.Kind)
		assert.Equal(t, int64(i+1), e.Seq)
		assert.True(t, e.Replay)
	}
	assert.Equal(t, types.EventReplayState, got[3].Kind)
	assert.Equal(t, string(types.StatusIdle), got[3].Status)
	assert.Equal(t, types.EventReplayDone, got[4].Kind)
}

func TestReplaySplicesLiveWithoutGapsOrDuplicates(t *testing.T) {
	b, _ := newTestBroker(t)

	sync := b.Subscribe("s1")
	require.NoError(t, b.Publish(textEvent("s1", "before-1")))
	require.NoError(t, b.Publish(textEvent("s1", "before-2")))
	collect(t, sync, 2)
	sync.Close()

	sub, err := b.Replay("s1", types.Event{})
	require.NoError(t, err)
	defer sub.Close()

	// Published mid-replay or after; either way it must arrive exactly once.
	require.NoError(t, b.Publish(textEvent("s1", "after-1")))
	require.NoError(t, b.Publish(textEvent("s1", "after-2")))

	got := collect(t, sub, 6) // 2 replay + state + done + 2 live

	seen := make(map[int64]int)
	for _, e := range got {
		if e.Kind == types.EventReplayState || e.Kind == types.EventReplayDone {
			continue
		}
		seen[e.Seq]++
	}
	for seq := int64(1); seq <= 4; seq++ {
		assert.Equal(t, 1, seen[seq], "seq %d must arrive exactly once", seq)
	}
}

func TestRepeatedReconnects(t *testing.T) {
	b, _ := newTestBroker(t)

	sync := b.Subscribe("s1")
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(textEvent("s1", "e")))
	}
	collect(t, sync, 4)
	sync.Close()

	// Each reconnect replays the full log exactly once.
	for i := 0; i < 3; i++ {
		sub, err := b.Replay("s1", types.Event{})
		require.NoError(t, err)
		got := collect(t, sub, 6)

		replayed := 0
		for _, e := range got {
			if e.Replay {
				replayed++
			}
		}
		assert.Equal(t, 4, replayed)
		sub.Close()
	}
}

func TestReplayEmptyLog(t *testing.T) {
	b, _ := newTestBroker(t)

	sub, err := b.Replay("fresh", types.Event{})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, types.EventReplayState, got[0].Kind)
	assert.Equal(t, types.EventReplayDone, got[1].Kind)

	// Live events still flow after an empty replay.
	require.NoError(t, b.Publish(textEvent("fresh", "first")))
	live := collect(t, sub, 1)
	assert.Equal(t, int64(1), live[0].Seq)
}

func TestPublishAfterStop(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	defer st.Close()

	b := NewBroker(st)
	b.Start(context.Background())
	require.NoError(t, b.Stop())

	assert.ErrorIs(t, b.Publish(textEvent("s1", "late")), ErrBrokerClosed)
	assert.NoError(t, b.Stop(), "second stop is a no-op")
}

func TestStopDrainsPending(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	defer st.Close()

	b := NewBroker(st)
	b.Start(context.Background())
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(textEvent("s1", "pending")))
	}
	require.NoError(t, b.Stop())

	persisted, err := st.LoadEvents("s1")
	require.NoError(t, err)
	assert.Len(t, persisted, 10)
}
