package events

import (
	"context"
	"sync"

	"loom/internal/types"
)

const liveBuffer = 256

// Subscription is one observer's view of a session's event stream. Events
// arrive on Events() in persisted order; Close detaches from the broker.
type Subscription struct {
	id        int64
	sessionID string
	broker    *Broker

	live   chan types.Event // filled by the broker consumer
	out    chan types.Event // read by the client
	closed chan struct{}

	closeOnce sync.Once
	liveOnce  sync.Once
}

func newSubscription(b *Broker, sessionID string, id int64) *Subscription {
	return &Subscription{
		id:        id,
		sessionID: sessionID,
		broker:    b,
		live:      make(chan types.Event, liveBuffer),
		out:       make(chan types.Event, liveBuffer),
		closed:    make(chan struct{}),
	}
}

// Events is the stream the client reads. It closes after Close.
func (s *Subscription) Events() <-chan types.Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.unregister(s)
		close(s.closed)
	})
}

// deliver is called by the broker consumer. It blocks on a full buffer so
// ordering is preserved, but never past subscription close or broker stop.
func (s *Subscription) deliver(ctx context.Context, e types.Event) {
	select {
	case s.live <- e:
	case <-s.closed:
	case <-ctx.Done():
	}
}

// closeLive ends the live feed at broker shutdown.
func (s *Subscription) closeLive() {
	s.liveOnce.Do(func() { close(s.live) })
}

// emit pushes a synthesized (replay-phase) event to the client. Returns
// false when the subscription closed mid-replay.
func (s *Subscription) emit(e types.Event) bool {
	select {
	case s.out <- e:
		return true
	case <-s.closed:
		close(s.out)
		return false
	}
}

// pump forwards live events with Seq above afterSeq until close. Events at
// or below afterSeq were already delivered during replay.
func (s *Subscription) pump(afterSeq int64) {
	defer close(s.out)
	for {
		select {
		case e, ok := <-s.live:
			if !ok {
				return
			}
			if e.Seq <= afterSeq {
				continue
			}
			select {
			case s.out <- e:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}
