// Package events is the event engine: a single-consumer broker that
// persists every event to the durable log and then broadcasts it to
// subscribers, plus replay of the persisted log for reconnecting clients.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// ErrBrokerClosed is returned by Publish after the broker has stopped.
var ErrBrokerClosed = errors.New("event broker closed")

// Broker fans events out to subscribers after persisting them. A single
// consumer goroutine assigns sequence numbers and writes the log, so
// persisted order and broadcast order are the same order by construction.
type Broker struct {
	store *store.Store
	input chan types.Event

	g        *errgroup.Group
	cancel   context.CancelFunc
	stopping chan struct{}
	pub      sync.WaitGroup

	mu      sync.Mutex
	subs    map[string]map[int64]*Subscription
	nextSub int64
	seqs    map[string]int64
	closed  bool
}

// NewBroker builds a broker over the given store. Call Start before
// publishing.
func NewBroker(st *store.Store) *Broker {
	return &Broker{
		store:    st,
		input:    make(chan types.Event, 256),
		stopping: make(chan struct{}),
		subs:     make(map[string]map[int64]*Subscription),
		seqs:     make(map[string]int64),
	}
}

// Start launches the consumer goroutine.
func (b *Broker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.g, ctx = errgroup.WithContext(ctx)
	b.g.Go(func() error {
		return b.consume(ctx)
	})
	logging.EventsDebug("Broker started")
}

// Stop shuts the broker down: pending published events are processed, then
// all subscriptions close.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// Refuse new publishers, wait out in-flight ones, then close the
	// input so the consumer drains and exits. Cancelling first unblocks
	// deliveries to subscribers that stopped reading; drained events are
	// still persisted because persist precedes broadcast.
	close(b.stopping)
	b.pub.Wait()
	b.cancel()
	close(b.input)
	err := b.g.Wait()

	b.mu.Lock()
	for _, sessionSubs := range b.subs {
		for _, sub := range sessionSubs {
			sub.closeLive()
		}
	}
	b.subs = make(map[string]map[int64]*Subscription)
	b.mu.Unlock()

	logging.EventsDebug("Broker stopped")
	return err
}

// Publish hands an event to the consumer. The event's Seq is assigned at
// persist time; the caller's Seq value is ignored.
func (b *Broker) Publish(e types.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.pub.Add(1)
	b.mu.Unlock()
	defer b.pub.Done()

	select {
	case b.input <- e:
		return nil
	case <-b.stopping:
		return ErrBrokerClosed
	}
}

// consume is the single consumer: sequence, persist, then broadcast.
func (b *Broker) consume(ctx context.Context) error {
	for e := range b.input {
		seq, err := b.nextSeq(e.SessionID)
		if err != nil {
			logging.Events("Dropping event %s for %s: %v", e.Kind, e.SessionID, err)
			continue
		}
		e.Seq = seq

		if err := b.store.AppendEvent(e); err != nil {
			// An event that is not in the log must not reach observers,
			// or replay would not reproduce the live stream.
			logging.Events("Failed to persist event %s/%d: %v", e.SessionID, e.Seq, err)
			continue
		}

		b.broadcast(ctx, e)
	}
	return nil
}

// nextSeq returns the next sequence number for a session, loading the
// high-water mark from the store on first use.
func (b *Broker) nextSeq(sessionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq, ok := b.seqs[sessionID]
	if !ok {
		loaded, err := b.store.NextEventSeq(sessionID)
		if err != nil {
			return 0, fmt.Errorf("failed to load event sequence: %w", err)
		}
		seq = loaded
	}
	b.seqs[sessionID] = seq + 1
	return seq, nil
}

func (b *Broker) broadcast(ctx context.Context, e types.Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[e.SessionID]))
	for _, sub := range b.subs[e.SessionID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ctx, e)
	}
}

// Subscribe attaches a live-only subscriber to a session's event stream.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := b.register(sessionID)
	go sub.pump(0)
	return sub
}

// Replay attaches a subscriber that first receives the session's persisted
// log as replay-tagged events, then the given state snapshot, then a
// replay_done marker, then live events. Events persisted while the replay
// is running are delivered exactly once: the live splice skips everything
// at or below the last replayed sequence.
func (b *Broker) Replay(sessionID string, state types.Event) (*Subscription, error) {
	// Register before reading the log so no event can fall between the
	// end of the log and the start of the live feed.
	sub := b.register(sessionID)

	persisted, err := b.store.LoadEvents(sessionID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to load event log: %w", err)
	}

	var lastSeq int64
	if len(persisted) > 0 {
		lastSeq = persisted[len(persisted)-1].Seq
	}

	state.Kind = types.EventReplayState
	state.SessionID = sessionID
	state.Seq = 0

	go func() {
		for _, e := range persisted {
			if !sub.emit(e.AsReplay()) {
				return
			}
		}
		if !sub.emit(state) {
			return
		}
		done := types.NewEvent(types.EventReplayDone, sessionID)
		if !sub.emit(done) {
			return
		}
		sub.pump(lastSeq)
	}()

	logging.EventsDebug("Replay for %s: %d persisted events, splice after seq %d",
		sessionID, len(persisted), lastSeq)
	return sub, nil
}

func (b *Broker) register(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := newSubscription(b, sessionID, b.nextSub)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	return sub
}

func (b *Broker) unregister(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionSubs, ok := b.subs[sub.sessionID]; ok {
		delete(sessionSubs, sub.id)
		if len(sessionSubs) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
}
