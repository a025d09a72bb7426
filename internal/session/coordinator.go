// Package session is the registry and control surface for sessions. The
// coordinator owns the mapping from session id to its live collaborators
// (history, checkpoints, orchestrator); observers attach and detach without
// ever mutating the Session aggregate directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"loom/internal/backend"
	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/diff"
	"loom/internal/events"
	"loom/internal/history"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/reasoning"
	"loom/internal/store"
	"loom/internal/tools"
	"loom/internal/types"
)

// DefaultSessionID is used when a control message carries no session id.
const DefaultSessionID = "default"

// Coordinator routes control messages to per-session orchestrators and owns
// session lifecycle: create-or-resume, attach, reset, delete.
type Coordinator struct {
	cfg      *config.Config
	st       *store.Store
	broker   *events.Broker
	back     backend.Backend
	provider reasoning.Provider
	registry *tools.Registry
	engine   *diff.Engine

	mu     sync.Mutex
	active map[string]*managed
}

// managed bundles one session's live collaborators.
type managed struct {
	sess *types.Session
	hist *history.Manager
	cps  *checkpoint.Manager
	orch *orchestrator.Orchestrator
}

// NewCoordinator builds the registry over shared infrastructure. The broker
// must already be started; the provider is shared across sessions.
func NewCoordinator(cfg *config.Config, st *store.Store, broker *events.Broker, back backend.Backend, provider reasoning.Provider) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		st:       st,
		broker:   broker,
		back:     back,
		provider: provider,
		registry: tools.DefaultRegistry(),
		engine:   diff.NewEngine(),
		active:   make(map[string]*managed),
	}
}

// resolve returns the live entry for id, loading it from the store or
// creating a fresh session when none exists. An empty id selects the
// default session.
func (c *Coordinator) resolve(id string) (*managed, error) {
	if strings.TrimSpace(id) == "" {
		id = DefaultSessionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.active[id]; ok {
		return m, nil
	}

	sess, err := c.st.LoadSession(id)
	switch {
	case errors.Is(err, types.ErrNoSuchSession):
		sess = types.NewSession(id, id, c.back.ID())
		logging.Session("Created session %s", id)
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	default:
		logging.Session("Resumed session %s (%d turns, %d tracked files)",
			id, len(sess.History), len(sess.ModifiedFiles))
	}

	m := c.manage(sess)
	if errors.Is(err, types.ErrNoSuchSession) {
		c.persist(m)
	}
	c.active[id] = m
	return m, nil
}

// manage wires a session aggregate to fresh collaborators, restoring any
// persisted history and change-set state.
func (c *Coordinator) manage(sess *types.Session) *managed {
	hist := history.NewManager(c.cfg.History, history.NewExtractiveSummarizer())
	hist.Restore(sess.History)

	cps := checkpoint.NewManager(c.back)
	cps.Restore(sess.ModifiedFiles, sess.Checkpoints)

	m := &managed{sess: sess, hist: hist, cps: cps}
	m.orch = orchestrator.New(orchestrator.Params{
		Session:     sess,
		History:     hist,
		Checkpoints: cps,
		Provider:    c.provider,
		Registry:    c.registry,
		Broker:      c.broker,
		Backend:     c.back,
		Config:      c.cfg,
		Persist:     func() { c.persist(m) },
	})
	return m
}

// persist writes the session aggregate and its change-set through the store.
// Called at orchestrator suspension points and after control mutations.
func (c *Coordinator) persist(m *managed) {
	m.sess.History = m.hist.Turns()
	m.sess.ModifiedFiles = m.cps.Modified()
	m.sess.Checkpoints = m.cps.Checkpoints()
	m.sess.UpdatedAt = time.Now()

	if err := c.st.SaveSession(m.sess); err != nil {
		logging.Session("Failed to persist session %s: %v", m.sess.ID, err)
		return
	}
	if err := c.st.SaveChangeSet(m.sess.ID, m.sess.ModifiedFiles, m.sess.Checkpoints); err != nil {
		logging.Session("Failed to persist change-set for %s: %v", m.sess.ID, err)
	}
}

// =============================================================================
// ATTACH / OBSERVE
// =============================================================================

// Attach connects an observer to a session, creating it if needed. The
// subscription replays the persisted event log, then a state snapshot, then
// splices onto the live stream. Detaching (closing the subscription) never
// cancels or pauses a run.
func (c *Coordinator) Attach(id string) (*types.Session, *events.Subscription, error) {
	m, err := c.resolve(id)
	if err != nil {
		return nil, nil, err
	}

	sub, err := c.broker.Replay(m.sess.ID, c.replayState(m))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to replay session %s: %w", m.sess.ID, err)
	}
	logging.Session("Observer attached to %s", m.sess.ID)
	return m.sess, sub, nil
}

// replayState summarizes where the session stands right now: status, the
// outstanding plan checklist, and the pending keep/revert diff if one is
// open. It is synthesized at attach time, never persisted. The aggregate may
// be mid-mutation by an active run, so everything is read through the
// orchestrator's locked snapshot.
func (c *Coordinator) replayState(m *managed) types.Event {
	status, usage, plan := m.orch.State()

	e := types.NewEvent(types.EventReplayState, m.sess.ID)
	e.Status = string(status)
	e.InputTokens = usage.InputTokens
	e.OutputTokens = usage.OutputTokens

	if plan != nil {
		for _, step := range plan.Steps {
			e.Steps = append(e.Steps, step.Description)
			e.StepStatus = append(e.StepStatus, string(step.Status))
		}
	}

	if status == types.StatusAwaitingKeepRevert && m.cps.HasChanges() {
		e.Diff = c.pendingDiff(m)
	}
	return e
}

// pendingDiff renders the open change-set as one concatenated unified diff.
func (c *Coordinator) pendingDiff(m *managed) string {
	var sb strings.Builder
	for _, path := range m.cps.TouchedPaths() {
		snap, ok := m.cps.Original(path)
		if !ok {
			continue
		}
		var current string
		if data, err := c.back.ReadFile(path); err == nil {
			current = string(data)
		}
		fd := c.engine.ComputeDiff(path, path, string(snap.OriginalContent), current)
		if fd.HasChanges() {
			sb.WriteString(fd.Unified())
		}
	}
	return sb.String()
}

// =============================================================================
// CONTROL MESSAGES
// =============================================================================

// Task runs one task to completion (or suspension) on the session. A task
// submitted while one is active is rejected with ErrSessionBusy.
func (c *Coordinator) Task(ctx context.Context, id, content string) error {
	m, err := c.resolve(id)
	if err != nil {
		return err
	}
	return m.orch.Run(ctx, content)
}

// Guidance queues mid-run steering for the session's active run.
func (c *Coordinator) Guidance(id, content string) error {
	m, err := c.resolve(id)
	if err != nil {
		return err
	}
	m.orch.Guidance(content)
	return nil
}

// Cancel requests cooperative cancellation of the session's active run.
func (c *Coordinator) Cancel(id string) error {
	m, err := c.resolve(id)
	if err != nil {
		return err
	}
	m.orch.Cancel()
	return nil
}

// ApprovePlan resumes a run parked in AwaitingPlanApproval.
func (c *Coordinator) ApprovePlan(id string) error {
	m, err := c.resolve(id)
	if err != nil {
		return err
	}
	return m.orch.ApprovePlan()
}

// RejectPlan declines a proposed plan; the run winds down to idle.
func (c *Coordinator) RejectPlan(id string) error {
	m, err := c.resolve(id)
	if err != nil {
		return err
	}
	return m.orch.RejectPlan()
}

// Keep commits the open change-set as permanent. With nothing tracked it is
// a no-op, not an error.
func (c *Coordinator) Keep(id string) error {
	m, err := c.control(id)
	if err != nil {
		return err
	}

	m.cps.Keep()
	m.orch.Update(func(s *types.Session) { s.Status = types.StatusIdle })
	c.persist(m)
	c.emit(types.NewEvent(types.EventKeep, m.sess.ID))
	logging.Session("Kept changes for %s", m.sess.ID)
	return nil
}

// Revert restores every tracked path to its pre-change-set state. Paths the
// backend fails to restore are reported, never silently dropped.
func (c *Coordinator) Revert(id string) ([]string, error) {
	m, err := c.control(id)
	if err != nil {
		return nil, err
	}

	failed := m.cps.Revert()
	m.orch.Update(func(s *types.Session) { s.Status = types.StatusIdle })
	c.persist(m)

	e := types.NewEvent(types.EventRevert, m.sess.ID)
	e.FailedPaths = failed
	c.emit(e)
	logging.Session("Reverted changes for %s (%d failed paths)", m.sess.ID, len(failed))
	return failed, nil
}

// RestoreCheckpoint rewinds the session to a labeled checkpoint. The id
// "latest" selects the most recent one. An unknown id fails with
// ErrNoSuchCheckpoint and mutates nothing.
func (c *Coordinator) RestoreCheckpoint(id, checkpointID string) ([]string, error) {
	m, err := c.control(id)
	if err != nil {
		return nil, err
	}

	if checkpointID == "latest" {
		cps := m.cps.Checkpoints()
		if len(cps) == 0 {
			return nil, types.ErrNoSuchCheckpoint
		}
		checkpointID = cps[len(cps)-1].ID
	}

	failed, err := m.cps.Rewind(checkpointID)
	if err != nil {
		return nil, err
	}
	c.persist(m)

	e := types.NewEvent(types.EventCheckpoint, m.sess.ID)
	e.CheckpointID = checkpointID
	e.Text = "restored"
	e.FailedPaths = failed
	c.emit(e)
	logging.Session("Rewound %s to checkpoint %s", m.sess.ID, checkpointID)
	return failed, nil
}

// Reset clears a session back to empty: open changes are reverted, history
// and the pending plan are dropped, token counters zeroed.
func (c *Coordinator) Reset(id string) error {
	m, err := c.control(id)
	if err != nil {
		return err
	}

	if failed := m.cps.Revert(); len(failed) > 0 {
		logging.Session("Reset of %s left %d unrestored paths", m.sess.ID, len(failed))
	}
	m.hist.Clear()
	m.orch.Update(func(s *types.Session) {
		s.PendingPlan = nil
		s.Usage = types.TokenUsage{}
		s.Status = types.StatusIdle
	})
	c.persist(m)
	logging.Session("Reset session %s", m.sess.ID)
	return nil
}

// Delete removes a session and all its persisted state. A session with an
// active run cannot be deleted.
func (c *Coordinator) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		id = DefaultSessionID
	}

	c.mu.Lock()
	if m, ok := c.active[id]; ok {
		if m.orch.Running() {
			c.mu.Unlock()
			return types.ErrSessionBusy
		}
		delete(c.active, id)
	}
	c.mu.Unlock()

	if err := c.st.DeleteSession(id); err != nil {
		return err
	}
	logging.Session("Deleted session %s", id)
	return nil
}

// List returns all persisted sessions, most recently updated first.
func (c *Coordinator) List() ([]*types.Session, error) {
	return c.st.ListSessions()
}

// Session returns the live aggregate for id, resolving it if needed.
func (c *Coordinator) Session(id string) (*types.Session, error) {
	m, err := c.resolve(id)
	if err != nil {
		return nil, err
	}
	return m.sess, nil
}

// control resolves a session for a state-changing control message; sessions
// with an active run reject them rather than racing the orchestrator.
func (c *Coordinator) control(id string) (*managed, error) {
	m, err := c.resolve(id)
	if err != nil {
		return nil, err
	}
	if m.orch.Running() {
		return nil, types.ErrSessionBusy
	}
	return m, nil
}

func (c *Coordinator) emit(e types.Event) {
	if err := c.broker.Publish(e); err != nil {
		logging.Session("Dropping event %s for %s: %v", e.Kind, e.SessionID, err)
	}
}
