package types

import "time"

// =============================================================================
// EVENT UNION
// =============================================================================
// Events are the sole channel between the engine and any observer. Every
// field is a primitive or a slice of primitives so the whole union stays
// JSON-serializable for the durable event log.

// EventKind discriminates the Event union.
type EventKind string

const (
	EventThinking      EventKind = "thinking"
	EventText          EventKind = "text"
	EventToolUse       EventKind = "tool_use"
	EventToolResult    EventKind = "tool_result"
	EventCommandOutput EventKind = "command_output"
	EventDiff          EventKind = "diff"
	EventPlan          EventKind = "plan"
	EventCheckpoint    EventKind = "checkpoint"
	EventCompaction    EventKind = "compaction"
	EventKeep          EventKind = "keep"
	EventRevert        EventKind = "revert"
	EventDone          EventKind = "done"
	EventError         EventKind = "error"
	EventCancelled     EventKind = "cancelled"
	EventResumed       EventKind = "resumed"

	// Replay terminators. Replayed log entries keep their original kind and
	// set the Replay tag; these two are synthesized per reconnect and never
	// persisted.
	EventReplayState EventKind = "replay_state"
	EventReplayDone  EventKind = "replay_done"
)

// Event is the discriminated union pushed to observers and appended to the
// durable per-session event log. Seq is assigned by the event engine at
// persist time and is strictly increasing within a session; synthesized
// replay terminators carry Seq 0.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq,omitempty"`
	Replay    bool      `json:"replay,omitempty"`
	Timestamp time.Time `json:"ts"`

	// thinking, text, command_output, error, and summary payloads.
	Text string `json:"text,omitempty"`

	// tool_use and tool_result payloads. Input is the JSON-encoded tool
	// input so the event stays a flat primitive record.
	ToolID    string `json:"tool_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	Success   bool   `json:"success,omitempty"`

	// diff events and replay_state pending-diff payloads.
	Path string `json:"path,omitempty"`
	Diff string `json:"diff,omitempty"`

	// checkpoint events.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Label        string `json:"label,omitempty"`

	// plan events and the replay_state checklist.
	Steps      []string `json:"steps,omitempty"`
	StepStatus []string `json:"step_status,omitempty"`

	// replay_state session snapshot.
	Status string `json:"status,omitempty"`

	// done events.
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// revert / checkpoint restore partial failures.
	FailedPaths []string `json:"failed_paths,omitempty"`
}

// NewEvent builds an event of the given kind for a session, stamped now.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{Kind: kind, SessionID: sessionID, Timestamp: time.Now()}
}

// AsReplay returns a copy of the event tagged as a replay variant.
func (e Event) AsReplay() Event {
	e.Replay = true
	return e
}
