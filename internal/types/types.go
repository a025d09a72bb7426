// Package types provides shared type definitions used across loom packages.
// This package exists to break import cycles between the orchestrator, the
// checkpoint manager, and the event engine. Types in this package are
// foundational data structures with no complex dependencies.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleGuidance is mid-run steering injected by the user. It is sent to
	// the reasoning service as a user turn but kept distinct in history so
	// compaction and replay can label it.
	RoleGuidance Role = "guidance"
)

// BlockType discriminates the ContentBlock union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one element of a turn's ordered content. Exactly the
// fields for the block's Type are populated; the rest stay zero so the
// JSON form of a persisted turn stays compact and stable.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text and thinking blocks.
	Text string `json:"text,omitempty"`

	// Tool use blocks.
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// Tool result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Success   bool   `json:"success,omitempty"`

	// Image blocks (base64 payload).
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock builds a tool invocation request block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds the result block for a prior tool_use id.
func ToolResultBlock(toolUseID, content string, success bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, Success: success}
}

// Turn is a single entry in the ordered conversation history.
type Turn struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	CreatedAt time.Time      `json:"created_at"`
}

// UserTurn builds a plain text user turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}, CreatedAt: time.Now()}
}

// GuidanceTurn builds a mid-run steering turn.
func GuidanceTurn(text string) Turn {
	return Turn{Role: RoleGuidance, Blocks: []ContentBlock{TextBlock(text)}, CreatedAt: time.Now()}
}

// AssistantTurn builds an assistant turn from content blocks.
func AssistantTurn(blocks ...ContentBlock) Turn {
	return Turn{Role: RoleAssistant, Blocks: blocks, CreatedAt: time.Now()}
}

// Text returns the concatenated text blocks of the turn.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the turn in order.
func (t Turn) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// =============================================================================
// FILE SNAPSHOTS AND CHECKPOINTS
// =============================================================================

// SnapshotKey identifies a tracked path. The backend identity is part of the
// key so a local root and a remote root can never collide even when their
// path strings happen to match.
type SnapshotKey struct {
	BackendID string `json:"backend_id"`
	Path      string `json:"path"`
}

func (k SnapshotKey) String() string {
	return k.BackendID + ":" + k.Path
}

// FileSnapshot records a path's state at first touch within the open
// change-set. OriginalContent is nil with ExistedBefore=false for a file
// created during the change-set.
type FileSnapshot struct {
	OriginalContent []byte `json:"original_content,omitempty"`
	ExistedBefore   bool   `json:"existed_before"`
}

// Checkpoint is a labeled copy-on-write snapshot of the change-set.
// Checkpoints form an append-only list per session; Seq is monotonically
// increasing within the session.
type Checkpoint struct {
	ID    string                       `json:"id"`
	Seq   int                          `json:"seq"`
	Label string                       `json:"label,omitempty"`
	Files map[SnapshotKey]FileSnapshot `json:"-"`

	// State holds each tracked path's content as it stood when the
	// checkpoint was cut, so a rewind can restore that exact state.
	// ExistedBefore here means "existed at capture time".
	State map[SnapshotKey]FileSnapshot `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// PLANS AND TOOL RUNS
// =============================================================================

// StepStatus tracks a plan step through its lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepDone      StepStatus = "done"
	StepCancelled StepStatus = "cancelled"
)

// PlanStep is one ordered step of a pending plan.
type PlanStep struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// Plan holds the steps the reasoning service proposed and whether the user
// approved them.
type Plan struct {
	Steps    []PlanStep `json:"steps"`
	Approved bool       `json:"approved"`
}

// ToolRunStatus tracks one dispatched tool invocation. After a cancelled run
// no tool run may remain pending or running.
type ToolRunStatus string

const (
	ToolRunPending   ToolRunStatus = "pending"
	ToolRunRunning   ToolRunStatus = "running"
	ToolRunSucceeded ToolRunStatus = "succeeded"
	ToolRunFailed    ToolRunStatus = "failed"
	ToolRunCancelled ToolRunStatus = "cancelled"
)

// ToolRun is the orchestrator's record of one tool dispatch.
type ToolRun struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status ToolRunStatus `json:"status"`
}

// =============================================================================
// SESSION AGGREGATE
// =============================================================================

// SessionStatus is the session lifecycle state machine.
type SessionStatus string

const (
	StatusIdle                 SessionStatus = "idle"
	StatusRunning              SessionStatus = "running"
	StatusAwaitingPlanApproval SessionStatus = "awaiting_plan_approval"
	StatusAwaitingKeepRevert   SessionStatus = "awaiting_keep_revert"
	StatusCancelled            SessionStatus = "cancelled"
)

// TokenUsage accumulates reasoning-service token counts for a session.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(in, out int64) {
	u.InputTokens += in
	u.OutputTokens += out
}

// Session is the durable aggregate for one conversation thread. It is
// mutated only by its own orchestrator run; observers see it exclusively
// through events.
type Session struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BackendID string `json:"backend_id"`

	History       []Turn                       `json:"history"`
	ModifiedFiles map[SnapshotKey]FileSnapshot `json:"-"`
	Checkpoints   []Checkpoint                 `json:"-"`
	PendingPlan   *Plan                        `json:"pending_plan,omitempty"`

	Status SessionStatus `json:"status"`
	Usage  TokenUsage    `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession builds an empty idle session bound to an execution backend.
func NewSession(id, name, backendID string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		Name:          name,
		BackendID:     backendID,
		ModifiedFiles: make(map[SnapshotKey]FileSnapshot),
		Status:        StatusIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
