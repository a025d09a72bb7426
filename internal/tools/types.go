// Package tools provides the tool definitions the orchestrator exposes to
// the reasoning service, and the registry that resolves requested tool
// invocations to executable implementations.
package tools

import (
	"context"
	"time"

	"loom/internal/backend"
)

// Property describes a single parameter property for the JSON schema sent
// to the reasoning service.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecContext carries the collaborators a tool execution may use. Tools
// never reach outside it; in particular all file and command access goes
// through the backend so path containment stays the backend's contract.
type ExecContext struct {
	Backend backend.Backend

	// OnOutput receives streamed command output chunks, when the tool
	// produces any. May be nil.
	OnOutput func(chunk string)

	// CommandTimeout bounds run_command executions.
	CommandTimeout time.Duration
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, ec *ExecContext, args map[string]any) (string, error)

// Tool defines one invocable tool.
type Tool struct {
	// Name is the unique identifier requested by the reasoning service.
	Name string

	// Description is sent to the reasoning service with the schema.
	Description string

	// Mutates marks tools that change file state. The orchestrator
	// snapshots the target path (the "path" argument by convention)
	// before dispatching a mutating tool.
	Mutates bool

	// Execute runs the tool.
	Execute ExecuteFunc

	// Schema describes the expected arguments.
	Schema Schema
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// MutatedPath returns the path a mutating invocation touches, if any.
func (t *Tool) MutatedPath(args map[string]any) (string, bool) {
	if !t.Mutates {
		return "", false
	}
	path, ok := args["path"].(string)
	return path, ok && path != ""
}
