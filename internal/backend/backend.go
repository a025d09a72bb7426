// Package backend provides the execution backend abstraction: file and
// command primitives addressed against a backend-scoped root. The engine
// core only calls these primitives; path containment inside the root is this
// package's contract, not the caller's.
package backend

import (
	"context"
	"errors"
	"time"
)

// Backend is the interface for a file/command execution target.
// Implementations must resolve every path against their root and reject
// paths that escape it.
type Backend interface {
	// ID returns the opaque backend identity. Two backends with different
	// identities must never share cached paths or snapshots.
	ID() string

	// ReadFile returns the content of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes content to a file, creating parent directories.
	WriteFile(path string, content []byte) error

	// Remove deletes a file.
	Remove(path string) error

	// Exists reports whether a path exists.
	Exists(path string) (bool, error)

	// ListDir returns the entry names of a directory.
	ListDir(path string) ([]DirEntry, error)

	// RunCommand executes a shell command, streaming combined output to
	// onOutput as it is produced. Cancellation of ctx forcefully
	// terminates the process.
	RunCommand(ctx context.Context, cmd Command, onOutput func(chunk string)) (*CommandResult, error)
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Command describes a shell command to execute within the backend root.
type Command struct {
	// Command is the shell command line.
	Command string `json:"command"`

	// WorkingDir is resolved against the backend root; empty means the
	// root itself.
	WorkingDir string `json:"working_dir,omitempty"`

	// Environment variables in KEY=VALUE form, merged over the inherited
	// environment.
	Environment []string `json:"environment,omitempty"`

	// Timeout bounds execution; zero means the backend default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CommandResult is the outcome of one command execution.
type CommandResult struct {
	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Output is the combined stdout+stderr, possibly truncated.
	Output string `json:"output"`

	// Killed indicates the command was forcibly terminated (timeout or
	// cancellation).
	Killed bool `json:"killed"`

	// Truncated indicates output was cut at the size limit.
	Truncated bool `json:"truncated"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`
}

// Backend errors.
var (
	// ErrPathEscapesRoot is returned when a resolved path leaves the
	// backend root.
	ErrPathEscapesRoot = errors.New("path escapes backend root")

	// ErrNotFound is returned when a read targets a missing path.
	ErrNotFound = errors.New("path not found")
)
