// Package reasoning abstracts the reasoning service behind a Provider
// interface. A provider turns conversation history plus tool definitions
// into a stream of content blocks the orchestrator consumes one at a time.
package reasoning

import (
	"context"
	"sync"

	"loom/internal/tools"
	"loom/internal/types"
)

// Request is one reasoning service call.
type Request struct {
	// System is the system prompt for the call.
	System string

	// Turns is the conversation history, oldest first. Guidance turns are
	// sent as user turns.
	Turns []types.Turn

	// Tools are the tool definitions exposed for this call.
	Tools []*tools.Tool
}

// Provider is a reasoning service client.
type Provider interface {
	// Name identifies the provider for logging and config.
	Name() string

	// Stream issues a request and returns a stream of response content
	// blocks. A non-nil error from Stream means the request failed before
	// any block was produced; errors mid-stream surface through the
	// stream's Err after its channel closes.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream surfaces a model response one content block at a time. The channel
// closes when the response is exhausted or broken; Err, Usage and
// StopReason are valid only after that.
type Stream struct {
	blocks chan types.ContentBlock

	mu         sync.Mutex
	err        error
	usage      types.TokenUsage
	stopReason string
}

func newStream(buffer int) *Stream {
	return &Stream{blocks: make(chan types.ContentBlock, buffer)}
}

// Blocks returns the block channel. The consumer must drain it.
func (s *Stream) Blocks() <-chan types.ContentBlock {
	return s.blocks
}

// Err reports a mid-stream failure, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage reports the token counts the service attributed to this exchange.
func (s *Stream) Usage() types.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// StopReason reports why the model stopped ("end_turn", "tool_use", ...).
func (s *Stream) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) setOutcome(usage types.TokenUsage, stopReason string) {
	s.mu.Lock()
	s.usage = usage
	s.stopReason = stopReason
	s.mu.Unlock()
}

// close ends the stream; safe to call after all blocks are sent.
func (s *Stream) close() {
	close(s.blocks)
}
