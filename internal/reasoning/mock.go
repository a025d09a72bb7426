package reasoning

import (
	"context"
	"fmt"
	"sync"

	"loom/internal/types"
)

// ScriptedResponse is one canned reasoning exchange for the mock provider.
type ScriptedResponse struct {
	// Blocks are emitted on the stream in order.
	Blocks []types.ContentBlock

	// Err, when set, fails the request before any block is produced.
	Err error

	// StreamErr, when set, surfaces after Blocks as a mid-stream failure.
	StreamErr error

	Usage      types.TokenUsage
	StopReason string
}

// TextResponse scripts a plain text answer.
func TextResponse(text string) ScriptedResponse {
	return ScriptedResponse{
		Blocks:     []types.ContentBlock{types.TextBlock(text)},
		StopReason: "end_turn",
	}
}

// ToolCallResponse scripts a single tool invocation.
func ToolCallResponse(id, name string, input map[string]any) ScriptedResponse {
	return ScriptedResponse{
		Blocks:     []types.ContentBlock{types.ToolUseBlock(id, name, input)},
		StopReason: "tool_use",
	}
}

// Mock is a scripted Provider for tests. Each Stream call consumes the next
// scripted response; requests are recorded for assertions.
type Mock struct {
	mu       sync.Mutex
	script   []ScriptedResponse
	calls    int
	requests []Request
}

// NewMock builds a mock provider that plays back the given responses.
func NewMock(responses ...ScriptedResponse) *Mock {
	return &Mock{script: responses}
}

func (m *Mock) Name() string { return "mock" }

// Append adds responses to the end of the script.
func (m *Mock) Append(responses ...ScriptedResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Calls returns how many Stream calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the recorded requests in call order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Mock) Stream(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.calls >= len(m.script) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock script exhausted after %d calls: %w", m.calls, ErrEmptyResponse)
	}
	scripted := m.script[m.calls]
	m.calls++
	m.mu.Unlock()

	if scripted.Err != nil {
		return nil, scripted.Err
	}

	stopReason := scripted.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	stream := newStream(len(scripted.Blocks))
	stream.setOutcome(scripted.Usage, stopReason)
	go func() {
		defer stream.close()
		for _, block := range scripted.Blocks {
			select {
			case stream.blocks <- block:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
		if scripted.StreamErr != nil {
			stream.setErr(scripted.StreamErr)
		}
	}()
	return stream, nil
}
