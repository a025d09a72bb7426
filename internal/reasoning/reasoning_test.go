package reasoning

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
	"loom/internal/types"
)

func TestTransientClassification(t *testing.T) {
	t.Run("wrapped errors are transient", func(t *testing.T) {
		err := Transient(errors.New("connection reset"))
		assert.True(t, IsTransient(err))
		assert.True(t, IsTransient(fmt.Errorf("request failed: %w", err)))
	})

	t.Run("plain errors are fatal", func(t *testing.T) {
		assert.False(t, IsTransient(errors.New("invalid api key")))
		assert.False(t, IsTransient(nil))
	})

	t.Run("cancellation is never transient", func(t *testing.T) {
		assert.False(t, IsTransient(Transient(context.Canceled)))
		assert.False(t, IsTransient(context.DeadlineExceeded))
	})
}

func TestClassify(t *testing.T) {
	assert.True(t, classify(errors.New("API request failed with status 429")))
	assert.True(t, classify(errors.New("upstream overloaded")))
	assert.True(t, classify(errors.New("unexpected EOF")))
	assert.False(t, classify(errors.New("invalid request: unknown model")))
	assert.False(t, classify(errors.New("authentication_error")))
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic(config.ReasoningConfig{Model: "claude-sonnet-4-5-20250514"}, 0)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestMockProvider(t *testing.T) {
	t.Run("plays back the script in order", func(t *testing.T) {
		m := NewMock(
			ToolCallResponse("tu_1", "read_file", map[string]any{"path": "a.go"}),
			TextResponse("done"),
		)

		stream, err := m.Stream(context.Background(), Request{Turns: []types.Turn{types.UserTurn("go")}})
		require.NoError(t, err)

		var blocks []types.ContentBlock
		for b := range stream.Blocks() {
			blocks = append(blocks, b)
		}
		require.NoError(t, stream.Err())
		require.Len(t, blocks, 1)
		assert.Equal(t, types.BlockToolUse, blocks[0].Type)
		assert.Equal(t, "tool_use", stream.StopReason())

		stream, err = m.Stream(context.Background(), Request{})
		require.NoError(t, err)
		var texts []string
		for b := range stream.Blocks() {
			texts = append(texts, b.Text)
		}
		assert.Equal(t, []string{"done"}, texts)
		assert.Equal(t, "end_turn", stream.StopReason())
		assert.Equal(t, 2, m.Calls())
	})

	t.Run("scripted request error", func(t *testing.T) {
		sentinel := Transient(errors.New("overloaded"))
		m := NewMock(ScriptedResponse{Err: sentinel})

		_, err := m.Stream(context.Background(), Request{})
		assert.True(t, IsTransient(err))
	})

	t.Run("scripted mid-stream error", func(t *testing.T) {
		m := NewMock(ScriptedResponse{
			Blocks:    []types.ContentBlock{types.TextBlock("partial")},
			StreamErr: errors.New("stream cut"),
		})

		stream, err := m.Stream(context.Background(), Request{})
		require.NoError(t, err)
		for range stream.Blocks() {
		}
		assert.Error(t, stream.Err())
	})

	t.Run("exhausted script fails", func(t *testing.T) {
		m := NewMock()
		_, err := m.Stream(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("records requests", func(t *testing.T) {
		m := NewMock(TextResponse("ok"))
		_, err := m.Stream(context.Background(), Request{System: "be brief"})
		require.NoError(t, err)

		reqs := m.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "be brief", reqs[0].System)
	})
}

func TestBuildSystem(t *testing.T) {
	assert.Nil(t, buildSystem(""))

	blocks := buildSystem("you are a coding agent")
	require.Len(t, blocks, 1)
	assert.Equal(t, "you are a coding agent", blocks[0].Text)
}

func TestBuildMessages(t *testing.T) {
	turns := []types.Turn{
		types.UserTurn("fix the bug"),
		types.AssistantTurn(
			types.TextBlock("looking"),
			types.ToolUseBlock("tu_1", "read_file", map[string]any{"path": "a.go"}),
		),
		{Role: types.RoleUser, Blocks: []types.ContentBlock{
			types.ToolResultBlock("tu_1", "package a", true),
		}},
		types.GuidanceTurn("prefer a minimal change"),
		// A turn whose only content cannot be resent contributes nothing.
		{Role: types.RoleAssistant, Blocks: []types.ContentBlock{
			types.ThinkingBlock("internal"),
		}},
	}

	messages := buildMessages(turns)
	assert.Len(t, messages, 4, "thinking-only turn must be skipped")
}
