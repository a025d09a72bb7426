package history

import (
	"unicode/utf8"

	"loom/internal/types"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for context budget management. The heuristic is
// calibrated for Claude-style tokenizers (~4 characters per token).

// TokenCounter provides token estimation.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling
	return int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
}

// CountBlock estimates tokens for a single content block.
func (tc *TokenCounter) CountBlock(b types.ContentBlock) int {
	// Block framing overhead (role/type markers)
	tokens := 4

	switch b.Type {
	case types.BlockText, types.BlockThinking:
		tokens += tc.CountString(b.Text)
	case types.BlockToolUse:
		tokens += tc.CountString(b.Name)
		for k, v := range b.Input {
			tokens += tc.CountString(k) + 2
			if s, ok := v.(string); ok {
				tokens += tc.CountString(s)
			} else {
				tokens += 3
			}
		}
	case types.BlockToolResult:
		tokens += tc.CountString(b.Content) + 2
	case types.BlockImage:
		// Images dominate; estimate from payload size
		tokens += len(b.Data) / 6
	}
	return tokens
}

// CountTurn estimates tokens for one turn.
func (tc *TokenCounter) CountTurn(t types.Turn) int {
	total := 3 // turn framing
	for _, b := range t.Blocks {
		total += tc.CountBlock(b)
	}
	return total
}

// CountTurns estimates tokens for a slice of turns.
func (tc *TokenCounter) CountTurns(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += tc.CountTurn(t)
	}
	return total
}
