// Package history owns the ordered conversation log for a session. It
// enforces the token budget through tiered compaction and repairs
// structurally broken exchanges before they are sent back to the reasoning
// service.
package history

import (
	"context"
	"sync"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/types"
)

// Compaction tiers.
const (
	TierNone       = 0 // usage below the first threshold, no action
	TierSummarize  = 1 // summarize the oldest segment, keep the full tail
	TierAggressive = 2 // summarize with the smaller tail
	TierTruncate   = 3 // hard-truncate oldest turns outright
)

// CompactionResult reports what a Compact call did.
type CompactionResult struct {
	Tier         int
	Summarized   int // turns folded into the summary
	Dropped      int // turns hard-truncated
	TokensBefore int
	TokensAfter  int
	Summary      string
}

// Manager owns one session's conversation log.
type Manager struct {
	mu sync.Mutex

	cfg        config.HistoryConfig
	turns      []types.Turn
	counter    *TokenCounter
	summarizer Summarizer
}

// NewManager creates a history manager with the given compaction policy.
// A nil summarizer falls back to the extractive summarizer.
func NewManager(cfg config.HistoryConfig, summarizer Summarizer) *Manager {
	if summarizer == nil {
		summarizer = NewExtractiveSummarizer()
	}
	return &Manager{
		cfg:        cfg,
		counter:    NewTokenCounter(),
		summarizer: summarizer,
	}
}

// Append adds a turn to the log.
func (m *Manager) Append(turn types.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
}

// Turns returns a copy of the current log.
func (m *Manager) Turns() []types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Restore replaces the log, used when resuming a persisted session.
func (m *Manager) Restore(turns []types.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = make([]types.Turn, len(turns))
	copy(m.turns, turns)
}

// Len returns the number of turns.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Clear empties the log.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// EstimatedTokens returns the current token estimate for the log.
func (m *Manager) EstimatedTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter.CountTurns(m.turns)
}

// tierFor maps a usage fraction to a compaction tier.
func (m *Manager) tierFor(usage float64) int {
	switch {
	case usage >= m.cfg.TruncateThreshold:
		return TierTruncate
	case usage >= m.cfg.AggressiveThreshold:
		return TierAggressive
	case usage >= m.cfg.SummarizeThreshold:
		return TierSummarize
	default:
		return TierNone
	}
}

// tailFor returns the verbatim tail size for a tier. Escalation only
// removes older content: the tail never grows with the tier.
func (m *Manager) tailFor(tier int) int {
	switch tier {
	case TierSummarize:
		return m.cfg.VerbatimTail
	default:
		return m.cfg.AggressiveVerbatimTail
	}
}

// Compact checks the token budget and, when a threshold is crossed,
// summarizes or truncates the oldest turns while preserving the verbatim
// tail for the active tier. The summarizer failing degrades to the
// extractive fallback rather than failing the call.
func (m *Manager) Compact(ctx context.Context) (CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.counter.CountTurns(m.turns)
	usage := float64(before) / float64(m.cfg.TokenBudget)
	tier := m.tierFor(usage)

	result := CompactionResult{Tier: tier, TokensBefore: before, TokensAfter: before}
	if tier == TierNone {
		return result, nil
	}

	tail := m.tailFor(tier)
	if len(m.turns) <= tail+1 {
		// Nothing old enough to fold away.
		result.Tier = TierNone
		return result, nil
	}

	split := len(m.turns) - tail
	// Never split a tool exchange: if the first tail turn carries results
	// for a tool_use in the head, pull the boundary back so the pair stays
	// together. Growing the tail is always safe.
	for split > 0 && referencesEarlierToolUse(m.turns, split) {
		split--
	}
	if split <= 0 {
		result.Tier = TierNone
		return result, nil
	}

	head := m.turns[:split]
	rest := make([]types.Turn, len(m.turns)-split)
	copy(rest, m.turns[split:])

	logging.History("Compacting history: tier=%d usage=%.2f head=%d tail=%d", tier, usage, len(head), len(rest))

	if tier == TierTruncate {
		m.turns = rest
		result.Dropped = len(head)
		result.TokensAfter = m.counter.CountTurns(m.turns)
		return result, nil
	}

	summary, err := m.summarizer.Summarize(ctx, head)
	if err != nil {
		logging.Get(logging.CategoryHistory).Warn("Summarizer failed, using extractive fallback: %v", err)
		summary, _ = NewExtractiveSummarizer().Summarize(ctx, head)
	}

	rendered := summary.Render()
	summaryTurn := types.UserTurn(rendered)
	m.turns = append([]types.Turn{summaryTurn}, rest...)

	result.Summarized = len(head)
	result.Summary = rendered
	result.TokensAfter = m.counter.CountTurns(m.turns)
	return result, nil
}

// referencesEarlierToolUse reports whether the turn at index references a
// tool_use block that lives before index.
func referencesEarlierToolUse(turns []types.Turn, index int) bool {
	ids := make(map[string]bool)
	for _, b := range turns[index].Blocks {
		if b.Type == types.BlockToolResult {
			ids[b.ToolUseID] = true
		}
	}
	if len(ids) == 0 {
		return false
	}
	for i := 0; i < index; i++ {
		for _, b := range turns[i].Blocks {
			if b.Type == types.BlockToolUse && ids[b.ID] {
				return true
			}
		}
	}
	return false
}

// Repair scans for orphaned tool_use blocks and dangling tool_results and
// fixes them in place, preserving turn order. For each orphaned tool_use a
// synthetic failure tool_result is inserted; tool_results with no matching
// tool_use are removed. Returns the number of repairs; repairing a valid
// history is a no-op returning zero.
func (m *Manager) Repair() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	repaired := 0

	// Pass 1: collect every tool_use id.
	useIDs := make(map[string]bool)
	for _, turn := range m.turns {
		for _, b := range turn.Blocks {
			if b.Type == types.BlockToolUse {
				useIDs[b.ID] = true
			}
		}
	}

	// Pass 2: strip dangling or duplicate tool_results.
	seenResults := make(map[string]bool)
	for i := range m.turns {
		var kept []types.ContentBlock
		for _, b := range m.turns[i].Blocks {
			if b.Type == types.BlockToolResult {
				if !useIDs[b.ToolUseID] || seenResults[b.ToolUseID] {
					repaired++
					continue
				}
				seenResults[b.ToolUseID] = true
			}
			kept = append(kept, b)
		}
		m.turns[i].Blocks = kept
	}

	// Pass 3: synthesize failure results for orphaned tool_uses. The
	// result must land before the next assistant turn to keep the
	// exchange well-formed.
	var out []types.Turn
	for i := 0; i < len(m.turns); i++ {
		turn := m.turns[i]
		out = append(out, turn)
		if turn.Role != types.RoleAssistant {
			continue
		}

		var missing []string
		for _, use := range turn.ToolUses() {
			if !resultFollows(m.turns, i, use.ID) {
				missing = append(missing, use.ID)
			}
		}
		if len(missing) == 0 {
			continue
		}

		blocks := make([]types.ContentBlock, 0, len(missing))
		for _, id := range missing {
			blocks = append(blocks, types.ToolResultBlock(id, "tool execution was interrupted before producing a result", false))
			repaired++
		}

		// Merge into the immediately following result-carrier turn when
		// one exists, otherwise insert a fresh user turn.
		if i+1 < len(m.turns) && carriesResults(m.turns[i+1]) {
			m.turns[i+1].Blocks = append(m.turns[i+1].Blocks, blocks...)
		} else {
			out = append(out, types.Turn{Role: types.RoleUser, Blocks: blocks, CreatedAt: turn.CreatedAt})
		}
	}

	// Drop turns emptied by the dangling-result strip.
	var final []types.Turn
	for _, turn := range out {
		if len(turn.Blocks) == 0 {
			repaired++
			continue
		}
		final = append(final, turn)
	}
	m.turns = final

	if repaired > 0 {
		logging.History("Repaired history: %d fixes across %d turns", repaired, len(m.turns))
	}
	return repaired
}

// resultFollows reports whether a matching tool_result appears between the
// assistant turn at index and the next assistant turn.
func resultFollows(turns []types.Turn, index int, toolUseID string) bool {
	for j := index + 1; j < len(turns); j++ {
		if turns[j].Role == types.RoleAssistant {
			return false
		}
		for _, b := range turns[j].Blocks {
			if b.Type == types.BlockToolResult && b.ToolUseID == toolUseID {
				return true
			}
		}
	}
	return false
}

// carriesResults reports whether a turn holds tool_result blocks.
func carriesResults(turn types.Turn) bool {
	for _, b := range turn.Blocks {
		if b.Type == types.BlockToolResult {
			return true
		}
	}
	return false
}
