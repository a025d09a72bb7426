package history

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/types"
)

// Summary is the structured record a compaction summary must carry. Every
// section is always rendered, even when empty, so downstream turns never
// lose the anchor points needed to reconstruct context.
type Summary struct {
	// Topic is what the conversation is currently about.
	Topic string `json:"topic"`

	// Referents resolves pronouns and shorthand used in the last few
	// turns to concrete names.
	Referents []string `json:"referents"`

	// OriginalTask is the task that started the session.
	OriginalTask string `json:"original_task"`

	// FilesTouched lists files read or modified so far.
	FilesTouched []string `json:"files_touched"`

	// WorkCompleted is the high-level record of what has been done.
	WorkCompleted []string `json:"work_completed"`

	// NextSteps is what remains to be done.
	NextSteps []string `json:"next_steps"`
}

// Render formats the summary as the text body of a synthetic history turn.
func (s Summary) Render() string {
	var sb strings.Builder
	sb.WriteString("[Conversation summary]\n")
	fmt.Fprintf(&sb, "Current topic: %s\n", orUnknown(s.Topic))
	fmt.Fprintf(&sb, "Referents: %s\n", orNone(s.Referents))
	fmt.Fprintf(&sb, "Original task: %s\n", orUnknown(s.OriginalTask))
	fmt.Fprintf(&sb, "Files touched: %s\n", orNone(s.FilesTouched))
	fmt.Fprintf(&sb, "Work completed: %s\n", orNone(s.WorkCompleted))
	fmt.Fprintf(&sb, "Next steps: %s\n", orNone(s.NextSteps))
	return sb.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unknown)"
	}
	return s
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, "; ")
}

// Summarizer produces a Summary for a segment of history about to be
// compacted away.
type Summarizer interface {
	Summarize(ctx context.Context, turns []types.Turn) (Summary, error)
}

// ExtractiveSummarizer is the deterministic fallback summarizer. It builds
// the summary from the turns themselves without calling the reasoning
// service, so compaction can never block or fail a run.
type ExtractiveSummarizer struct {
	// MaxSnippet bounds extracted text fragments.
	MaxSnippet int
}

// NewExtractiveSummarizer creates the fallback summarizer.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxSnippet: 200}
}

// Summarize implements Summarizer.
func (e *ExtractiveSummarizer) Summarize(ctx context.Context, turns []types.Turn) (Summary, error) {
	s := Summary{}

	snippet := func(text string) string {
		text = strings.TrimSpace(text)
		text = strings.ReplaceAll(text, "\n", " ")
		if len(text) > e.MaxSnippet {
			return text[:e.MaxSnippet] + "…"
		}
		return text
	}

	filesSeen := make(map[string]bool)
	referentsSeen := make(map[string]bool)

	for _, turn := range turns {
		switch turn.Role {
		case types.RoleUser, types.RoleGuidance:
			if text := turn.Text(); text != "" {
				if s.OriginalTask == "" {
					s.OriginalTask = snippet(text)
				}
				s.Topic = snippet(text)
			}
		case types.RoleAssistant:
			for _, b := range turn.Blocks {
				if b.Type != types.BlockToolUse {
					continue
				}
				if path, ok := b.Input["path"].(string); ok && path != "" {
					if !filesSeen[path] {
						filesSeen[path] = true
						s.FilesTouched = append(s.FilesTouched, path)
					}
					s.WorkCompleted = append(s.WorkCompleted, fmt.Sprintf("%s %s", b.Name, path))
				} else if cmd, ok := b.Input["command"].(string); ok && cmd != "" {
					s.WorkCompleted = append(s.WorkCompleted, fmt.Sprintf("ran %q", snippet(cmd)))
				} else {
					s.WorkCompleted = append(s.WorkCompleted, b.Name)
				}
			}
		}
	}

	// Referents: concrete names from the most recent turns, so pronouns in
	// the verbatim tail stay resolvable.
	tail := turns
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	for _, turn := range tail {
		for _, token := range strings.Fields(turn.Text()) {
			if looksLikeIdentifier(token) && !referentsSeen[token] {
				referentsSeen[token] = true
				s.Referents = append(s.Referents, strings.Trim(token, ".,;:"))
			}
		}
	}

	if len(s.WorkCompleted) > 0 {
		s.NextSteps = append(s.NextSteps, "continue from the work listed above")
	} else {
		s.NextSteps = append(s.NextSteps, "continue the original task")
	}

	// Cap list growth; the summary must stay far smaller than what it
	// replaces.
	s.WorkCompleted = capList(s.WorkCompleted, 20)
	s.FilesTouched = capList(s.FilesTouched, 20)
	s.Referents = capList(s.Referents, 10)

	return s, nil
}

func capList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}

// looksLikeIdentifier reports whether a token is a concrete referent worth
// recording: a path, a dotted or underscored name, or CamelCase.
func looksLikeIdentifier(token string) bool {
	token = strings.Trim(token, ".,;:\"'()")
	if len(token) < 3 {
		return false
	}
	if strings.ContainsAny(token, "/_") {
		return true
	}
	if strings.Contains(token, ".") && !strings.HasSuffix(token, ".") {
		return true
	}
	hasUpper, hasLower := false, false
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		}
	}
	return hasUpper && hasLower && token[0] >= 'A' && token[0] <= 'Z'
}
