// Package diff computes unified diffs for the keep/revert gate using the
// sergi/go-diff library rather than a hand-rolled LCS.
package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies a diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line in a hunk.
type Line struct {
	Content string
	Type    LineType
}

// Hunk is a contiguous group of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff represents the changes to a single file.
type FileDiff struct {
	OldPath  string
	NewPath  string
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
}

// Engine provides diff computation with caching for identical input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates a diff engine tuned for code diffs.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // favor accuracy over speed
	return &Engine{dmp: dmp}
}

// DefaultEngine is a singleton engine for general use.
var DefaultEngine = NewEngine()

// ComputeDiff creates a FileDiff from old and new content.
func (e *Engine) ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	fd := &FileDiff{
		OldPath:  oldPath,
		NewPath:  newPath,
		IsNew:    oldContent == "",
		IsDelete: newContent == "",
	}

	key := cacheKey{fnv1a(oldContent), fnv1a(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		if hunks, ok := cached.([]Hunk); ok {
			fd.Hunks = hunks
			return fd
		}
	}

	// Line-level reduction avoids newline boundary artifacts when
	// converting character diffs back to line operations.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = groupHunks(toOperations(diffs), 3)
	e.cache.Store(key, fd.Hunks)
	return fd
}

// ComputeDiff is a convenience function using the default engine.
func ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	return DefaultEngine.ComputeDiff(oldPath, newPath, oldContent, newContent)
}

// Unified renders the diff in unified format for events and the CLI.
func (fd *FileDiff) Unified() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", headerPath(fd.OldPath, fd.IsNew), headerPath(fd.NewPath, fd.IsDelete))

	for _, h := range fd.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, line := range h.Lines {
			switch line.Type {
			case LineAdded:
				sb.WriteString("+")
			case LineRemoved:
				sb.WriteString("-")
			default:
				sb.WriteString(" ")
			}
			sb.WriteString(line.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// HasChanges reports whether the diff contains any added or removed line.
func (fd *FileDiff) HasChanges() bool {
	for _, h := range fd.Hunks {
		for _, line := range h.Lines {
			if line.Type != LineContext {
				return true
			}
		}
	}
	return false
}

func headerPath(path string, absent bool) string {
	if absent {
		return "/dev/null"
	}
	return path
}

type operation struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

func toOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}

		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

// groupHunks groups line operations into hunks with the given context width.
func groupHunks(ops []operation, contextLines int) []Hunk {
	if len(ops) == 0 {
		return nil
	}

	// Find change indexes first, then expand each run by context.
	var hunks []Hunk
	i := 0
	for i < len(ops) {
		if ops[i].typ == LineContext {
			i++
			continue
		}

		// Start of a change run. Expand backwards for leading context.
		start := i - contextLines
		if start < 0 {
			start = 0
		}

		// Advance to the end of the run, tolerating gaps of up to
		// 2*contextLines of unchanged lines between changes.
		end := i
		last := i
		for end < len(ops) {
			if ops[end].typ != LineContext {
				last = end
			} else if end-last > 2*contextLines {
				break
			}
			end++
		}
		stop := last + contextLines + 1
		if stop > len(ops) {
			stop = len(ops)
		}

		// A hunk can open on a removal or an addition, which carries no
		// line number for the other side; each start comes from the
		// first op in the hunk that has one.
		hunk := Hunk{}
		for j := start; j < stop; j++ {
			if ops[j].oldLine >= 0 {
				hunk.OldStart = ops[j].oldLine + 1
				break
			}
		}
		for j := start; j < stop; j++ {
			if ops[j].newLine >= 0 {
				hunk.NewStart = ops[j].newLine + 1
				break
			}
		}
		for j := start; j < stop; j++ {
			hunk.Lines = append(hunk.Lines, Line{Content: ops[j].content, Type: ops[j].typ})
			if ops[j].typ == LineRemoved || ops[j].typ == LineContext {
				hunk.OldCount++
			}
			if ops[j].typ == LineAdded || ops[j].typ == LineContext {
				hunk.NewCount++
			}
		}
		hunks = append(hunks, hunk)
		i = stop
	}
	return hunks
}

// fnv1a computes an FNV-1a hash for the diff cache.
func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// ClearCache drops all cached hunks.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}
