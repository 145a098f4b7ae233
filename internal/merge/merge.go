// Package merge implements a line-oriented three-way merge used when a
// submitted edit and the committed history have diverged from a common
// ancestor.
package merge

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers in merged output. Regions both sides changed incompatibly
// are emitted between them.
const (
	MarkerOurs   = "<<<<<<< ours\n"
	MarkerSplit  = "=======\n"
	MarkerTheirs = ">>>>>>> theirs\n"
)

// hunk replaces ancestor lines [start, end) with lines. An insertion has
// start == end.
type hunk struct {
	start, end int
	lines      []string
}

// ThreeWay merges ours and theirs against their common ancestor. It returns
// the merged text and whether any region needed conflict markers. Changes on
// disjoint line ranges combine cleanly; overlapping changes with identical
// results collapse to one copy; anything else becomes a marked conflict
// region preserving both sides.
func ThreeWay(ancestor, ours, theirs string) (string, bool) {
	base := splitLines(ancestor)
	oursHunks := diffHunks(ancestor, ours)
	theirsHunks := diffHunks(ancestor, theirs)

	var out strings.Builder
	conflicted := false
	pos := 0
	oi, ti := 0, 0

	for oi < len(oursHunks) || ti < len(theirsHunks) {
		var next hunk
		switch {
		case ti >= len(theirsHunks):
			next = oursHunks[oi]
		case oi >= len(oursHunks):
			next = theirsHunks[ti]
		case oursHunks[oi].start <= theirsHunks[ti].start:
			next = oursHunks[oi]
		default:
			next = theirsHunks[ti]
		}

		// Copy ancestor lines untouched by either side.
		for ; pos < next.start; pos++ {
			out.WriteString(base[pos])
		}

		// Grow a region until neither side has a hunk intersecting it.
		regionStart, regionEnd := next.start, next.end
		var regionOurs, regionTheirs []hunk
		for {
			grew := false
			for oi < len(oursHunks) && intersects(oursHunks[oi], regionStart, regionEnd) {
				regionOurs = append(regionOurs, oursHunks[oi])
				regionEnd = max(regionEnd, oursHunks[oi].end)
				oi++
				grew = true
			}
			for ti < len(theirsHunks) && intersects(theirsHunks[ti], regionStart, regionEnd) {
				regionTheirs = append(regionTheirs, theirsHunks[ti])
				regionEnd = max(regionEnd, theirsHunks[ti].end)
				ti++
				grew = true
			}
			if !grew {
				break
			}
		}

		oursText := applyHunks(base, regionStart, regionEnd, regionOurs)
		theirsText := applyHunks(base, regionStart, regionEnd, regionTheirs)
		switch {
		case len(regionTheirs) == 0 || theirsText == oursText:
			out.WriteString(oursText)
		case len(regionOurs) == 0:
			out.WriteString(theirsText)
		default:
			conflicted = true
			out.WriteString(MarkerOurs)
			out.WriteString(ensureNewline(oursText))
			out.WriteString(MarkerSplit)
			out.WriteString(ensureNewline(theirsText))
			out.WriteString(MarkerTheirs)
		}
		pos = regionEnd
	}

	for ; pos < len(base); pos++ {
		out.WriteString(base[pos])
	}
	return out.String(), conflicted
}

// intersects reports whether h touches the region [start, end). Insertions at
// the region boundary count as touching so both sides' insertions at the same
// point land in one region.
func intersects(h hunk, start, end int) bool {
	if h.start == h.end {
		return h.start >= start && h.start <= end
	}
	return h.start < end && start < h.end
}

// applyHunks renders one side's version of ancestor lines [start, end).
func applyHunks(base []string, start, end int, hunks []hunk) string {
	var b strings.Builder
	pos := start
	for _, h := range hunks {
		for ; pos < h.start; pos++ {
			b.WriteString(base[pos])
		}
		for _, line := range h.lines {
			b.WriteString(line)
		}
		pos = h.end
	}
	for ; pos < end; pos++ {
		b.WriteString(base[pos])
	}
	return b.String()
}

// diffHunks computes the line-level hunks transforming ancestor into derived.
func diffHunks(ancestor, derived string) []hunk {
	dmp := diffmatchpatch.New()
	aChars, dChars, lines := dmp.DiffLinesToChars(ancestor, derived)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(aChars, dChars, false), lines)

	var hunks []hunk
	pos := 0
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			hunks = append(hunks, hunk{start: pos, end: pos + n})
			pos += n
		case diffmatchpatch.DiffInsert:
			repl := splitLines(d.Text)
			if len(hunks) > 0 && hunks[len(hunks)-1].end == pos && len(hunks[len(hunks)-1].lines) == 0 {
				hunks[len(hunks)-1].lines = repl
			} else {
				hunks = append(hunks, hunk{start: pos, end: pos, lines: repl})
			}
		}
	}
	return hunks
}

// splitLines splits text into lines, each keeping its trailing newline. A
// final fragment without a newline is kept as-is.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
