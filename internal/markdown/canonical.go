// Package markdown normalizes article text before hashing and storage so
// that equivalent submissions from different clients produce identical diffs.
package markdown

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/go-wordwrap"
)

// ErrInvalidUTF8 rejects article text that is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("article text is not valid utf-8")

// wrapWidth is the column prose lines are wrapped at. Fenced code blocks are
// left untouched.
const wrapWidth = 80

// Canonicalize returns the normalized form of text: line endings become LF,
// prose lines longer than 80 columns are re-wrapped, and the result ends with
// exactly one newline. Canonicalize is idempotent.
func Canonicalize(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrInvalidUTF8
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out strings.Builder
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		if isFenceDelimiter(line) {
			inFence = !inFence
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		if inFence || !shouldWrap(line) {
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		out.WriteString(wordwrap.WrapString(line, wrapWidth))
		out.WriteString("\n")
	}

	result := strings.TrimRight(out.String(), "\n")
	if result == "" {
		return "\n", nil
	}
	return result + "\n", nil
}

// isFenceDelimiter reports whether line opens or closes a fenced code block.
func isFenceDelimiter(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// shouldWrap reports whether a prose line participates in re-wrapping. Lines
// within the width limit, headings, and tables keep their author layout.
func shouldWrap(line string) bool {
	if utf8.RuneCountInString(line) <= wrapWidth {
		return false
	}
	trimmed := strings.TrimLeft(line, " ")
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "|") {
		return false
	}
	return true
}
