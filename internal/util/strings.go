// Package util provides small string helpers shared by the CLI output code.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Truncate shortens s to at most width visual columns, appending "..." when
// anything was cut. It is ANSI-aware, so styled terminal output keeps its
// escape sequences intact.
func Truncate(s string, width int) string {
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

// FirstLine returns the first line of s with surrounding whitespace trimmed.
// Multi-line agent responses collapse to a single-line preview this way.
func FirstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, " \t")
}
