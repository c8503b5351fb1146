package utils

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Preview collapses s to a single line and truncates it to width display
// columns, so wide runes and emoji never overflow a narration line.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}
