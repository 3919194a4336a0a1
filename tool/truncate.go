package tool

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxOutputBytes is the ceiling applied to serialized tool output.
const DefaultMaxOutputBytes = 200_000

// Truncate cuts s to at most limit bytes on a rune boundary and appends a
// marker naming the omitted byte count. Output within the limit is returned
// unchanged. A non-positive limit disables bounding.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + fmt.Sprintf("\n... [output truncated: %d bytes omitted]", len(s)-cut), true
}
