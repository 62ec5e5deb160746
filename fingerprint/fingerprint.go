// Package fingerprint normalizes, validates and formats OpenPGP key fingerprints.
package fingerprint

import (
	"strings"
	"unicode"
)

const (
	// Length is the number of hex characters in a v4 OpenPGP fingerprint.
	Length = 40
	// groupSize is the number of characters per display block.
	groupSize = 4
	// groupsPerLine is the number of display blocks before a line break.
	groupsPerLine = 5
)

// Normalize strips all whitespace and uppercases the fingerprint.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// IsValid reports whether raw normalizes to a fingerprint of the supported length.
func IsValid(raw string) bool {
	return len(Normalize(raw)) == Length
}

// Equal compares two fingerprints after normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// FormatForDisplay groups the fingerprint in blocks of four, five blocks per line.
func FormatForDisplay(fpr string) string {
	clean := Normalize(fpr)
	if clean == "" {
		return ""
	}

	var b strings.Builder
	group := 0
	for i := 0; i < len(clean); i += groupSize {
		end := i + groupSize
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
		group++

		if group%groupsPerLine == 0 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}

	return strings.TrimRightFunc(b.String(), unicode.IsSpace)
}
