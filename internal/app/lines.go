package app

import (
	"strings"
	"unicode/utf8"
)

const defaultMinLineLength = 10

// filterLines splits raw OCR output into candidate spine lines, keeping only
// lines whose trimmed length exceeds minLen runes. Short fragments are almost
// always partial words or shelf-edge noise. Kept lines stay untrimmed so the
// stored record carries the exact OCR text.
func filterLines(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = defaultMinLineLength
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if utf8.RuneCountInString(trimmed) > minLen {
			lines = append(lines, line)
		}
	}
	return lines
}
