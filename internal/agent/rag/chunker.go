package rag

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// separators in priority order: paragraph break, line break, sentence
// end, list item, word boundary.
var chunkSeparators = []string{"\n\n", "\n", ". ", "; ", " - ", " "}

var whitespaceRE = regexp.MustCompile(`[ \t]+`)

// NormalizeText collapses runs of spaces and strips control characters
// so extracted document text chunks cleanly.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = whitespaceRE.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SplitText splits text into chunks of at most chunkSize bytes with the
// given overlap, preferring to break on the highest-priority separator
// that fits. Mirrors the recursive character splitting the policy
// documents were originally ingested with.
func SplitText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			if c := strings.TrimSpace(text); c != "" {
				chunks = append(chunks, c)
			}
			break
		}

		cut := findCut(text, chunkSize)
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := runeFloor(text, cut-overlap)
		if next <= 0 {
			next = cut
		}
		text = text[next:]
	}
	return chunks
}

// findCut returns the byte offset to split at, at most limit, preferring
// the last occurrence of the strongest separator inside the window. The
// returned offset is always a rune boundary.
func findCut(text string, limit int) int {
	limit = runeFloor(text, limit)
	window := text[:limit]
	for _, sep := range chunkSeparators {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return idx + len(sep)
		}
	}
	return limit
}

// runeFloor backs i up to the nearest rune start so byte slicing never
// splits a multi-byte character.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
