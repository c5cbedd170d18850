package speech

import (
	"strings"
	"unicode/utf8"
)

// SplitChunks splits text into synthesis requests of at most max characters
// each, breaking only at whitespace so no word is ever cut mid-way. A single
// word longer than max becomes its own oversized chunk. max <= 0 disables
// chunking and returns the trimmed text whole; whitespace-only input returns
// nil.
func SplitChunks(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	chunks := make([]string, 0, 1)
	var b strings.Builder
	cur := 0
	for _, w := range words {
		wlen := utf8.RuneCountInString(w)
		switch {
		case cur == 0:
			b.WriteString(w)
			cur = wlen
		case cur+1+wlen <= max:
			b.WriteByte(' ')
			b.WriteString(w)
			cur += 1 + wlen
		default:
			chunks = append(chunks, b.String())
			b.Reset()
			b.WriteString(w)
			cur = wlen
		}
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
