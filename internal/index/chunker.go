package index

import (
	"strings"
	"unicode/utf8"
)

// chunkSize is the target chunk length in characters. Chunks break at
// paragraph boundaries where possible so embeddings see coherent text.
const chunkSize = 1500

// ChunkText splits text into chunks of roughly chunkSize characters,
// preferring paragraph breaks, then line breaks, then a hard cut.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			chunks = append(chunks, text)
			break
		}
		cut := breakPoint(text, chunkSize)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}

	// Drop empties produced by consecutive separators.
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// breakPoint finds the best split position at or before limit, always on a
// rune boundary.
func breakPoint(text string, limit int) int {
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	window := text[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > limit/2 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > limit/2 {
		return i + 1
	}
	if i := strings.LastIndexAny(window, ".!?。！？"); i > limit/2 {
		_, size := utf8.DecodeRuneInString(window[i:])
		return i + size
	}
	if i := strings.LastIndex(window, " "); i > limit/2 {
		return i + 1
	}
	return limit
}
