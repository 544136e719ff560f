// Package index maintains the keyword and semantic indexes that back search.
// Both live in the cache database and are rebuildable at any time from the
// recipes and snippets tables.
package index

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text, splits on non-alphanumeric runs, and expands CJK
// runs into unigrams plus bigrams so Chinese summaries are searchable without
// word segmentation.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var ascii []rune
	var cjk []rune

	flushASCII := func() {
		if len(ascii) > 0 {
			tokens = append(tokens, string(ascii))
			ascii = ascii[:0]
		}
	}
	flushCJK := func() {
		for i := range cjk {
			tokens = append(tokens, string(cjk[i]))
			if i+1 < len(cjk) {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushASCII()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			ascii = append(ascii, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()
	return tokens
}

// TermFrequencies folds tokens into a term -> count map.
func TermFrequencies(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
