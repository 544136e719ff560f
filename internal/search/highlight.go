package search

import (
	"sort"
	"strings"
	"unicode"
)

// Highlight wraps query-term matches in text with ** markers. Matching is
// case-insensitive and works on whole alphanumeric runs for ASCII terms and
// on raw substrings for CJK terms.
func Highlight(text string, terms []string) string {
	if text == "" || len(terms) == 0 {
		return text
	}
	lower := strings.ToLower(text)

	type span struct{ start, end int }
	var spans []span
	for _, term := range terms {
		if term == "" {
			continue
		}
		from := 0
		for {
			i := strings.Index(lower[from:], term)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(term)
			if isWordBoundary(lower, start, end) {
				spans = append(spans, span{start, end})
			}
			from = end
		}
	}
	if len(spans) == 0 {
		return text
	}

	// Merge overlapping spans so markers never nest.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var sb strings.Builder
	prev := 0
	for _, sp := range merged {
		sb.WriteString(text[prev:sp.start])
		sb.WriteString("**")
		sb.WriteString(text[sp.start:sp.end])
		sb.WriteString("**")
		prev = sp.end
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

// isWordBoundary keeps ASCII terms from matching inside larger words; CJK
// substrings always match.
func isWordBoundary(s string, start, end int) bool {
	if !isASCIIAlnumAt(s, start) {
		return true
	}
	if start > 0 && isASCIIAlnumByte(s[start-1]) {
		return false
	}
	if end < len(s) && isASCIIAlnumByte(s[end]) {
		return false
	}
	return true
}

func isASCIIAlnumAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	return isASCIIAlnumByte(s[i])
}

func isASCIIAlnumByte(b byte) bool {
	r := rune(b)
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
