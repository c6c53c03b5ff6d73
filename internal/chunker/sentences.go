package chunker

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var commonAbbreviations = []string{
	"mr", "mrs", "ms", "dr", "prof", "sr", "jr",
	"st", "mt", "vs", "etc", "no", "vol", "rev",
	"fig", "al", "inc", "ltd", "co", "dept", "est",
	"jan", "feb", "mar", "apr", "jun", "jul", "aug",
	"sep", "sept", "oct", "nov", "dec",
	"a.m", "p.m", "e.g", "i.e", "u.s", "u.k",
}

// DefaultAbbreviations returns the abbreviations that never end a sentence.
func DefaultAbbreviations() []string {
	out := make([]string, len(commonAbbreviations))
	copy(out, commonAbbreviations)
	return out
}

// boundary is the start of a new sentence unit.
type boundary struct {
	pos  int
	from int // first byte of the text deciding the boundary
	para bool
}

// findBoundaries returns unit starts in ascending order. Positions are
// always the first non-space byte of a unit and never 0 or len(text).
func findBoundaries(text string, abbrevs map[string]struct{}) []boundary {
	byPos := map[int]boundary{}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !isSentencePunctuation(ch) {
			continue
		}
		if ch == '.' && shouldSkipPeriodSplit(text, i, abbrevs) {
			continue
		}
		next, ok := sentenceBoundary(text, i)
		if !ok || next >= len(text) {
			continue
		}
		byPos[next] = boundary{pos: next, from: tokenStart(text, i)}
	}

	for i := 0; i < len(text); {
		if !isSpace(text[i]) {
			i++
			continue
		}
		start := i
		newlines := 0
		for i < len(text) && isSpace(text[i]) {
			if text[i] == '\n' {
				newlines++
			}
			i++
		}
		if newlines >= 2 && start > 0 && i < len(text) {
			b, ok := byPos[i]
			if !ok || start < b.from {
				b.from = start
			}
			b.pos = i
			b.para = true
			byPos[i] = b
		}
	}

	out := make([]boundary, 0, len(byPos))
	for _, b := range byPos {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pos < out[j].pos })
	return out
}

func isSentencePunctuation(ch byte) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

func shouldSkipPeriodSplit(text string, idx int, abbrevs map[string]struct{}) bool {
	// Ellipsis
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}

	// Decimal numbers
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	token := tokenBeforePeriod(text, idx)
	if token == "" {
		return false
	}

	// Initials and single-letter abbreviations (e.g., "A.")
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}

	_, ok := abbrevs[strings.ToLower(token)]
	return ok
}

func tokenBeforePeriod(text string, idx int) string {
	i := idx - 1
	for i >= 0 && !isTokenBoundary(text[i]) {
		i--
	}
	return text[i+1 : idx]
}

// tokenStart is the first byte of the whitespace-delimited word holding idx.
func tokenStart(text string, idx int) int {
	i := idx
	for i > 0 && !isSpace(text[i-1]) {
		i--
	}
	return i
}

// sentenceBoundary reports whether the punctuation at punctIdx ends a
// sentence and returns where the next one starts.
func sentenceBoundary(text string, punctIdx int) (int, bool) {
	i := punctIdx + 1
	for i < len(text) && isClosingPunctuation(text[i]) {
		i++
	}
	if i >= len(text) {
		return len(text), true
	}
	if !isSpace(text[i]) {
		return 0, false
	}
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	if i >= len(text) {
		return len(text), true
	}
	return i, isLikelySentenceStart(text, i)
}

func isLikelySentenceStart(text string, idx int) bool {
	if idx >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[idx:])
	if unicode.IsUpper(r) || unicode.IsDigit(r) {
		return true
	}
	if isOpeningQuoteOrBracket(text[idx]) {
		j := idx + 1
		for j < len(text) && isOpeningQuoteOrBracket(text[j]) {
			j++
		}
		if j < len(text) {
			rr, _ := utf8.DecodeRuneInString(text[j:])
			return unicode.IsUpper(rr) || unicode.IsDigit(rr)
		}
	}
	return false
}

// hardSplit cuts an oversized unit into pieces of at most maxRunes runes,
// preferring clause punctuation in the back half of each window, then
// whitespace, then the raw limit.
func hardSplit(text string, start, end, maxRunes int) [][2]int {
	var out [][2]int
	for {
		start, end = trimRange(text, start, end)
		if start >= end {
			return out
		}
		limit, over := runeOffset(text, start, end, maxRunes)
		if !over {
			return append(out, [2]int{start, end})
		}

		cut := -1
		half, _ := runeOffset(text, start, end, maxRunes/2)
		for i := limit - 1; i >= half; i-- {
			if isClauseBoundary(text, i) && i+1 < end && isSpace(text[i+1]) {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			for i := limit; i > start; i-- {
				if i < end && isSpace(text[i]) {
					cut = i
					break
				}
			}
		}
		if cut < 0 {
			cut = limit
		}

		out = append(out, [2]int{start, cut})
		start = cut
	}
}

// runeOffset returns the byte offset n runes after start, and whether
// text[start:end] is longer than n runes.
func runeOffset(text string, start, end, n int) (int, bool) {
	i := start
	for count := 0; i < end; count++ {
		if count == n {
			return i, true
		}
		_, size := utf8.DecodeRuneInString(text[i:end])
		i += size
	}
	return end, false
}

func isClauseBoundary(text string, i int) bool {
	switch text[i] {
	case ',', ';', ':', '-':
		return true
	}
	// i is the last byte of an em dash
	return i >= 2 && strings.HasPrefix(text[i-2:], "—")
}

func trimRange(text string, start, end int) (int, int) {
	s := text[start:end]
	left := strings.TrimLeftFunc(s, unicode.IsSpace)
	start += len(s) - len(left)
	end = start + len(strings.TrimRightFunc(left, unicode.IsSpace))
	return start, end
}

func isTokenBoundary(ch byte) bool {
	return isSpace(ch) || ch == '"' || ch == '\'' || ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == '{' || ch == '}'
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t' || ch == '\r'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isClosingPunctuation(ch byte) bool {
	switch ch {
	case '"', '\'', ')', ']', '}':
		return true
	default:
		return false
	}
}

func isOpeningQuoteOrBracket(ch byte) bool {
	switch ch {
	case '"', '\'', '(', '[', '{':
		return true
	default:
		return false
	}
}
