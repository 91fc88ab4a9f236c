package chunker

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

// Token is one word-level unit of text. Text includes the whitespace that
// follows the word, so concatenating every token of a document reproduces
// it byte for byte.
type Token struct {
	Text string
	// Page is the 1-based page the token starts on.
	Page int
}

// Tokenize splits text on Unicode word boundaries (UAX #29). Whitespace is
// folded into the preceding token and leading whitespace into the first
// one. A form feed advances the page counter.
func Tokenize(text string) []Token {
	var (
		tokens  []Token
		cur     strings.Builder
		curPage int
		prefix  string
		page    = 1
		state   = -1
		segment string
	)

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, Token{Text: cur.String(), Page: curPage})
			cur.Reset()
		}
	}

	for len(text) > 0 {
		segment, text, state = uniseg.FirstWordInString(text, state)
		if isSpace(segment) {
			if cur.Len() == 0 {
				prefix += segment
			} else {
				cur.WriteString(segment)
			}
			page += strings.Count(segment, "\f")
			continue
		}
		flush()
		cur.WriteString(prefix)
		prefix = ""
		cur.WriteString(segment)
		curPage = page
	}
	flush()
	return tokens
}

// CountTokens returns the number of word tokens in text.
func CountTokens(text string) int {
	n := 0
	state := -1
	var segment string
	for len(text) > 0 {
		segment, text, state = uniseg.FirstWordInString(text, state)
		if !isSpace(segment) {
			n++
		}
	}
	return n
}

func isSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
