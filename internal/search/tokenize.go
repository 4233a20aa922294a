package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// stopWords are common English words that add noise to scoring.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true, "not": true, "no": true, "nor": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "am": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "shall": true, "should": true, "may": true, "might": true, "can": true, "could": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "he": true, "she": true, "we": true, "they": true, "you": true, "me": true, "him": true, "her": true, "us": true, "them": true,
	"my": true, "your": true, "his": true, "our": true, "their": true,
	"if": true, "then": true, "else": true, "when": true, "where": true, "how": true, "what": true, "which": true, "who": true, "whom": true,
	"so": true, "as": true, "up": true, "out": true, "about": true, "into": true, "over": true, "after": true, "before": true,
	"very": true, "just": true, "also": true, "more": true, "most": true, "some": true, "any": true, "all": true, "each": true, "every": true,
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Tokenize converts text to tokens: lowercase, split on anything that is not
// a letter or digit, drop stop words and tokens shorter than 2 runes.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !isWordRune(r) })
	var tokens []string
	for _, t := range parts {
		if utf8.RuneCountInString(t) >= 2 && !stopWords[t] {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// parsedQuery splits a query into free terms and quoted phrases.
type parsedQuery struct {
	terms   []string   // every distinct token, phrases included
	phrases [][]string // tokenized quoted phrases of two or more tokens
}

// parseQuery reads double-quoted spans as phrases. An unterminated quote
// runs to the end of the query. A quoted span that tokenizes to a single
// token is treated as a plain term.
func parseQuery(text string) parsedQuery {
	var q parsedQuery
	seen := make(map[string]bool)
	add := func(tokens []string) {
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				q.terms = append(q.terms, t)
			}
		}
	}

	for i, part := range strings.Split(text, `"`) {
		tokens := Tokenize(part)
		if i%2 == 1 && len(tokens) > 1 {
			q.phrases = append(q.phrases, tokens)
		}
		add(tokens)
	}
	return q
}

// containsPhrase reports whether phrase occurs as consecutive tokens.
func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 {
		return true
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}
