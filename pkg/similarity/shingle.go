package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Set is a set of shingles.
type Set map[string]struct{}

// Tokenize lowercases text and splits it into letter/digit runs. Prompts
// that embed page markup are reduced to their visible text first, so tag
// and attribute names do not dominate the comparison.
func Tokenize(text string) []string {
	if strings.ContainsRune(text, '<') {
		text = visibleText(text)
	}
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Shingles builds the set of contiguous k-token n-grams. Inputs shorter
// than k produce a single shingle of all tokens.
func Shingles(tokens []string, k int) Set {
	set := make(Set)
	if len(tokens) == 0 {
		return set
	}
	if k <= 0 {
		k = 1
	}
	if len(tokens) < k {
		set[strings.Join(tokens, " ")] = struct{}{}
		return set
	}
	for i := 0; i+k <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+k], " ")] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b Set) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func visibleText(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHidden(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}
