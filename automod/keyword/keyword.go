package keyword

import (
	"slices"
	"strings"
)

// Reports whether any of the (already folded) needles occur as a substring of the folded text. Returns the first needle found, or an empty string.
func ContainsAnyFolded(folded string, needles []string) string {
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(folded, n) {
			return n
		}
	}
	return ""
}

// Reports whether the token sequence `phrase` appears contiguously inside `tokens`.
//
// An empty phrase never matches.
func PhraseInTokens(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}
