package keyword

import (
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Case-folds text and strips combining marks, so that comparisons are insensitive to case and to most diacritics ("SPÅM" folds to "spam").
//
// Punctuation and whitespace are preserved; this is intended for substring matching, not tokenization.
func Fold(text string) string {
	// transformers carry state and are not safe for concurrent use, so build a fresh chain per call
	foldFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(foldFunc, text)
	if err != nil {
		slog.Warn("unicode folding error", "err", err)
		return text
	}
	return out
}

// Folds every string in the list, trimming surrounding whitespace and dropping entries which end up empty.
func FoldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		f := strings.TrimSpace(Fold(v))
		if f == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}
