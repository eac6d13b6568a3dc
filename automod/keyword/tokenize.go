package keyword

import (
	"regexp"
	"strings"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN]+`)

// Splits free-form text into folded word tokens. Anything which is not a letter or digit separates tokens, so "Spam, spam!" yields ["spam", "spam"].
func TokenizeText(text string) []string {
	return strings.Fields(nonTokenChars.ReplaceAllString(Fold(text), " "))
}
