package rules

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/prismai/automod/automod/keyword"
)

type MatcherKind string

const (
	MatchExactPhrase       MatcherKind = "exactPhrase"
	MatchContainsAny       MatcherKind = "containsAny"
	MatchRegex             MatcherKind = "regex"
	MatchLinkDomainNotIn   MatcherKind = "linkDomainNotIn"
	MatchCapsRatioAbove    MatcherKind = "capsRatioAbove"
	MatchMentionCountAbove MatcherKind = "mentionCountAbove"
)

// Messages with fewer letters than this are never flagged by the caps ratio matcher.
const MinCapsLetters = 8

// Configuration-level description of a matcher. This is a tagged variant: `Type` selects which of the remaining fields apply.
type MatcherSpec struct {
	Type MatcherKind `json:"type"`

	// exactPhrase
	Text string `json:"text,omitempty"`
	// containsAny
	Words []string `json:"words,omitempty"`
	// regex
	Pattern string `json:"pattern,omitempty"`
	// linkDomainNotIn
	AllowList []string `json:"allowList,omitempty"`
	// linkDomainNotIn: also accept subdomains of allow-listed domains. Default is exact host match only.
	AllowSubdomains bool `json:"allowSubdomains,omitempty"`
	// capsRatioAbove (0-1), mentionCountAbove (integer count)
	Threshold float64 `json:"threshold,omitempty"`
}

// A compiled, ready-to-run matcher. Implementations are immutable and safe for concurrent use.
type Matcher interface {
	Match(msg *Message) bool
}

func ExactPhrase(text string) MatcherSpec {
	return MatcherSpec{Type: MatchExactPhrase, Text: text}
}

func ContainsAny(words ...string) MatcherSpec {
	return MatcherSpec{Type: MatchContainsAny, Words: words}
}

func Regex(pattern string) MatcherSpec {
	return MatcherSpec{Type: MatchRegex, Pattern: pattern}
}

func LinkDomainNotIn(allowList ...string) MatcherSpec {
	return MatcherSpec{Type: MatchLinkDomainNotIn, AllowList: allowList}
}

func CapsRatioAbove(threshold float64) MatcherSpec {
	return MatcherSpec{Type: MatchCapsRatioAbove, Threshold: threshold}
}

func MentionCountAbove(threshold int) MatcherSpec {
	return MatcherSpec{Type: MatchMentionCountAbove, Threshold: float64(threshold)}
}

// Validates the matcher parameters and builds the matcher. All failures wrap ErrInvalidRule.
func (s MatcherSpec) Compile(ruleID string) (Matcher, error) {
	switch s.Type {
	case MatchExactPhrase:
		phrase := keyword.TokenizeText(s.Text)
		if len(phrase) == 0 {
			return nil, invalid(ruleID, "exactPhrase requires non-empty text", nil)
		}
		return &exactPhraseMatcher{phrase: phrase}, nil
	case MatchContainsAny:
		words := keyword.FoldAll(s.Words)
		if len(words) == 0 {
			return nil, invalid(ruleID, "containsAny requires at least one word", nil)
		}
		return &containsAnyMatcher{words: words}, nil
	case MatchRegex:
		if s.Pattern == "" {
			return nil, invalid(ruleID, "regex requires a pattern", nil)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, invalid(ruleID, "malformed regex", err)
		}
		return &regexMatcher{re: re}, nil
	case MatchLinkDomainNotIn:
		allow := make(map[string]bool, len(s.AllowList))
		for _, d := range s.AllowList {
			host := NormalizeHost(d)
			if host == "" {
				continue
			}
			allow[host] = true
		}
		return &linkDomainMatcher{allow: allow, subdomains: s.AllowSubdomains}, nil
	case MatchCapsRatioAbove:
		if s.Threshold < 0 || s.Threshold >= 1 {
			return nil, invalid(ruleID, fmt.Sprintf("capsRatioAbove threshold must be in [0, 1) (got %v)", s.Threshold), nil)
		}
		return &capsRatioMatcher{threshold: s.Threshold}, nil
	case MatchMentionCountAbove:
		if s.Threshold < 0 || s.Threshold != float64(int(s.Threshold)) {
			return nil, invalid(ruleID, fmt.Sprintf("mentionCountAbove threshold must be a non-negative integer (got %v)", s.Threshold), nil)
		}
		return &mentionCountMatcher{threshold: int(s.Threshold)}, nil
	case "":
		return nil, invalid(ruleID, "missing matcher type", nil)
	}
	return nil, invalid(ruleID, fmt.Sprintf("unknown matcher type %q", s.Type), nil)
}

// Matches when the phrase appears as a contiguous run of whole tokens (case and diacritic insensitive).
type exactPhraseMatcher struct {
	phrase []string
}

func (m *exactPhraseMatcher) Match(msg *Message) bool {
	return keyword.PhraseInTokens(keyword.TokenizeText(msg.Content), m.phrase)
}

// Case-insensitive substring search for any of the words.
type containsAnyMatcher struct {
	words []string
}

func (m *containsAnyMatcher) Match(msg *Message) bool {
	return keyword.ContainsAnyFolded(keyword.Fold(msg.Content), m.words) != ""
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m *regexMatcher) Match(msg *Message) bool {
	return m.re.MatchString(msg.ScanContent())
}

type linkDomainMatcher struct {
	allow      map[string]bool
	subdomains bool
}

func (m *linkDomainMatcher) Match(msg *Message) bool {
	for _, host := range ExtractLinkHosts(msg.ScanContent()) {
		if !m.allowed(host) {
			return true
		}
	}
	return false
}

func (m *linkDomainMatcher) allowed(host string) bool {
	if m.allow[host] {
		return true
	}
	if !m.subdomains {
		return false
	}
	for d := range m.allow {
		if strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type capsRatioMatcher struct {
	threshold float64
}

func (m *capsRatioMatcher) Match(msg *Message) bool {
	ratio, letters := CapsRatio(msg.Content)
	if letters < MinCapsLetters {
		return false
	}
	return ratio > m.threshold
}

// Computes the share of upper-case letters among all letters in the text, ignoring digits, punctuation and whitespace. Also returns the number of letters seen.
func CapsRatio(text string) (float64, int) {
	var letters, upper int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0, 0
	}
	return float64(upper) / float64(letters), letters
}

type mentionCountMatcher struct {
	threshold int
}

func (m *mentionCountMatcher) Match(msg *Message) bool {
	return CountMentions(msg.ScanContent()) > m.threshold
}

// user, nickname, and role mentions, plus the mass pings
var mentionRegex = regexp.MustCompile(`<@[!&]?\d+>|@everyone|@here`)

// Counts mention tokens in a message body, in Discord syntax (`<@123>`, `<@!123>`, `<@&456>`, `@everyone`, `@here`).
func CountMentions(text string) int {
	return len(mentionRegex.FindAllStringIndex(text, -1))
}
