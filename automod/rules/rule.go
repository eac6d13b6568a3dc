package rules

import (
	"fmt"
	"time"
)

// Which key a rule's cooldown is tracked under.
type CooldownScope string

const (
	ScopeUser    CooldownScope = "user"
	ScopeChannel CooldownScope = "channel"
)

// A configured content rule.
type Rule struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Enabled bool        `json:"enabled"`
	Action  Action      `json:"action"`
	Matcher MatcherSpec `json:"matcher"`

	// Delete-action matches normally do not count toward escalation; this flag makes them count.
	CountsAsWarning bool `json:"countsAsWarning,omitempty"`
	// Minimum interval between two firings of this rule for the same scope key. Zero means never limited.
	CooldownSeconds int           `json:"cooldownSeconds,omitempty"`
	CooldownScope   CooldownScope `json:"cooldownScope,omitempty"`
	// Rules targeting slurs and bans skip bot-authored messages unless the guild opts in with includeBotMessages.
	ExemptBots bool `json:"exemptBots,omitempty"`
}

// Immutable compiled form of a Rule. The embedded Rule must not be modified after compilation.
type CompiledRule struct {
	Rule
	matcher Matcher
}

// Validates the rule and compiles its matcher. Errors wrap ErrInvalidRule.
func Compile(r Rule) (*CompiledRule, error) {
	if r.ID == "" {
		return nil, invalid(r.Name, "missing rule id", nil)
	}
	if !r.Action.Valid() {
		return nil, invalid(r.ID, fmt.Sprintf("invalid action %q", r.Action), nil)
	}
	if r.CooldownSeconds < 0 {
		return nil, invalid(r.ID, "negative cooldown", nil)
	}
	switch r.CooldownScope {
	case "":
		r.CooldownScope = ScopeUser
	case ScopeUser, ScopeChannel:
	default:
		return nil, invalid(r.ID, fmt.Sprintf("unknown cooldown scope %q", r.CooldownScope), nil)
	}
	m, err := r.Matcher.Compile(r.ID)
	if err != nil {
		return nil, err
	}
	if r.Action == ActionBan {
		r.ExemptBots = true
	}
	return &CompiledRule{Rule: r, matcher: m}, nil
}

// Like Compile, but panics on error. Intended for tests and static rule definitions.
func MustCompile(r Rule) *CompiledRule {
	cr, err := Compile(r)
	if err != nil {
		panic(err)
	}
	return cr
}

// Pure and deterministic. Disabled rules never match.
func Match(r *CompiledRule, msg *Message) bool {
	if r == nil || !r.Enabled || msg == nil {
		return false
	}
	return r.matcher.Match(msg)
}

func (r *CompiledRule) Match(msg *Message) bool {
	return Match(r, msg)
}

// Whether a match of this rule records a Violation (and so participates in escalation).
func (r *CompiledRule) CountsTowardEscalation() bool {
	return r.Action != ActionDelete || r.CountsAsWarning
}

func (r *CompiledRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// The key cooldowns are tracked under for this message, according to the rule's scope.
func (r *CompiledRule) ScopeKey(msg *Message) string {
	if r.CooldownScope == ScopeChannel {
		return msg.GuildID + "/" + msg.ChannelID
	}
	return msg.GuildID + "/" + msg.UserID
}
