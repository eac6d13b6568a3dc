package rules

import (
	"fmt"
	"strings"
)

// Enforcement action attached to a rule, or decided by escalation.
//
// Values are ordered by severity: Delete < Warn < Mute < Kick < Ban. The zero value is not a valid action.
type Action int

const (
	ActionNone Action = iota
	ActionDelete
	ActionWarn
	ActionMute
	ActionKick
	ActionBan
)

var actionNames = map[Action]string{
	ActionDelete: "delete",
	ActionWarn:   "warn",
	ActionMute:   "mute",
	ActionKick:   "kick",
	ActionBan:    "ban",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "none"
}

func (a Action) Valid() bool {
	return a >= ActionDelete && a <= ActionBan
}

// Re-issuing an idempotent action against the platform has no additional user-visible effect.
func (a Action) Idempotent() bool {
	return a == ActionMute || a == ActionKick || a == ActionBan
}

// Returns true if `a` is strictly more severe than `b`.
func (a Action) MoreSevere(b Action) bool {
	return a > b
}

// Returns the more severe of the two actions.
func MaxAction(a, b Action) Action {
	if a.MoreSevere(b) {
		return a
	}
	return b
}

// Parses the free-form action strings used by the admin UI. Matching is case-insensitive; "timeout" is accepted as an alias of "mute".
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delete":
		return ActionDelete, nil
	case "warn":
		return ActionWarn, nil
	case "mute", "timeout":
		return ActionMute, nil
	case "kick":
		return ActionKick, nil
	case "ban":
		return ActionBan, nil
	}
	return ActionNone, fmt.Errorf("unknown action: %q", raw)
}

// The zero value marshals as "none", which ParseAction does not accept.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	v, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
