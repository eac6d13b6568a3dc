// Threshold-based escalation of enforcement actions.
package escalation

import (
	"github.com/prismai/automod/automod/rules"
)

// Pure mapping from a user's current violation count to the action to enforce.
//
// Below the threshold the answer is always a warning; at or above it, the configured threshold action. A threshold of zero escalates every violation immediately.
func Decide(count, threshold uint, thresholdAction rules.Action) rules.Action {
	if count < threshold {
		return rules.ActionWarn
	}
	return thresholdAction
}

// Guild-level escalation configuration, as loaded from settings.
type Policy struct {
	Threshold uint
	Action    rules.Action
}

func (p Policy) Decide(count uint) rules.Action {
	return Decide(count, p.Threshold, p.Action)
}

// Whether this count is exactly the one at which the threshold action first applies (useful for one-off notifications).
func (p Policy) Crossed(count uint) bool {
	if p.Threshold == 0 {
		return count > 0
	}
	return count == p.Threshold
}

// Combines the escalation decision with the most severe action of the rules which fired: a rule's own Mute/Kick/Ban is never weakened back to a warning.
func Resolve(escalated, ruleAction rules.Action) rules.Action {
	return rules.MaxAction(escalated, ruleAction)
}
