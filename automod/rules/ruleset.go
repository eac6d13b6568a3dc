package rules

// Immutable collection of compiled rules, in configuration order.
type RuleSet struct {
	Rules []*CompiledRule
}

// Compiles every rule definition. Rules which fail to compile are left out, and their errors returned; the remaining rules are still usable.
func NewRuleSet(defs []Rule) (RuleSet, []error) {
	var errs []error
	rs := RuleSet{Rules: make([]*CompiledRule, 0, len(defs))}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.ID] && def.ID != "" {
			errs = append(errs, invalid(def.ID, "duplicate rule id", nil))
			continue
		}
		cr, err := Compile(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[def.ID] = true
		rs.Rules = append(rs.Rules, cr)
	}
	return rs, errs
}

// Runs every enabled rule against the message and returns all that match (there is no first-match-wins). Bot-authored messages skip bot-exempt rules unless includeBots is set.
func (rs *RuleSet) MatchAll(msg *Message, includeBots bool) []*CompiledRule {
	var out []*CompiledRule
	for _, r := range rs.Rules {
		if msg.IsBot && r.ExemptBots && !includeBots {
			continue
		}
		if Match(r, msg) {
			out = append(out, r)
		}
	}
	return out
}

func (rs *RuleSet) Get(id string) *CompiledRule {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (rs *RuleSet) Len() int {
	return len(rs.Rules)
}

// Returns the matched rule with the most severe action. Ties go to the earliest rule in configuration order.
func MostSevere(matched []*CompiledRule) *CompiledRule {
	var top *CompiledRule
	for _, r := range matched {
		if top == nil || r.Action.MoreSevere(top.Action) {
			top = r
		}
	}
	return top
}
