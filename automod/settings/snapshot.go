package settings

import (
	"fmt"
	"time"

	"github.com/prismai/automod/automod/escalation"
	"github.com/prismai/automod/automod/keyword"
	"github.com/prismai/automod/automod/rules"
)

const (
	BannedWordsRuleID = "banned-words"
	LinkFilterRuleID  = "link-filter"
)

// Immutable compiled settings for one guild (or the default, with an empty GuildID). Never modified after Compile returns.
type Snapshot struct {
	GuildID            string
	Rules              rules.RuleSet
	Policy             escalation.Policy
	RetentionWindow    time.Duration
	IncludeBotMessages bool
	LoadedAt           time.Time
	// Where the snapshot came from: "file", "http", "api" or "default"
	Source string
	// Rules and settings which were rejected at load, for reporting back to the admin UI.
	Skipped []error
}

func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Policy: escalation.Policy{
			Threshold: DefaultWarningThreshold,
			Action:    DefaultWarningAction,
		},
		LoadedAt: time.Now(),
		Source:   SourceDefault,
	}
}

// Validates and compiles a document. Invalid rules, triggers and settings are skipped (and returned as errors) rather than failing the load.
func Compile(doc *Document) (*Snapshot, []error) {
	var errs []error
	snap := &Snapshot{
		GuildID:            doc.GuildID,
		IncludeBotMessages: doc.IncludeBotMessages,
		LoadedAt:           time.Now(),
		Policy: escalation.Policy{
			Threshold: DefaultWarningThreshold,
			Action:    DefaultWarningAction,
		},
	}
	if doc.WarningThreshold != nil {
		snap.Policy.Threshold = *doc.WarningThreshold
	}
	if doc.WarningAction != "" {
		act, err := rules.ParseAction(doc.WarningAction)
		if err != nil {
			errs = append(errs, fmt.Errorf("warningAction: %w", err))
		} else {
			snap.Policy.Action = act
		}
	}
	if doc.RetentionWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("retentionWindowSeconds: must not be negative"))
	} else {
		snap.RetentionWindow = time.Duration(doc.RetentionWindowSeconds) * time.Second
	}

	defs := make([]rules.Rule, 0, len(doc.Rules)+len(doc.Triggers)+2)
	hasLinkRule := false
	hasRule := map[string]bool{}
	for _, rd := range doc.Rules {
		r, err := rd.rule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Matcher.Type == rules.MatchLinkDomainNotIn {
			hasLinkRule = true
		}
		hasRule[r.ID] = true
		defs = append(defs, r)
	}
	for _, td := range doc.Triggers {
		r, err := td.rule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hasRule[r.ID] = true
		defs = append(defs, r)
	}

	if words := keyword.FoldAll(doc.BannedWords); len(words) > 0 && !hasRule[BannedWordsRuleID] {
		defs = append(defs, rules.Rule{
			ID:              BannedWordsRuleID,
			Name:            "Banned words",
			Enabled:         true,
			Action:          rules.ActionDelete,
			CountsAsWarning: true,
			ExemptBots:      true,
			Matcher:         rules.ContainsAny(words...),
		})
	}
	if len(doc.AllowedLinks) > 0 && !hasLinkRule && !hasRule[LinkFilterRuleID] {
		defs = append(defs, rules.Rule{
			ID:              LinkFilterRuleID,
			Name:            "Link filter",
			Enabled:         true,
			Action:          rules.ActionDelete,
			CountsAsWarning: true,
			ExemptBots:      true,
			Matcher: rules.MatcherSpec{
				Type:            rules.MatchLinkDomainNotIn,
				AllowList:       doc.AllowedLinks,
				AllowSubdomains: doc.AllowSubdomains,
			},
		})
	}

	rs, ruleErrs := rules.NewRuleSet(defs)
	snap.Rules = rs
	errs = append(errs, ruleErrs...)
	snap.Skipped = errs
	return snap, errs
}

func parseActionField(id, raw string) (rules.Action, error) {
	act, err := rules.ParseAction(raw)
	if err != nil {
		return rules.ActionNone, &rules.RuleError{RuleID: id, Reason: "invalid action", Err: err}
	}
	return act, nil
}

func (rd RuleDoc) rule() (rules.Rule, error) {
	act, err := parseActionField(rd.ID, rd.Action)
	if err != nil {
		return rules.Rule{}, err
	}
	return rules.Rule{
		ID:              rd.ID,
		Name:            rd.Name,
		Enabled:         rd.Enabled,
		Action:          act,
		CountsAsWarning: rd.CountsAsWarning,
		CooldownSeconds: rd.CooldownSeconds,
		CooldownScope:   rules.CooldownScope(rd.CooldownScope),
		ExemptBots:      rd.ExemptBots,
		Matcher:         rd.Matcher,
	}, nil
}

func (td TriggerDoc) rule() (rules.Rule, error) {
	act, err := parseActionField(td.ID, td.Action)
	if err != nil {
		return rules.Rule{}, err
	}
	return rules.Rule{
		ID:              td.ID,
		Name:            td.Name,
		Enabled:         td.Enabled,
		Action:          act,
		CountsAsWarning: td.CountsAsWarning,
		CooldownSeconds: td.CooldownSeconds,
		CooldownScope:   rules.CooldownScope(td.CooldownScope),
		Matcher:         rules.Regex(td.Pattern),
	}, nil
}

// JSON-friendly description of a snapshot, for the settings query endpoint.
type Summary struct {
	GuildID            string   `json:"guildId"`
	Rules              []string `json:"rules"`
	WarningThreshold   uint     `json:"warningThreshold"`
	WarningAction      string   `json:"warningAction"`
	RetentionSeconds   int64    `json:"retentionWindowSeconds"`
	IncludeBotMessages bool     `json:"includeBotMessages"`
	Skipped            []string `json:"skipped,omitempty"`
	LoadedAt           string   `json:"loadedAt"`
	Source             string   `json:"source,omitempty"`
}

func (s *Snapshot) Summary() Summary {
	sum := Summary{
		GuildID:            s.GuildID,
		Rules:              make([]string, 0, s.Rules.Len()),
		WarningThreshold:   s.Policy.Threshold,
		WarningAction:      s.Policy.Action.String(),
		RetentionSeconds:   int64(s.RetentionWindow / time.Second),
		IncludeBotMessages: s.IncludeBotMessages,
		LoadedAt:           s.LoadedAt.UTC().Format(time.RFC3339),
		Source:             s.Source,
	}
	for _, r := range s.Rules.Rules {
		sum.Rules = append(sum.Rules, r.ID)
	}
	for _, err := range s.Skipped {
		sum.Skipped = append(sum.Skipped, err.Error())
	}
	return sum
}

// Copy of the snapshot assigned to another guild. Compiled rules are shared, since they are immutable.
func (s *Snapshot) ForGuild(guildID string) *Snapshot {
	cp := *s
	cp.GuildID = guildID
	return &cp
}
