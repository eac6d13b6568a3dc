// Moderation settings: the JSON document written by the admin UI, compiled into immutable snapshots which evaluators read.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prismai/automod/automod/rules"
)

const (
	DefaultWarningThreshold uint = 3
	DefaultWarningAction         = rules.ActionMute
)

var ErrMalformedDocument = errors.New("malformed settings document")

// Per-guild settings document, mirroring the admin UI's ModSettings and AutoModRule shapes. Action strings are kept raw here and validated at compile time, so a single bad rule does not reject the whole document.
type Document struct {
	GuildID string `json:"guildId"`
	// nil means unset (use the default); zero is a valid threshold meaning "escalate immediately"
	WarningThreshold       *uint        `json:"warningThreshold,omitempty"`
	WarningAction          string       `json:"warningAction,omitempty"`
	RetentionWindowSeconds int64        `json:"retentionWindowSeconds,omitempty"`
	IncludeBotMessages     bool         `json:"includeBotMessages,omitempty"`
	AllowSubdomains        bool         `json:"allowSubdomains,omitempty"`
	BannedWords            []string     `json:"bannedWords,omitempty"`
	AllowedLinks           []string     `json:"allowedLinks,omitempty"`
	Rules                  []RuleDoc    `json:"rules,omitempty"`
	Triggers               []TriggerDoc `json:"triggers,omitempty"`
}

type RuleDoc struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Enabled         bool              `json:"enabled"`
	Action          string            `json:"action"`
	CountsAsWarning bool              `json:"countsAsWarning,omitempty"`
	CooldownSeconds int               `json:"cooldownSeconds,omitempty"`
	CooldownScope   string            `json:"cooldownScope,omitempty"`
	ExemptBots      bool              `json:"exemptBots,omitempty"`
	Matcher         rules.MatcherSpec `json:"matcher"`
}

// Custom regex trigger with a cooldown ("LISA responses").
type TriggerDoc struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Enabled         bool   `json:"enabled"`
	Pattern         string `json:"pattern"`
	Action          string `json:"action"`
	CountsAsWarning bool   `json:"countsAsWarning,omitempty"`
	CooldownSeconds int    `json:"cooldownSeconds,omitempty"`
	CooldownScope   string `json:"cooldownScope,omitempty"`
}

// Parses a single settings document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return &doc, nil
}

// Parses either a single document (JSON object) or a list of documents (JSON array).
func ParseMany(data []byte) ([]Document, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		if docs == nil {
			// an empty list is a file with no guilds, not an unchanged one
			docs = []Document{}
		}
		return docs, nil
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return []Document{*doc}, nil
}
