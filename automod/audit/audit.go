// Append-only record of enforcement outcomes, consumed by the moderation log.
package audit

import (
	"context"
	"time"

	"github.com/prismai/automod/automod/rules"
)

// Result of one enforcement decision for one matched rule. Exactly one record is produced per outcome, whether or not the connector call succeeded.
type Outcome struct {
	GuildID   string       `json:"guildId"`
	UserID    string       `json:"userId"`
	ChannelID string       `json:"channelId,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	Action    rules.Action `json:"action"`
	RuleID    string       `json:"ruleId,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Success   bool         `json:"success"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Error     string       `json:"error,omitempty"`
	// Connector calls made; zero for rules which did not dispatch on their own.
	Attempts int `json:"attempts"`
	// Whether this record corresponds to the command sent to the connector (one per event).
	Dispatched     bool      `json:"dispatched"`
	Deduplicated   bool      `json:"deduplicated,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Sink interface {
	Append(ctx context.Context, o Outcome) error
}

// Reads back recent outcomes, newest first. Not every sink supports this.
type Reader interface {
	Recent(ctx context.Context, guildID string, limit int) ([]Outcome, error)
}
