package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/prismai/automod/automod/rules"
)

// Outbound enforcement command, as sent to the platform connector.
type Command struct {
	Action    rules.Action `json:"action"`
	GuildID   string       `json:"guildId"`
	UserID    string       `json:"userId"`
	ChannelID string       `json:"channelId,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	RuleID    string       `json:"ruleId,omitempty"`
	Reason    string       `json:"reason"`
	// Length of a mute. Connectors fall back to DefaultMuteDuration when zero.
	Duration       time.Duration `json:"duration,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
}

const DefaultMuteDuration = 10 * time.Minute

// Capabilities of the external moderation platform. Implementations must respect ctx cancellation and deadlines, and should return a *ConnectorError to classify failures.
type Connector interface {
	Warn(ctx context.Context, cmd Command) error
	Mute(ctx context.Context, cmd Command) error
	Kick(ctx context.Context, cmd Command) error
	Ban(ctx context.Context, cmd Command) error
	DeleteMessage(ctx context.Context, cmd Command) error
}

func invoke(ctx context.Context, c Connector, cmd Command) error {
	switch cmd.Action {
	case rules.ActionWarn:
		return c.Warn(ctx, cmd)
	case rules.ActionMute:
		return c.Mute(ctx, cmd)
	case rules.ActionKick:
		return c.Kick(ctx, cmd)
	case rules.ActionBan:
		return c.Ban(ctx, cmd)
	case rules.ActionDelete:
		return c.DeleteMessage(ctx, cmd)
	}
	return fmt.Errorf("%w: %s", ErrInvalidAction, cmd.Action)
}
