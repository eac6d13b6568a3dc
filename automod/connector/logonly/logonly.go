// Dry-run connector: every enforcement command is logged and reported as applied, and nothing is sent to the platform.
package logonly

import (
	"context"
	"log/slog"

	"github.com/prismai/automod/automod/dispatch"
)

type Connector struct {
	Logger *slog.Logger
}

var _ dispatch.Connector = (*Connector)(nil)

func NewConnector(logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{Logger: logger.With("system", "logonly-connector")}
}

func (c *Connector) apply(ctx context.Context, cmd dispatch.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Logger.Info("dry-run enforcement",
		"action", cmd.Action.String(),
		"guild", cmd.GuildID,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
		"message", cmd.MessageID,
		"rule", cmd.RuleID,
		"reason", cmd.Reason,
		"duration", cmd.Duration,
		"key", cmd.IdempotencyKey,
	)
	return nil
}

func (c *Connector) Warn(ctx context.Context, cmd dispatch.Command) error { return c.apply(ctx, cmd) }
func (c *Connector) Mute(ctx context.Context, cmd dispatch.Command) error { return c.apply(ctx, cmd) }
func (c *Connector) Kick(ctx context.Context, cmd dispatch.Command) error { return c.apply(ctx, cmd) }
func (c *Connector) Ban(ctx context.Context, cmd dispatch.Command) error  { return c.apply(ctx, cmd) }
func (c *Connector) DeleteMessage(ctx context.Context, cmd dispatch.Command) error {
	return c.apply(ctx, cmd)
}
