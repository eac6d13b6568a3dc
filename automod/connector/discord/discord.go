// Platform connector which applies enforcement through the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prismai/automod/automod/dispatch"

	"github.com/bwmarrin/discordgo"
)

// Subset of *discordgo.Session used by the connector.
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMemberTimeout(guildID string, userID string, until *time.Time, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
}

type Connector struct {
	Session Session
	Logger  *slog.Logger
	// days of message history removed with a ban
	BanDeleteDays int
	// optional; defaults to time.Now
	Clock func() time.Time
}

var _ dispatch.Connector = (*Connector)(nil)

// Opens a REST-only session for the bot token. Rate limits are surfaced to the dispatcher rather than retried inside discordgo, so they count against the dispatch retry budget.
func NewConnector(token string, logger *slog.Logger) (*Connector, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		Session: s,
		Logger:  logger.With("system", "discord"),
	}, nil
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Connector) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Posts the warning in the channel the message was sent in, or by direct message when there is no channel.
func (c *Connector) Warn(ctx context.Context, cmd dispatch.Command) error {
	text := fmt.Sprintf("<@%s> ⚠️ warning: %s", cmd.UserID, cmd.Reason)
	channelID := cmd.ChannelID
	if channelID == "" {
		ch, err := c.Session.UserChannelCreate(cmd.UserID, discordgo.WithContext(ctx))
		if err != nil {
			return MapError(err)
		}
		channelID = ch.ID
	}
	_, err := c.Session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return MapError(err)
}

// Applies a member timeout (Discord's mute).
func (c *Connector) Mute(ctx context.Context, cmd dispatch.Command) error {
	d := cmd.Duration
	if d <= 0 {
		d = dispatch.DefaultMuteDuration
	}
	until := c.now().Add(d)
	return MapError(c.Session.GuildMemberTimeout(cmd.GuildID, cmd.UserID, &until, discordgo.WithContext(ctx)))
}

func (c *Connector) Kick(ctx context.Context, cmd dispatch.Command) error {
	err := c.Session.GuildMemberDeleteWithReason(cmd.GuildID, cmd.UserID, cmd.Reason, discordgo.WithContext(ctx))
	if isNotFound(err) {
		// already gone
		c.logger().Info("kick target not in guild", "guild", cmd.GuildID, "user", cmd.UserID)
		return nil
	}
	return MapError(err)
}

func (c *Connector) Ban(ctx context.Context, cmd dispatch.Command) error {
	return MapError(c.Session.GuildBanCreateWithReason(cmd.GuildID, cmd.UserID, cmd.Reason, c.BanDeleteDays, discordgo.WithContext(ctx)))
}

func (c *Connector) DeleteMessage(ctx context.Context, cmd dispatch.Command) error {
	if cmd.ChannelID == "" || cmd.MessageID == "" {
		return fmt.Errorf("delete requires channel and message ids")
	}
	err := c.Session.ChannelMessageDelete(cmd.ChannelID, cmd.MessageID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		c.logger().Info("message already deleted", "channel", cmd.ChannelID, "message", cmd.MessageID)
		return nil
	}
	return MapError(err)
}

func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

// Classifies a discordgo error into a dispatch.ConnectorError.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		var wait time.Duration
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			wait = rl.RetryAfter
		}
		return dispatch.RateLimited(wait, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return dispatch.PermissionDenied(err)
		case http.StatusTooManyRequests:
			return dispatch.RateLimited(0, err)
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return dispatch.Timeout(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return dispatch.Timeout(err)
	}
	return err
}
