package audit

import (
	"context"
	"log/slog"
)

// Writes each outcome as a structured log line. Failed outcomes are logged at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger.With("system", "audit")}
}

func (s *LogSink) Append(ctx context.Context, o Outcome) error {
	level := slog.LevelInfo
	if !o.Success {
		level = slog.LevelWarn
	}
	s.Logger.LogAttrs(ctx, level, "enforcement outcome",
		slog.String("guild", o.GuildID),
		slog.String("user", o.UserID),
		slog.String("channel", o.ChannelID),
		slog.String("action", o.Action.String()),
		slog.String("rule", o.RuleID),
		slog.Bool("success", o.Success),
		slog.Bool("dispatched", o.Dispatched),
		slog.Bool("deduplicated", o.Deduplicated),
		slog.Int("attempts", o.Attempts),
		slog.String("errorKind", o.ErrorKind),
		slog.String("err", o.Error),
	)
	return nil
}
