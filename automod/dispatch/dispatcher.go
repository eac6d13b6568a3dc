// Enforcement dispatch: sends decided actions to the platform connector, with bounded retries, and records one audit entry per outcome.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prismai/automod/automod/audit"
	"github.com/prismai/automod/automod/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultDedupeTTL = 10 * time.Minute
	dedupeCapacity   = 50_000
)

type DispatcherConfig struct {
	// Per-attempt connector deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Total connector calls for retryable actions. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Defaults to DefaultBackoff.
	Backoff []time.Duration
	// Optional global limit on connector calls per second (zero disables).
	RateLimit float64
	// How long a successfully applied command suppresses an identical one. Zero uses DefaultDedupeTTL; negative disables deduplication.
	DedupeTTL time.Duration
	// Length of mutes when the command does not carry one.
	MuteDuration time.Duration
	Logger       *slog.Logger
}

type Dispatcher struct {
	connector    Connector
	sink         audit.Sink
	logger       *slog.Logger
	timeout      time.Duration
	maxAttempts  int
	backoff      []time.Duration
	limiter      *rate.Limiter
	dedupe       *expirable.LRU[string, time.Time]
	muteDuration time.Duration

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(connector Connector, sink audit.Sink, config DispatcherConfig) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := Dispatcher{
		connector:    connector,
		sink:         sink,
		logger:       logger.With("system", "dispatch"),
		timeout:      config.Timeout,
		maxAttempts:  config.MaxAttempts,
		backoff:      config.Backoff,
		muteDuration: config.MuteDuration,
		sleep:        sleepCtx,
		now:          time.Now,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if d.backoff == nil {
		d.backoff = DefaultBackoff
	}
	if d.muteDuration <= 0 {
		d.muteDuration = DefaultMuteDuration
	}
	if config.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	switch {
	case config.DedupeTTL == 0:
		d.dedupe = expirable.NewLRU[string, time.Time](dedupeCapacity, nil, DefaultDedupeTTL)
	case config.DedupeTTL > 0:
		d.dedupe = expirable.NewLRU[string, time.Time](dedupeCapacity, nil, config.DedupeTTL)
	}
	return &d
}

// Applies an action to a user, with no message context.
func (d *Dispatcher) Apply(ctx context.Context, action rules.Action, userID, guildID, reason string) audit.Outcome {
	return d.ApplyCommand(ctx, Command{
		Action:  action,
		UserID:  userID,
		GuildID: guildID,
		Reason:  reason,
	})
}

// Sends the command to the connector, retrying idempotent actions on transient failures, and appends exactly one audit record for the outcome.
//
// Once started, the retry sequence is not interrupted by cancellation of ctx; each attempt still has its own deadline.
func (d *Dispatcher) ApplyCommand(ctx context.Context, cmd Command) audit.Outcome {
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Tracer("dispatch").Start(ctx, "ApplyCommand")
	defer span.End()
	span.SetAttributes(
		attribute.String("action", cmd.Action.String()),
		attribute.String("guild", cmd.GuildID),
	)

	start := d.now()
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = IdempotencyKey(cmd)
	}
	if cmd.Action == rules.ActionMute && cmd.Duration <= 0 {
		cmd.Duration = d.muteDuration
	}
	logger := d.logger.With("guild", cmd.GuildID, "user", cmd.UserID, "action", cmd.Action.String(), "key", cmd.IdempotencyKey)

	out := audit.Outcome{
		GuildID:        cmd.GuildID,
		UserID:         cmd.UserID,
		ChannelID:      cmd.ChannelID,
		MessageID:      cmd.MessageID,
		Action:         cmd.Action,
		RuleID:         cmd.RuleID,
		Reason:         cmd.Reason,
		Dispatched:     true,
		IdempotencyKey: cmd.IdempotencyKey,
	}

	if !cmd.Action.Valid() {
		out.ErrorKind = string(KindInvalidAction)
		out.Error = ErrInvalidAction.Error()
		return d.finish(ctx, logger, out, start)
	}

	// commands with no triggering message (moderator actions) are always sent
	dedupe := d.dedupe != nil && cmd.MessageID != ""
	if dedupe {
		if _, ok := d.dedupe.Get(cmd.IdempotencyKey); ok {
			logger.Info("skipping duplicate enforcement command")
			dispatchDeduped.WithLabelValues(cmd.Action.String()).Inc()
			out.Success = true
			out.Deduplicated = true
			return d.finish(ctx, logger, out, start)
		}
	}

	var err error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(d.backoff, attempt-1, err)
			logger.Warn("retrying enforcement command", "attempt", attempt+1, "delay", delay, "err", err)
			if serr := d.sleep(ctx, delay); serr != nil {
				break
			}
		}
		if d.limiter != nil {
			if lerr := d.limiter.Wait(ctx); lerr != nil {
				err = lerr
				break
			}
		}
		out.Attempts++
		dispatchAttempts.WithLabelValues(cmd.Action.String()).Inc()
		err = d.attempt(ctx, cmd)
		if err == nil {
			break
		}
		if !retryable(cmd.Action, KindOf(err)) {
			break
		}
	}

	if err != nil {
		out.ErrorKind = string(KindOf(err))
		out.Error = err.Error()
		span.SetStatus(codes.Error, out.ErrorKind)
	} else {
		out.Success = true
		if dedupe {
			d.dedupe.Add(cmd.IdempotencyKey, d.now())
		}
	}
	return d.finish(ctx, logger, out, start)
}

func (d *Dispatcher) attempt(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := invoke(ctx, d.connector, cmd)
	if err != nil && ctx.Err() == context.DeadlineExceeded && KindOf(err) == KindConnectorFailure {
		return Timeout(err)
	}
	return err
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, out audit.Outcome, start time.Time) audit.Outcome {
	out.Timestamp = d.now().UTC()
	result := "success"
	if out.Deduplicated {
		result = "deduplicated"
	} else if !out.Success {
		result = out.ErrorKind
	}
	dispatchOutcomes.WithLabelValues(out.Action.String(), result).Inc()
	dispatchDuration.WithLabelValues(out.Action.String()).Observe(d.now().Sub(start).Seconds())
	if !out.Success {
		logger.Warn("enforcement command failed", "attempts", out.Attempts, "errorKind", out.ErrorKind, "err", out.Error)
	}
	if d.sink != nil {
		if err := d.sink.Append(ctx, out); err != nil {
			logger.Error("failed to append audit record", "err", err)
		}
	}
	return out
}

// Appends an audit record produced outside the dispatcher (eg, a failure before dispatch could start).
func (d *Dispatcher) Record(ctx context.Context, out audit.Outcome) {
	if out.Timestamp.IsZero() {
		out.Timestamp = d.now().UTC()
	}
	if d.sink == nil {
		return
	}
	if err := d.sink.Append(context.WithoutCancel(ctx), out); err != nil {
		d.logger.Error("failed to append audit record", "err", err, "guild", out.GuildID, "user", out.UserID)
	}
}
