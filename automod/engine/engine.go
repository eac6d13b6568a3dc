package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prismai/automod/automod/audit"
	"github.com/prismai/automod/automod/cooldown"
	"github.com/prismai/automod/automod/countstore"
	"github.com/prismai/automod/automod/dispatch"
	"github.com/prismai/automod/automod/escalation"
	"github.com/prismai/automod/automod/ledger"
	"github.com/prismai/automod/automod/rules"
	"github.com/prismai/automod/automod/settings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// number of automatic bans per guild per hour before bans are downgraded to kicks (circuit breaker)
	QuotaBansPerHour = 50
)

// Source of the settings snapshot to evaluate a guild's events against.
type SnapshotResolver interface {
	Resolve(ctx context.Context, guildID string) *settings.Snapshot
}

// runtime for evaluating message events against the configured rules, tracking violations, and dispatching enforcement.
//
// Settings, Ledger, Cooldowns and Dispatcher are required. Always use an *Engine; it must not be copied after first use.
type Engine struct {
	Logger     *slog.Logger
	Settings   SnapshotResolver
	Ledger     ledger.Ledger
	Cooldowns  cooldown.Tracker
	Dispatcher *dispatch.Dispatcher
	// optional; used for the ban circuit breaker and rule statistics
	Counters countstore.CountStore
	// optional
	Notifier Notifier
	// optional; defaults to time.Now
	Clock func() time.Time

	locksOnce sync.Once
	locks     *keyLocks
}

// Evaluation of one message event, up to (but not including) dispatch.
type Decision struct {
	Event    rules.Message
	Snapshot *settings.Snapshot
	State    State
	// rules which matched and were not suppressed by a cooldown
	Fired []*rules.CompiledRule
	// rules which matched but were still cooling down
	Suppressed []string
	Violations []ledger.Violation
	Count      uint
	// escalation result; ActionNone if no violation was recorded
	Escalated rules.Action
	// the single action to dispatch, and the rule it is attributed to
	Action     rules.Action
	RuleID     string
	Downgraded bool
	ErrorKind  dispatch.ErrorKind

	// cooldowns consumed by this decision, released if it is abandoned
	firings []firing
}

type firing struct {
	ruleID   string
	scopeKey string
	at       time.Time
}

// Terminal result of processing one message event.
type Result struct {
	State           State           `json:"state"`
	GuildID         string          `json:"guildId"`
	UserID          string          `json:"userId"`
	ChannelID       string          `json:"channelId,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	MatchedRules    []string        `json:"matchedRules,omitempty"`
	SuppressedRules []string        `json:"suppressedRules,omitempty"`
	ViolationCount  uint            `json:"violationCount"`
	Action          rules.Action    `json:"action"`
	Downgraded      bool            `json:"downgraded,omitempty"`
	Success         bool            `json:"success"`
	ErrorKind       string          `json:"errorKind,omitempty"`
	Outcomes        []audit.Outcome `json:"outcomes,omitempty"`
}

func (eng *Engine) now() time.Time {
	if eng.Clock != nil {
		return eng.Clock()
	}
	return time.Now()
}

func (eng *Engine) logger() *slog.Logger {
	if eng.Logger != nil {
		return eng.Logger
	}
	return slog.Default()
}

func (eng *Engine) keyLocks() *keyLocks {
	eng.locksOnce.Do(func() {
		eng.locks = newKeyLocks()
	})
	return eng.locks
}

func userLockKey(guildID, userID string) string {
	return guildID + "/" + userID
}

// Evaluates and dispatches a single message event.
//
// An error is returned if evaluation was cancelled, or if the violation ledger failed (in which case the result is DispatchFailed and nothing was dispatched).
func (eng *Engine) ProcessMessage(ctx context.Context, evt *rules.Message) (*Result, error) {
	d, err := eng.Evaluate(ctx, evt)
	if d == nil {
		return nil, err
	}
	return eng.Dispatch(ctx, d), err
}

// Runs rule matching, cooldown checks, violation recording and escalation for the event, committing ledger and cooldown state before returning. Events for the same guild and user are serialized.
//
// Cancelling ctx aborts evaluation while waiting for the per-user lock; once state is being committed, the commit runs to completion.
func (eng *Engine) Evaluate(ctx context.Context, evt *rules.Message) (d *Decision, err error) {
	start := time.Now()
	logger := eng.logger().With("guild", evt.GuildID, "user", evt.UserID, "channel", evt.ChannelID)
	d = &Decision{Event: *evt, State: StateReceived}

	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			logger.Error("automod event execution exception", "err", r)
			eventPanicCount.Inc()
			d = &Decision{Event: *evt, State: StateNoMatch}
			err = nil
		}
		eventProcessDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := otel.Tracer("engine").Start(ctx, "Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("guild", evt.GuildID))

	if evt.GuildID == "" || evt.UserID == "" {
		logger.Warn("dropping malformed message event: missing guild or user")
		d.State = StateNoMatch
		return d, nil
	}

	snap := eng.Settings.Resolve(ctx, evt.GuildID)
	d.Snapshot = snap
	matched := snap.Rules.MatchAll(&d.Event, snap.IncludeBotMessages)
	if len(matched) == 0 {
		d.State = StateNoMatch
		return d, nil
	}
	for _, r := range matched {
		ruleMatchCount.WithLabelValues(string(r.Matcher.Type)).Inc()
	}

	key := userLockKey(evt.GuildID, evt.UserID)
	locks := eng.keyLocks()
	if err := locks.Lock(ctx, key); err != nil {
		return nil, fmt.Errorf("waiting for user lock: %w", err)
	}
	defer locks.Unlock(key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// past this point state is committed, so the caller can no longer cancel
	ctx = context.WithoutCancel(ctx)
	now := eng.now()
	eng.commit(ctx, logger, d, matched, now)
	if d.ErrorKind == dispatch.KindLedgerUnavailable {
		return d, fmt.Errorf("evaluating event: %w", ledger.ErrLedgerUnavailable)
	}
	return d, nil
}

func (eng *Engine) commit(ctx context.Context, logger *slog.Logger, d *Decision, matched []*rules.CompiledRule, now time.Time) {
	evt := &d.Event
	snap := d.Snapshot

	for _, r := range matched {
		if r.CooldownSeconds > 0 {
			scope := r.ScopeKey(evt)
			res, err := eng.Cooldowns.TryFire(ctx, r.ID, scope, r.Cooldown(), now)
			if err != nil {
				// fail closed: a rule that can't prove it is off cooldown does not fire
				logger.Error("cooldown check failed", "rule", r.ID, "err", err)
				d.Suppressed = append(d.Suppressed, r.ID)
				cooldownSuppressedCount.Inc()
				continue
			}
			if !res.Allowed {
				logger.Debug("rule suppressed by cooldown", "rule", r.ID, "remaining", res.Remaining)
				d.Suppressed = append(d.Suppressed, r.ID)
				cooldownSuppressedCount.Inc()
				continue
			}
			d.firings = append(d.firings, firing{ruleID: r.ID, scopeKey: scope, at: now})
		}
		d.Fired = append(d.Fired, r)
	}
	if len(d.Fired) == 0 {
		d.State = StateNoMatch
		return
	}
	d.State = StateMatched
	eng.countRuleHits(ctx, logger, d, now)

	top := rules.MostSevere(d.Fired)
	d.Action = top.Action
	d.RuleID = top.ID

	for _, r := range d.Fired {
		if !r.CountsTowardEscalation() {
			continue
		}
		v, err := eng.Ledger.Record(ctx, evt.GuildID, evt.UserID, r.ID, ruleReason(r), now)
		if err != nil {
			eng.failClosed(ctx, logger, d, "record", err)
			return
		}
		violationRecordedCount.Inc()
		d.Violations = append(d.Violations, *v)
	}
	if len(d.Violations) == 0 {
		// only delete-only rules fired: the message is removed, nothing escalates
		d.State = StateEscalated
		return
	}
	d.State = StateRecorded

	count, err := eng.Ledger.Count(ctx, evt.GuildID, evt.UserID, now, snap.RetentionWindow)
	if err != nil {
		eng.failClosed(ctx, logger, d, "count", err)
		return
	}
	d.Count = count
	d.Escalated = snap.Policy.Decide(count)
	d.Action = escalation.Resolve(d.Escalated, d.Action)
	if d.Action > rules.ActionWarn {
		escalationCount.WithLabelValues(d.Action.String()).Inc()
	}
	if d.Action == rules.ActionBan {
		eng.circuitBreakBan(ctx, logger, d, now)
	}
	d.State = StateEscalated
}

// Abandons the event without enforcement, and makes a best-effort attempt to undo the violations and cooldowns already recorded for it.
func (eng *Engine) failClosed(ctx context.Context, logger *slog.Logger, d *Decision, op string, err error) {
	ledgerErrorCount.WithLabelValues(op).Inc()
	// the full event is logged so it can be replayed once the ledger is back
	logger.Error("violation ledger unavailable, not enforcing", "op", op, "err", err, "event", d.Event)
	for _, v := range d.Violations {
		if rerr := eng.Ledger.Remove(ctx, v.ID); rerr != nil {
			logger.Warn("failed to roll back partial violation", "violation", v.ID, "err", rerr)
		}
	}
	d.Violations = nil
	for _, f := range d.firings {
		if rerr := eng.Cooldowns.Release(ctx, f.ruleID, f.scopeKey, f.at); rerr != nil {
			logger.Warn("failed to release cooldown", "rule", f.ruleID, "err", rerr)
		}
	}
	d.firings = nil
	d.State = StateDispatchFailed
	d.ErrorKind = dispatch.KindLedgerUnavailable
}

// Bans beyond the hourly per-guild quota are downgraded to kicks.
func (eng *Engine) circuitBreakBan(ctx context.Context, logger *slog.Logger, d *Decision, now time.Time) {
	if eng.Counters == nil {
		return
	}
	guildID := d.Event.GuildID
	c, err := eng.Counters.GetCount(ctx, "automod-bans", guildID, countstore.PeriodHour, now)
	if err != nil {
		logger.Error("failed to read ban quota counter", "err", err)
		return
	}
	if c >= QuotaBansPerHour {
		logger.Warn("CIRCUIT BREAKER: automod bans", "count", c)
		circuitBreakerCount.WithLabelValues("ban").Inc()
		d.Action = rules.ActionKick
		d.Downgraded = true
	}
}

// Only bans actually delivered count toward the quota.
func (eng *Engine) countBan(ctx context.Context, logger *slog.Logger, out audit.Outcome) {
	if eng.Counters == nil || out.Action != rules.ActionBan || !out.Success || out.Deduplicated {
		return
	}
	if err := eng.Counters.Increment(ctx, "automod-bans", out.GuildID, eng.now()); err != nil {
		logger.Error("failed to increment ban quota counter", "err", err)
	}
}

func (eng *Engine) countRuleHits(ctx context.Context, logger *slog.Logger, d *Decision, now time.Time) {
	if eng.Counters == nil {
		return
	}
	for _, r := range d.Fired {
		bucket := d.Event.GuildID + "/" + r.ID
		if err := eng.Counters.Increment(ctx, "rule-hits", bucket, now); err != nil {
			logger.Warn("failed to increment rule counter", "rule", r.ID, "err", err)
			continue
		}
		if err := eng.Counters.IncrementDistinct(ctx, "rule-users", bucket, d.Event.UserID, now); err != nil {
			logger.Warn("failed to increment rule counter", "rule", r.ID, "err", err)
		}
	}
}

func ruleReason(r *rules.CompiledRule) string {
	if r.Name != "" {
		return fmt.Sprintf("automod rule %q", r.Name)
	}
	return fmt.Sprintf("automod rule %s", r.ID)
}

func (d *Decision) reason() string {
	msg := fmt.Sprintf("automod: %s", d.RuleID)
	if len(d.Violations) > 0 && d.Snapshot != nil {
		msg += fmt.Sprintf(" (violation %d, threshold %d)", d.Count, d.Snapshot.Policy.Threshold)
	}
	return msg
}

func (d *Decision) result() *Result {
	res := &Result{
		State:           d.State,
		GuildID:         d.Event.GuildID,
		UserID:          d.Event.UserID,
		ChannelID:       d.Event.ChannelID,
		MessageID:       d.Event.MessageID,
		SuppressedRules: d.Suppressed,
		ViolationCount:  d.Count,
		Downgraded:      d.Downgraded,
		ErrorKind:       string(d.ErrorKind),
	}
	for _, r := range d.Fired {
		res.MatchedRules = append(res.MatchedRules, r.ID)
	}
	if d.State != StateNoMatch {
		res.Action = d.Action
	}
	return res
}

// Sends the decided action to the connector: exactly one command per event, plus one audit record per fired rule. Runs to completion regardless of ctx cancellation.
func (eng *Engine) Dispatch(ctx context.Context, d *Decision) *Result {
	ctx = context.WithoutCancel(ctx)
	logger := eng.logger().With("guild", d.Event.GuildID, "user", d.Event.UserID, "channel", d.Event.ChannelID)
	res := d.result()

	switch d.State {
	case StateNoMatch:
		eng.canonicalLogLine(logger, res)
		return res
	case StateDispatchFailed:
		out := audit.Outcome{
			GuildID:   d.Event.GuildID,
			UserID:    d.Event.UserID,
			ChannelID: d.Event.ChannelID,
			MessageID: d.Event.MessageID,
			Action:    d.Action,
			RuleID:    d.RuleID,
			Reason:    d.reason(),
			ErrorKind: string(d.ErrorKind),
			Error:     ledger.ErrLedgerUnavailable.Error(),
		}
		eng.Dispatcher.Record(ctx, out)
		res.Outcomes = []audit.Outcome{out}
		eng.canonicalLogLine(logger, res)
		return res
	case StateEscalated:
	default:
		logger.Error("dispatch called on decision in unexpected state", "state", d.State)
		res.State = StateDispatchFailed
		res.ErrorKind = string(dispatch.KindInvalidAction)
		eng.canonicalLogLine(logger, res)
		return res
	}

	ctx, span := otel.Tracer("engine").Start(ctx, "Dispatch")
	defer span.End()

	main := eng.Dispatcher.ApplyCommand(ctx, dispatch.Command{
		Action:    d.Action,
		GuildID:   d.Event.GuildID,
		UserID:    d.Event.UserID,
		ChannelID: d.Event.ChannelID,
		MessageID: d.Event.MessageID,
		RuleID:    d.RuleID,
		Reason:    d.reason(),
	})
	res.Outcomes = append(res.Outcomes, main)
	eng.countBan(ctx, logger, main)

	// every other fired rule gets its own audit entry, enforced through the single dispatched command
	for _, r := range d.Fired {
		if r.ID == d.RuleID {
			continue
		}
		out := audit.Outcome{
			GuildID:        d.Event.GuildID,
			UserID:         d.Event.UserID,
			ChannelID:      d.Event.ChannelID,
			MessageID:      d.Event.MessageID,
			Action:         r.Action,
			RuleID:         r.ID,
			Reason:         ruleReason(r),
			Success:        main.Success,
			ErrorKind:      main.ErrorKind,
			Error:          main.Error,
			IdempotencyKey: main.IdempotencyKey,
		}
		eng.Dispatcher.Record(ctx, out)
		res.Outcomes = append(res.Outcomes, out)
	}

	res.Success = main.Success
	if main.Success {
		res.State = StateDispatchSucceeded
	} else {
		res.State = StateDispatchFailed
		res.ErrorKind = main.ErrorKind
	}

	if eng.Notifier != nil && main.Success && !main.Deduplicated {
		if err := eng.Notifier.SendEnforcement(ctx, res); err != nil {
			notifyErrorCount.Inc()
			logger.Error("failed to send enforcement notification", "err", err)
		}
	}
	eng.canonicalLogLine(logger, res)
	return res
}

func (eng *Engine) canonicalLogLine(logger *slog.Logger, res *Result) {
	eventProcessCount.WithLabelValues(string(res.State)).Inc()
	if res.State == StateNoMatch && len(res.SuppressedRules) == 0 {
		return
	}
	logger.Info("canonical-event-line",
		"state", res.State,
		"matched", res.MatchedRules,
		"suppressed", res.SuppressedRules,
		"violations", res.ViolationCount,
		"action", res.Action.String(),
		"downgraded", res.Downgraded,
		"success", res.Success,
		"errorKind", res.ErrorKind,
	)
}

// Moderator "remove warning". Removing an unknown violation is not an error.
func (eng *Engine) RemoveViolation(ctx context.Context, violationID string) error {
	if err := eng.Ledger.Remove(ctx, violationID); err != nil {
		ledgerErrorCount.WithLabelValues("remove").Inc()
		return err
	}
	return nil
}

// Current violation count for the user, using the guild's retention window.
func (eng *Engine) ViolationCount(ctx context.Context, guildID, userID string) (uint, error) {
	snap := eng.Settings.Resolve(ctx, guildID)
	return eng.Ledger.Count(ctx, guildID, userID, eng.now(), snap.RetentionWindow)
}

func (eng *Engine) ListViolations(ctx context.Context, guildID, userID string) ([]ledger.Violation, error) {
	snap := eng.Settings.Resolve(ctx, guildID)
	return eng.Ledger.List(ctx, guildID, userID, eng.now(), snap.RetentionWindow)
}

var ErrNoCounters = errors.New("rule statistics not configured")

type RuleStats struct {
	RuleID     string `json:"ruleId"`
	HitsHour   int    `json:"hitsHour"`
	HitsDay    int    `json:"hitsDay"`
	HitsTotal  int    `json:"hitsTotal"`
	UsersDay   int    `json:"usersDay"`
	UsersTotal int    `json:"usersTotal"`
}

func (eng *Engine) RuleStats(ctx context.Context, guildID, ruleID string) (*RuleStats, error) {
	if eng.Counters == nil {
		return nil, ErrNoCounters
	}
	now := eng.now()
	bucket := guildID + "/" + ruleID
	stats := RuleStats{RuleID: ruleID}
	var err error
	for _, f := range []struct {
		dst      *int
		distinct bool
		period   string
	}{
		{&stats.HitsHour, false, countstore.PeriodHour},
		{&stats.HitsDay, false, countstore.PeriodDay},
		{&stats.HitsTotal, false, countstore.PeriodTotal},
		{&stats.UsersDay, true, countstore.PeriodDay},
		{&stats.UsersTotal, true, countstore.PeriodTotal},
	} {
		if f.distinct {
			*f.dst, err = eng.Counters.GetCountDistinct(ctx, "rule-users", bucket, f.period, now)
		} else {
			*f.dst, err = eng.Counters.GetCount(ctx, "rule-hits", bucket, f.period, now)
		}
		if err != nil {
			return nil, err
		}
	}
	return &stats, nil
}
