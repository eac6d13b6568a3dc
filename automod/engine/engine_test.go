package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prismai/automod/automod/countstore"
	"github.com/prismai/automod/automod/dispatch"
	"github.com/prismai/automod/automod/ledger"
	"github.com/prismai/automod/automod/rules"
	"github.com/prismai/automod/automod/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineThreeStrikes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	var actions []rules.Action
	for i := 0; i < 3; i++ {
		res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", fmt.Sprintf("msg%d", i), "buy my spam now"))
		require.NoError(t, err)
		assert.Equal(StateDispatchSucceeded, res.State)
		assert.Equal(uint(i+1), res.ViolationCount)
		actions = append(actions, res.Action)
		f.Clock.Advance(time.Minute)
	}
	assert.Equal([]rules.Action{rules.ActionWarn, rules.ActionWarn, rules.ActionMute}, actions)
	assert.Equal(2, f.Connector.CallCount(rules.ActionWarn))
	assert.Equal(1, f.Connector.CallCount(rules.ActionMute))
	assert.Equal(3, len(f.Audit.Outcomes()))

	// other users are unaffected
	res, err := f.Engine.ProcessMessage(ctx, f.Message("user2", "msg9", "spam"))
	require.NoError(t, err)
	assert.Equal(rules.ActionWarn, res.Action)
	assert.Equal(uint(1), res.ViolationCount)
}

func TestEngineNoMatch(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()

	res, err := f.Engine.ProcessMessage(context.Background(), f.Message("user1", "msg1", "hello there"))
	require.NoError(t, err)
	assert.Equal(StateNoMatch, res.State)
	assert.Equal(rules.ActionNone, res.Action)
	assert.Empty(f.Connector.Calls())
	assert.Empty(f.Audit.Outcomes())

	// malformed events are dropped
	res, err = f.Engine.ProcessMessage(context.Background(), &rules.Message{Content: "spam"})
	require.NoError(t, err)
	assert.Equal(StateNoMatch, res.State)
}

func TestEngineThresholdZero(t *testing.T) {
	assert := assert.New(t)
	doc := DefaultTestDocument()
	zero := uint(0)
	doc.WarningThreshold = &zero
	doc.WarningAction = "kick"
	f := EngineTestFixture(doc)

	res, err := f.Engine.ProcessMessage(context.Background(), f.Message("user1", "msg1", "spam"))
	require.NoError(t, err)
	assert.Equal(rules.ActionKick, res.Action)
	assert.Equal(1, f.Connector.CallCount(rules.ActionKick))
	assert.Equal(0, f.Connector.CallCount(rules.ActionWarn))
}

func TestEngineDeleteOnly(t *testing.T) {
	assert := assert.New(t)
	doc := DefaultTestDocument()
	doc.Rules = append(doc.Rules, settings.RuleDoc{
		ID:      "no-invites",
		Enabled: true,
		Action:  "delete",
		Matcher: rules.ExactPhrase("join my server"),
	})
	f := EngineTestFixture(doc)
	ctx := context.Background()

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "hey, join my server!"))
	require.NoError(t, err)
	assert.Equal(StateDispatchSucceeded, res.State)
	assert.Equal(rules.ActionDelete, res.Action)
	assert.Equal(uint(0), res.ViolationCount)
	assert.Equal(1, f.Connector.CallCount(rules.ActionDelete))

	count, err := f.Engine.ViolationCount(ctx, "guild1", "user1")
	require.NoError(t, err)
	assert.Equal(uint(0), count)
}

func TestEngineBannedWordsCountAsWarning(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()
	ctx := context.Background()

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "you are a SLUR"))
	require.NoError(t, err)
	assert.Equal([]string{settings.BannedWordsRuleID}, res.MatchedRules)
	assert.Equal(uint(1), res.ViolationCount)
	// warning outranks delete
	assert.Equal(rules.ActionWarn, res.Action)
}

func TestEngineAllRulesFireOnce(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()

	res, err := f.Engine.ProcessMessage(context.Background(), f.Message("user1", "msg1", "spam slur"))
	require.NoError(t, err)
	assert.ElementsMatch([]string{"no-spam", settings.BannedWordsRuleID}, res.MatchedRules)
	assert.Equal(uint(2), res.ViolationCount)
	// one command, two audit records
	assert.Equal(1, len(f.Connector.Calls()))
	assert.Equal(2, len(res.Outcomes))
	assert.Equal(2, len(f.Audit.Outcomes()))
	assert.True(res.Outcomes[0].Dispatched)
	assert.False(res.Outcomes[1].Dispatched)
	assert.True(res.Outcomes[1].Success)
}

func TestEngineCooldown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	doc := DefaultTestDocument()
	doc.Triggers = []settings.TriggerDoc{
		{
			ID:              "lisa",
			Enabled:         true,
			Pattern:         `(?i)\blisa\b`,
			Action:          "warn",
			CooldownSeconds: 60,
			CooldownScope:   "channel",
		},
	}
	f := EngineTestFixture(doc)

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "hey Lisa"))
	require.NoError(t, err)
	assert.Equal([]string{"lisa"}, res.MatchedRules)

	// same channel, different user: still cooling down
	f.Clock.Advance(10 * time.Second)
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user2", "msg2", "LISA!"))
	require.NoError(t, err)
	assert.Equal(StateNoMatch, res.State)
	assert.Equal([]string{"lisa"}, res.SuppressedRules)

	f.Clock.Advance(51 * time.Second)
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user2", "msg3", "lisa"))
	require.NoError(t, err)
	assert.Equal(StateDispatchSucceeded, res.State)
	assert.Equal(2, f.Connector.CallCount(rules.ActionWarn))
}

// Records the first `okRecords` violations, then fails.
type flakyLedger struct {
	*ledger.MemLedger
	lk        sync.Mutex
	okRecords int
	failCount bool
}

func (l *flakyLedger) Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*ledger.Violation, error) {
	l.lk.Lock()
	if l.okRecords <= 0 {
		l.lk.Unlock()
		return nil, fmt.Errorf("record: %w", ledger.ErrLedgerUnavailable)
	}
	l.okRecords--
	l.lk.Unlock()
	return l.MemLedger.Record(ctx, guildID, userID, ruleID, reason, now)
}

func (l *flakyLedger) Count(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) (uint, error) {
	if l.failCount {
		return 0, fmt.Errorf("count: %w", ledger.ErrLedgerUnavailable)
	}
	return l.MemLedger.Count(ctx, guildID, userID, now, window)
}

func TestEngineLedgerUnavailable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	mem := ledger.NewMemLedger()
	// first of the two violations records, the second fails
	f.Engine.Ledger = &flakyLedger{MemLedger: mem, okRecords: 1}

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "spam slur"))
	assert.ErrorIs(err, ledger.ErrLedgerUnavailable)
	require.NotNil(t, res)
	assert.Equal(StateDispatchFailed, res.State)
	assert.Equal(string(dispatch.KindLedgerUnavailable), res.ErrorKind)
	assert.Empty(f.Connector.Calls())

	outs := f.Audit.Outcomes()
	require.Equal(t, 1, len(outs))
	assert.False(outs[0].Success)
	assert.False(outs[0].Dispatched)
	assert.Equal(string(dispatch.KindLedgerUnavailable), outs[0].ErrorKind)

	// the partial violation was rolled back
	count, err := mem.Count(ctx, "guild1", "user1", f.Clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(uint(0), count)

	f.Engine.Ledger = &flakyLedger{MemLedger: mem, okRecords: 5, failCount: true}
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user1", "msg2", "spam"))
	assert.ErrorIs(err, ledger.ErrLedgerUnavailable)
	assert.Equal(StateDispatchFailed, res.State)
	assert.Empty(f.Connector.Calls())
}

func TestEngineLedgerUnavailableReleasesCooldown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	doc := DefaultTestDocument()
	doc.Triggers = []settings.TriggerDoc{
		{
			ID:              "lisa",
			Enabled:         true,
			Pattern:         `(?i)\blisa\b`,
			Action:          "warn",
			CooldownSeconds: 60,
			CooldownScope:   "channel",
		},
	}
	f := EngineTestFixture(doc)
	f.Engine.Ledger = &flakyLedger{MemLedger: f.Ledger, okRecords: 0}

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "hey lisa"))
	assert.ErrorIs(err, ledger.ErrLedgerUnavailable)
	require.NotNil(t, res)
	assert.Equal(StateDispatchFailed, res.State)
	assert.Empty(f.Connector.Calls())

	// the abandoned event did not start the cooldown
	f.Engine.Ledger = f.Ledger
	f.Clock.Advance(time.Second)
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user1", "msg2", "hey lisa"))
	require.NoError(t, err)
	assert.Equal(StateDispatchSucceeded, res.State)
	assert.Empty(res.SuppressedRules)
	assert.Equal(1, f.Connector.CallCount(rules.ActionWarn))

	// the delivered one did
	f.Clock.Advance(time.Second)
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user2", "msg3", "lisa"))
	require.NoError(t, err)
	assert.Equal([]string{"lisa"}, res.SuppressedRules)
}

func TestEngineDispatchFailure(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()
	f.Connector.Fail(rules.ActionWarn, dispatch.PermissionDenied(errors.New("missing permissions")))

	res, err := f.Engine.ProcessMessage(context.Background(), f.Message("user1", "msg1", "spam"))
	require.NoError(t, err)
	assert.Equal(StateDispatchFailed, res.State)
	assert.False(res.Success)
	assert.Equal(string(dispatch.KindPermissionDenied), res.ErrorKind)
	// violation stands even though the warning was not delivered
	assert.Equal(uint(1), res.ViolationCount)
}

func TestEngineConcurrentSameUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	n := 20
	var wg sync.WaitGroup
	counts := make(chan uint, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", fmt.Sprintf("msg%d", i), "spam"))
			if assert.NoError(err) {
				counts <- res.ViolationCount
			}
		}(i)
	}
	wg.Wait()
	close(counts)

	seen := map[uint]bool{}
	for c := range counts {
		assert.False(seen[c], "duplicate violation count %d", c)
		seen[c] = true
	}
	assert.Equal(n, len(seen))
	// exactly the first two events were below the threshold
	assert.Equal(2, f.Connector.CallCount(rules.ActionWarn))
	assert.GreaterOrEqual(f.Connector.CallCount(rules.ActionMute), 1)
	assert.Equal(0, f.Engine.keyLocks().Len())
}

func TestEngineBotExemption(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	doc := DefaultTestDocument()
	doc.Rules = append(doc.Rules, settings.RuleDoc{
		ID:      "bot-spam",
		Enabled: true,
		Action:  "warn",
		Matcher: rules.ExactPhrase("free nitro"),
	})
	f := EngineTestFixture(doc)

	msg := f.Message("bot1", "msg1", "slur")
	msg.IsBot = true
	res, err := f.Engine.ProcessMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(StateNoMatch, res.State)

	// rules apply to bots unless exempt
	msg = f.Message("bot1", "msg2", "free nitro")
	msg.IsBot = true
	res, err = f.Engine.ProcessMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal([]string{"bot-spam"}, res.MatchedRules)
}

func TestEngineBanCircuitBreaker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	doc := DefaultTestDocument()
	doc.Rules = append(doc.Rules, settings.RuleDoc{
		ID:      "raid",
		Enabled: true,
		Action:  "ban",
		Matcher: rules.ExactPhrase("raid time"),
	})
	f := EngineTestFixture(doc)

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "raid time"))
	require.NoError(t, err)
	assert.Equal(rules.ActionBan, res.Action)
	assert.False(res.Downgraded)

	for i := 0; i < QuotaBansPerHour; i++ {
		require.NoError(t, f.Counters.Increment(ctx, "automod-bans", "guild1", f.Clock.Now()))
	}
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user2", "msg2", "raid time"))
	require.NoError(t, err)
	assert.Equal(rules.ActionKick, res.Action)
	assert.True(res.Downgraded)
	assert.Equal(1, f.Connector.CallCount(rules.ActionBan))
	assert.Equal(1, f.Connector.CallCount(rules.ActionKick))

	// quota is per hour
	f.Clock.Advance(time.Hour)
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user3", "msg3", "raid time"))
	require.NoError(t, err)
	assert.Equal(rules.ActionBan, res.Action)
}

func TestEngineBanQuotaCountsDeliveredBans(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	doc := DefaultTestDocument()
	doc.Rules = append(doc.Rules, settings.RuleDoc{
		ID:      "raid",
		Enabled: true,
		Action:  "ban",
		Matcher: rules.ExactPhrase("raid time"),
	})
	f := EngineTestFixture(doc)
	bans := func() int {
		c, err := f.Counters.GetCount(ctx, "automod-bans", "guild1", countstore.PeriodHour, f.Clock.Now())
		require.NoError(t, err)
		return c
	}

	f.Connector.Fail(rules.ActionBan, dispatch.PermissionDenied(errors.New("missing BAN_MEMBERS")))
	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "raid time"))
	require.NoError(t, err)
	assert.Equal(rules.ActionBan, res.Action)
	assert.False(res.Success)
	assert.Equal(0, bans())

	res, err = f.Engine.ProcessMessage(ctx, f.Message("user2", "msg2", "raid time"))
	require.NoError(t, err)
	assert.True(res.Success)
	assert.Equal(1, bans())

	// a downgraded event never reaches the ban counter
	for i := 1; i < QuotaBansPerHour; i++ {
		require.NoError(t, f.Counters.Increment(ctx, "automod-bans", "guild1", f.Clock.Now()))
	}
	res, err = f.Engine.ProcessMessage(ctx, f.Message("user3", "msg3", "raid time"))
	require.NoError(t, err)
	assert.True(res.Downgraded)
	assert.Equal(QuotaBansPerHour, bans())
}

func TestEngineCancelledBeforeCommit(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "spam"))
	assert.ErrorIs(err, context.Canceled)
	assert.Nil(res)
	assert.Empty(f.Connector.Calls())
	count, err := f.Ledger.Count(context.Background(), "guild1", "user1", f.Clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(uint(0), count)
}

type panicLedger struct {
	*ledger.MemLedger
}

func (l *panicLedger) Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*ledger.Violation, error) {
	panic("boom")
}

func TestEnginePanicRecovery(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()
	f.Engine.Ledger = &panicLedger{ledger.NewMemLedger()}

	res, err := f.Engine.ProcessMessage(context.Background(), f.Message("user1", "msg1", "spam"))
	require.NoError(t, err)
	assert.Equal(StateNoMatch, res.State)
	assert.Empty(f.Connector.Calls())
	// lock was released
	assert.Equal(0, f.Engine.keyLocks().Len())
}

func TestEngineRemoveViolation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	_, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg1", "spam"))
	require.NoError(t, err)
	list, err := f.Engine.ListViolations(ctx, "guild1", "user1")
	require.NoError(t, err)
	require.Equal(t, 1, len(list))
	assert.Equal("no-spam", list[0].RuleID)

	assert.NoError(f.Engine.RemoveViolation(ctx, list[0].ID))
	assert.NoError(f.Engine.RemoveViolation(ctx, list[0].ID))
	count, err := f.Engine.ViolationCount(ctx, "guild1", "user1")
	require.NoError(t, err)
	assert.Equal(uint(0), count)
}

func TestEngineRuleStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	for i, user := range []string{"user1", "user1", "user2"} {
		_, err := f.Engine.ProcessMessage(ctx, f.Message(user, fmt.Sprintf("msg%d", i), "spam"))
		require.NoError(t, err)
	}
	stats, err := f.Engine.RuleStats(ctx, "guild1", "no-spam")
	require.NoError(t, err)
	assert.Equal(3, stats.HitsHour)
	assert.Equal(3, stats.HitsTotal)
	assert.Equal(2, stats.UsersDay)

	f.Engine.Counters = nil
	_, err = f.Engine.RuleStats(ctx, "guild1", "no-spam")
	assert.ErrorIs(err, ErrNoCounters)
}

type recordingNotifier struct {
	lk   sync.Mutex
	sent []*Result
}

func (n *recordingNotifier) SendEnforcement(ctx context.Context, res *Result) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.sent = append(n.sent, res)
	return nil
}

func TestEngineNotifier(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	notif := &recordingNotifier{}
	f.Engine.Notifier = notif

	for i := 0; i < 3; i++ {
		_, err := f.Engine.ProcessMessage(ctx, f.Message("user1", fmt.Sprintf("msg%d", i), "spam"))
		require.NoError(t, err)
	}
	// a redelivered message's mute is deduplicated, and not re-notified
	_, err := f.Engine.ProcessMessage(ctx, f.Message("user1", "msg2", "spam"))
	require.NoError(t, err)
	require.Equal(t, 3, len(notif.sent))
	assert.Equal(rules.ActionMute, notif.sent[2].Action)
}
