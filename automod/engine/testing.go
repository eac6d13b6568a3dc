package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prismai/automod/automod/audit"
	"github.com/prismai/automod/automod/cooldown"
	"github.com/prismai/automod/automod/countstore"
	"github.com/prismai/automod/automod/dispatch"
	"github.com/prismai/automod/automod/ledger"
	"github.com/prismai/automod/automod/rules"
	"github.com/prismai/automod/automod/settings"
)

// Manually advanced clock, safe for concurrent use.
type FakeClock struct {
	lk sync.Mutex
	t  time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

func (c *FakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.t = c.t.Add(d)
}

// Engine wired to in-memory stores, a fake connector and a fake clock, plus handles on each for assertions.
type TestFixture struct {
	Engine    *Engine
	Settings  *settings.Reloader
	Ledger    *ledger.MemLedger
	Cooldowns *cooldown.MemTracker
	Counters  countstore.MemCountStore
	Connector *dispatch.FakeConnector
	Audit     *audit.MemSink
	Clock     *FakeClock
}

// Test guild settings: a "spam" rule which warns, escalating to a mute on the third violation.
func DefaultTestDocument() *settings.Document {
	threshold := uint(3)
	return &settings.Document{
		GuildID:          "guild1",
		WarningThreshold: &threshold,
		WarningAction:    "mute",
		BannedWords:      []string{"slur"},
		Rules: []settings.RuleDoc{
			{
				ID:      "no-spam",
				Name:    "No spam",
				Enabled: true,
				Action:  "warn",
				Matcher: rules.ContainsAny("spam"),
			},
		},
	}
}

// Builds a fixture with the given documents loaded (DefaultTestDocument if none are passed).
func EngineTestFixture(docs ...*settings.Document) *TestFixture {
	if len(docs) == 0 {
		docs = []*settings.Document{DefaultTestDocument()}
	}
	logger := slog.Default()
	reloader := settings.NewReloader(settings.NewStore(), logger)
	for _, doc := range docs {
		reloader.Apply(doc, settings.SourceAPI)
	}
	conn := dispatch.NewFakeConnector()
	sink := audit.NewMemSink()
	clock := NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	led := ledger.NewMemLedger()
	cool := cooldown.NewMemTracker()
	counters := countstore.NewMemCountStore()

	dispatcher := dispatch.NewDispatcher(conn, sink, dispatch.DispatcherConfig{
		Timeout: time.Second,
		Backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		Logger:  logger,
	})
	eng := &Engine{
		Logger:     logger,
		Settings:   reloader,
		Ledger:     led,
		Cooldowns:  cool,
		Counters:   counters,
		Dispatcher: dispatcher,
		Clock:      clock.Now,
	}
	return &TestFixture{
		Engine:    eng,
		Settings:  reloader,
		Ledger:    led,
		Cooldowns: cool,
		Counters:  counters,
		Connector: conn,
		Audit:     sink,
		Clock:     clock,
	}
}

// Message event in the fixture's default guild.
func (f *TestFixture) Message(userID, msgID, content string) *rules.Message {
	return &rules.Message{
		GuildID:   "guild1",
		UserID:    userID,
		ChannelID: "chan1",
		MessageID: msgID,
		Content:   content,
		Timestamp: f.Clock.Now(),
	}
}
