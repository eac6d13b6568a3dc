package settings

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prismai/automod/automod/rules"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleDoc = []byte(`{
  "guildId": "123",
  "warningThreshold": 3,
  "warningAction": "timeout",
  "retentionWindowSeconds": 86400,
  "bannedWords": ["Badword", " "],
  "allowedLinks": ["youtube.com", "discord.com"],
  "rules": [
    {"id": "spam", "name": "Spam", "enabled": true, "action": "warn",
     "matcher": {"type": "containsAny", "words": ["spam"]}},
    {"id": "caps", "enabled": true, "action": "delete",
     "matcher": {"type": "capsRatioAbove", "threshold": 0.7}},
    {"id": "bad-regex", "enabled": true, "action": "warn",
     "matcher": {"type": "regex", "pattern": "(unclosed"}},
    {"id": "bad-action", "enabled": true, "action": "explode",
     "matcher": {"type": "containsAny", "words": ["x"]}}
  ],
  "triggers": [
    {"id": "hello", "pattern": "^hi$", "cooldownSeconds": 30,
     "cooldownScope": "channel", "action": "warn", "enabled": true}
  ]
}`)

func TestCompileDocument(t *testing.T) {
	assert := assert.New(t)

	doc, err := Parse(exampleDoc)
	require.NoError(t, err)
	snap, errs := Compile(doc)

	assert.Len(errs, 2)
	for _, err := range errs {
		assert.ErrorIs(err, rules.ErrInvalidRule)
	}
	assert.Equal("123", snap.GuildID)
	assert.Equal(uint(3), snap.Policy.Threshold)
	assert.Equal(rules.ActionMute, snap.Policy.Action)
	assert.Equal(24*time.Hour, snap.RetentionWindow)

	ids := snap.Summary().Rules
	assert.Equal([]string{"spam", "caps", "hello", BannedWordsRuleID, LinkFilterRuleID}, ids)

	trigger := snap.Rules.Get("hello")
	require.NotNil(t, trigger)
	assert.Equal(rules.ScopeChannel, trigger.CooldownScope)
	assert.Equal(30*time.Second, trigger.Cooldown())

	banned := snap.Rules.Get(BannedWordsRuleID)
	require.NotNil(t, banned)
	assert.True(banned.CountsAsWarning)
	assert.True(banned.ExemptBots)
	assert.True(banned.Match(&rules.Message{Content: "what a BADWORD"}))

	links := snap.Rules.Get(LinkFilterRuleID)
	require.NotNil(t, links)
	assert.True(links.Match(&rules.Message{Content: "http://evil.example.com/x"}))
	assert.False(links.Match(&rules.Message{Content: "https://youtube.com/watch?v=1"}))

	assert.Len(snap.Summary().Skipped, 2)
}

func TestCompileDefaults(t *testing.T) {
	assert := assert.New(t)

	snap, errs := Compile(&Document{GuildID: "g1"})
	assert.Empty(errs)
	assert.Equal(DefaultWarningThreshold, snap.Policy.Threshold)
	assert.Equal(DefaultWarningAction, snap.Policy.Action)
	assert.Equal(time.Duration(0), snap.RetentionWindow)
	assert.Equal(0, snap.Rules.Len())

	zero := uint(0)
	snap, errs = Compile(&Document{WarningThreshold: &zero, WarningAction: "nope", RetentionWindowSeconds: -5})
	assert.Len(errs, 2)
	assert.Equal(uint(0), snap.Policy.Threshold)
	assert.Equal(DefaultWarningAction, snap.Policy.Action)

	// an explicit link rule suppresses the synthetic one
	snap, _ = Compile(&Document{
		AllowedLinks: []string{"youtube.com"},
		Rules: []RuleDoc{{ID: "links", Enabled: true, Action: "kick", Matcher: rules.LinkDomainNotIn("example.com")}},
	})
	assert.Nil(snap.Rules.Get(LinkFilterRuleID))
	assert.NotNil(snap.Rules.Get("links"))
}

func TestParse(t *testing.T) {
	assert := assert.New(t)

	_, err := Parse([]byte("not json"))
	assert.ErrorIs(err, ErrMalformedDocument)

	docs, err := ParseMany([]byte(` [{"guildId": "a"}, {"guildId": "b"}]`))
	assert.NoError(err)
	assert.Len(docs, 2)

	docs, err = ParseMany([]byte(`{"guildId": "a"}`))
	assert.NoError(err)
	require.Len(t, docs, 1)
	assert.Equal("a", docs[0].GuildID)

	_, err = ParseMany([]byte(`[{"guildId": 5}]`))
	assert.ErrorIs(err, ErrMalformedDocument)
}

func TestStore(t *testing.T) {
	assert := assert.New(t)

	s := NewStore()
	def := s.Get("unknown")
	require.NotNil(t, def)
	assert.Equal(DefaultWarningThreshold, def.Policy.Threshold)

	snap, _ := Compile(&Document{GuildID: "g1", WarningAction: "ban"})
	assert.Nil(s.Swap(snap))
	assert.Equal(rules.ActionBan, s.Get("g1").Policy.Action)
	assert.Equal(DefaultWarningAction, s.Get("g2").Policy.Action)
	assert.Equal([]string{"g1"}, s.Guilds())

	// a snapshot in hand is unaffected by later swaps
	held := s.Get("g1")
	next, _ := Compile(&Document{GuildID: "g1", WarningAction: "kick"})
	assert.Equal(held, s.Swap(next))
	assert.Equal(rules.ActionBan, held.Policy.Action)
	assert.Equal(rules.ActionKick, s.Get("g1").Policy.Action)

	newDef, _ := Compile(&Document{WarningAction: "warn"})
	s.Swap(newDef)
	assert.Equal(rules.ActionWarn, s.Get("g9").Policy.Action)

	s.Delete("g1")
	assert.Empty(s.Guilds())
}

func TestStoreConcurrentSwap(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap, _ := Compile(&Document{GuildID: "g1"})
				s.Swap(snap)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NotNil(t, s.Get("g1"))
			}
		}()
	}
	wg.Wait()
}

func TestFileSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, exampleDoc, 0o644))

	src := NewFileSource(path)
	docs, err := src.Load(ctx)
	assert.NoError(err)
	assert.Len(docs, 1)

	// unchanged file is not re-parsed
	docs, err = src.Load(ctx)
	assert.NoError(err)
	assert.Nil(docs)

	src.Invalidate()
	docs, err = src.Load(ctx)
	assert.NoError(err)
	assert.Len(docs, 1)

	// a broken file is an error, and keeps the previous modtime
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	_, err = src.Load(ctx)
	assert.ErrorIs(err, ErrMalformedDocument)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.json")).Load(ctx)
	assert.Error(err)
}

func TestHTTPSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/guilds/g1/settings":
			w.Write([]byte(`{"warningThreshold": 2, "warningAction": "kick"}`))
		case "/guilds/other/settings":
			w.Write([]byte(`{"guildId": "g1"}`))
		case "/guilds/broken/settings":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := &HTTPSource{
		URLTemplate: srv.URL + "/guilds/{guild}/settings",
		Client:      srv.Client(),
		Cache:       NewMemDocCache(100, time.Minute),
	}
	doc, err := src.LoadGuild(ctx, "g1")
	require.NoError(t, err)
	assert.Equal("g1", doc.GuildID)
	assert.Equal("kick", doc.WarningAction)

	// cached
	_, err = src.LoadGuild(ctx, "g1")
	assert.NoError(err)
	assert.Equal(int64(1), hits.Load())

	assert.NoError(src.Purge(ctx, "g1"))
	_, err = src.LoadGuild(ctx, "g1")
	assert.NoError(err)
	assert.Equal(int64(2), hits.Load())

	_, err = src.LoadGuild(ctx, "nobody")
	assert.ErrorIs(err, ErrNotFound)
	_, err = src.LoadGuild(ctx, "broken")
	assert.Error(err)
	_, err = src.LoadGuild(ctx, "other")
	assert.ErrorIs(err, ErrMalformedDocument)
}

type stubGuildSource struct {
	lk    sync.Mutex
	docs  map[string]*Document
	calls atomic.Int64
	// when set, fetches block until it is closed
	gate chan struct{}
}

func (s *stubGuildSource) LoadGuild(ctx context.Context, guildID string) (*Document, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if guildID == "down" {
		return nil, errors.New("connection refused")
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	doc, ok := s.docs[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *stubGuildSource) set(guildID string, doc *Document) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.docs[guildID] = doc
}

func TestReloaderResolve(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := NewStore()
	r := NewReloader(store, nil)
	src := &stubGuildSource{docs: map[string]*Document{
		"g1": {GuildID: "g1", WarningAction: "ban"},
	}}
	r.Guilds = src

	// first sight of a guild returns the defaults, and fetches in the background
	assert.Equal(store.Default(), r.Resolve(ctx, "g1"))
	<-r.fetchGuild("g1")
	assert.Equal(rules.ActionBan, r.Resolve(ctx, "g1").Policy.Action)
	assert.Equal(rules.ActionBan, r.Resolve(ctx, "g1").Policy.Action)
	assert.Equal(SourceHTTP, r.Resolve(ctx, "g1").Source)
	assert.Equal(int64(1), src.calls.Load())

	// unknown guilds are pinned to the defaults
	r.Resolve(ctx, "g2")
	<-r.fetchGuild("g2")
	snap, ok := store.Lookup("g2")
	require.True(t, ok)
	assert.Equal(DefaultWarningAction, snap.Policy.Action)
	r.Resolve(ctx, "g2")
	assert.Equal(int64(2), src.calls.Load())

	// reload refreshes guilds owned by the guild source
	src.set("g1", &Document{GuildID: "g1", WarningAction: "kick"})
	assert.NoError(r.Reload(ctx))
	assert.Equal(rules.ActionKick, store.Get("g1").Policy.Action)
}

func TestReloaderResolveFailedFetch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := NewReloader(NewStore(), nil)
	src := &stubGuildSource{docs: map[string]*Document{}, gate: make(chan struct{})}
	r.Guilds = src

	// concurrent first requests share one fetch, and none of them wait for it
	for i := 0; i < 5; i++ {
		assert.Equal(r.Store.Default(), r.Resolve(ctx, "down"))
	}
	wait := r.fetchGuild("down")
	close(src.gate)
	res := <-wait
	assert.Error(res.Err)
	assert.Equal(int64(1), src.calls.Load())

	// a failed guild is not fetched again on every event
	for i := 0; i < 5; i++ {
		assert.Equal(r.Store.Default(), r.Resolve(ctx, "down"))
	}
	assert.Equal(int64(1), src.calls.Load())

	// ... until the failure expires
	r.failed = expirable.NewLRU[string, struct{}](10, nil, time.Millisecond)
	r.failed.Add("down", struct{}{})
	time.Sleep(5 * time.Millisecond)
	r.Resolve(ctx, "down")
	<-r.fetchGuild("down")
	assert.GreaterOrEqual(src.calls.Load(), int64(2))
}

func TestReloaderFileAndGuildSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"guildId": "g1", "warningThreshold": 7, "warningAction": "ban"}`), 0o644))

	store := NewStore()
	r := NewReloader(store, nil)
	r.Source = NewFileSource(path)
	// the settings API knows nothing about g1
	src := &stubGuildSource{docs: map[string]*Document{}}
	r.Guilds = src

	// the second reload sees an unchanged file
	for i := 0; i < 2; i++ {
		assert.NoError(r.Reload(ctx))
		snap := store.Get("g1")
		assert.Equal(uint(7), snap.Policy.Threshold)
		assert.Equal(rules.ActionBan, snap.Policy.Action)
		assert.Equal(SourceFile, snap.Source)
	}
	assert.Equal(int64(0), src.calls.Load())

	// guilds pushed through the API are left alone too
	r.Apply(&Document{GuildID: "g3", WarningAction: "kick"}, SourceAPI)
	assert.NoError(r.Reload(ctx))
	assert.Equal(rules.ActionKick, store.Get("g3").Policy.Action)
	assert.Equal(int64(0), src.calls.Load())

	// dropping g1 from the file hands it back to the guild source
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.NoError(r.Reload(ctx))
	_, ok := store.Lookup("g1")
	assert.False(ok)
	r.Resolve(ctx, "g1")
	<-r.fetchGuild("g1")
	assert.Equal(int64(1), src.calls.Load())
	assert.Equal(SourceHTTP, store.Get("g1").Source)
}

func TestReloaderFile(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"warningAction": "kick"}, {"guildId": "g1", "warningAction": "ban"}]`), 0o644))

	store := NewStore()
	r := NewReloader(store, nil)
	r.Source = NewFileSource(path)
	assert.NoError(r.Reload(ctx))
	assert.Equal(rules.ActionKick, store.Get("anything").Policy.Action)
	assert.Equal(rules.ActionBan, store.Get("g1").Policy.Action)

	// broken file keeps the previous snapshots
	require.NoError(t, os.WriteFile(path, []byte(`nope`), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.Error(r.Reload(ctx))
	assert.Equal(rules.ActionBan, store.Get("g1").Policy.Action)

	// trigger never blocks
	r.Trigger()
	r.Trigger()
}
