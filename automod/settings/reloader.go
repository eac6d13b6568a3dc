package settings

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Snapshot origins. Each guild is owned by the source which last loaded it, and only that source refreshes it.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceHTTP    = "http"
	SourceAPI     = "api"
)

var (
	// how long a guild whose settings fetch failed is evaluated with the defaults before it is fetched again
	DefaultRetryFailedAfter = 30 * time.Second
	// deadline for a background per-guild fetch
	DefaultFetchTimeout = 30 * time.Second
)

// Keeps a Store up to date from its sources: periodically, on demand (eg, SIGHUP), and in the background for guilds seen for the first time.
type Reloader struct {
	Store *Store
	// optional
	Source Source
	// optional
	Guilds   GuildSource
	Interval time.Duration
	Logger   *slog.Logger

	trigger chan struct{}
	fetches singleflight.Group
	// guilds whose last background fetch failed
	failed *expirable.LRU[string, struct{}]
}

func NewReloader(store *Store, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		Store:    store,
		Interval: time.Minute,
		Logger:   logger.With("system", "settings"),
		trigger:  make(chan struct{}, 1),
		failed:   expirable.NewLRU[string, struct{}](10_000, nil, DefaultRetryFailedAfter),
	}
}

// Compiles and swaps in a document. Skipped rules are logged, never fatal.
func (r *Reloader) Apply(doc *Document, source string) *Snapshot {
	snap, errs := Compile(doc)
	snap.Source = source
	for _, err := range errs {
		r.Logger.Warn("skipping invalid settings entry", "guild", doc.GuildID, "source", source, "err", err)
	}
	settingsSkippedRules.Add(float64(len(errs)))
	settingsLoads.WithLabelValues(source).Inc()
	r.Store.Swap(snap)
	if doc.GuildID != "" {
		r.failed.Remove(doc.GuildID)
	}
	r.Logger.Info("settings loaded", "guild", doc.GuildID, "source", source, "rules", snap.Rules.Len(), "skipped", len(errs))
	return snap
}

// Loads from the full source, then refreshes the guilds which were loaded from the guild source. A failed load keeps the previous snapshots.
//
// Guilds owned by the settings file, or pushed through the API, are never overwritten by the guild source.
func (r *Reloader) Reload(ctx context.Context) error {
	var errs []error
	if r.Source != nil {
		docs, err := r.Source.Load(ctx)
		if err != nil {
			settingsLoadErrors.WithLabelValues(SourceFile).Inc()
			r.Logger.Error("failed to load settings", "err", err)
			errs = append(errs, err)
		}
		if docs != nil {
			r.applyFile(docs)
		}
	}
	if r.Guilds != nil {
		for _, guildID := range r.Store.Guilds() {
			snap, ok := r.Store.Lookup(guildID)
			if !ok || snap.Source != SourceHTTP {
				continue
			}
			if err := r.refreshGuild(ctx, guildID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Applies a changed settings file. Guilds the file used to carry but no longer does are dropped, so they fall back to the guild source or the defaults.
func (r *Reloader) applyFile(docs []Document) {
	var seen []string
	for i := range docs {
		r.Apply(&docs[i], SourceFile)
		seen = append(seen, docs[i].GuildID)
	}
	for _, guildID := range r.Store.Guilds() {
		snap, ok := r.Store.Lookup(guildID)
		if ok && snap.Source == SourceFile && !slices.Contains(seen, guildID) {
			r.Logger.Info("guild removed from settings file", "guild", guildID)
			r.Store.Delete(guildID)
		}
	}
}

func (r *Reloader) refreshGuild(ctx context.Context, guildID string) error {
	doc, err := r.Guilds.LoadGuild(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		// guild has no settings of its own; pin it to the defaults so it isn't re-fetched on every message
		snap := r.Store.Default().ForGuild(guildID)
		snap.Source = SourceHTTP
		r.Store.Swap(snap)
		return nil
	}
	if err != nil {
		settingsLoadErrors.WithLabelValues(SourceHTTP).Inc()
		r.Logger.Error("failed to load guild settings", "guild", guildID, "err", err)
		return err
	}
	r.Apply(doc, SourceHTTP)
	return nil
}

// Snapshot to evaluate a guild's events with. Never blocks on the guild source: a guild not yet in the store gets the default snapshot while its settings are fetched in the background. Concurrent requests for the same guild share one fetch, and a guild whose fetch failed keeps the defaults for a while before it is tried again.
func (r *Reloader) Resolve(ctx context.Context, guildID string) *Snapshot {
	if snap, ok := r.Store.Lookup(guildID); ok {
		return snap
	}
	if r.Guilds != nil && guildID != "" && !r.recentlyFailed(guildID) {
		r.fetchGuild(guildID)
	}
	return r.Store.Default()
}

func (r *Reloader) recentlyFailed(guildID string) bool {
	// Get, unlike Contains, honours the entry's expiry
	_, ok := r.failed.Get(guildID)
	return ok
}

func (r *Reloader) fetchGuild(guildID string) <-chan singleflight.Result {
	return r.fetches.DoChan(guildID, func() (any, error) {
		if _, ok := r.Store.Lookup(guildID); ok {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultFetchTimeout)
		defer cancel()
		if err := r.refreshGuild(ctx, guildID); err != nil {
			r.failed.Add(guildID, struct{}{})
			return nil, err
		}
		return nil, nil
	})
}

// Requests an out-of-band reload. Never blocks; multiple pending triggers coalesce.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Runs the reload loop until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
			if fs, ok := r.Source.(*FileSource); ok {
				fs.Invalidate()
			}
			r.failed.Purge()
		}
		_ = r.Reload(ctx)
	}
}
