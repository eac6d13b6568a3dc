package cooldown

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memEntry struct {
	lastFired time.Time
	expires   time.Time
}

// In-process tracker, safe for concurrent use. Expired entries are only dropped by Sweep.
type MemTracker struct {
	entries *xsync.MapOf[string, memEntry]
}

func NewMemTracker() *MemTracker {
	return &MemTracker{
		entries: xsync.NewMapOf[string, memEntry](),
	}
}

func (t *MemTracker) TryFire(ctx context.Context, triggerID, scopeKey string, cooldown time.Duration, now time.Time) (Result, error) {
	if cooldown <= 0 {
		return Result{Allowed: true}, nil
	}
	var res Result
	// the compute callback runs under the map bucket lock, so check-and-set is atomic per key
	t.entries.Compute(entryKey(triggerID, scopeKey), func(old memEntry, loaded bool) (memEntry, bool) {
		if loaded {
			if since := now.Sub(old.lastFired); since < cooldown {
				res.Remaining = cooldown - since
				return old, false
			}
		}
		res.Allowed = true
		return memEntry{lastFired: now, expires: now.Add(cooldown)}, false
	})
	return res, nil
}

func (t *MemTracker) Release(ctx context.Context, triggerID, scopeKey string, firedAt time.Time) error {
	t.entries.Compute(entryKey(triggerID, scopeKey), func(e memEntry, loaded bool) (memEntry, bool) {
		if !loaded {
			return e, true
		}
		return e, e.lastFired.Equal(firedAt)
	})
	return nil
}

// Drops entries whose cooldown had elapsed by `now`. Returns the number removed.
func (t *MemTracker) Sweep(now time.Time) int {
	var stale []string
	t.entries.Range(func(k string, e memEntry) bool {
		if !now.Before(e.expires) {
			stale = append(stale, k)
		}
		return true
	})
	removed := 0
	for _, k := range stale {
		t.entries.Compute(k, func(e memEntry, loaded bool) (memEntry, bool) {
			if loaded && !now.Before(e.expires) {
				removed++
				return e, true
			}
			return e, !loaded
		})
	}
	return removed
}

func (t *MemTracker) Len() int {
	return t.entries.Size()
}
