package settings

import (
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Holds the current snapshot per guild, plus a default for guilds with no settings of their own. Swaps are atomic: a reader gets either the old or the new snapshot, never a mix.
type Store struct {
	def    atomic.Pointer[Snapshot]
	guilds *xsync.MapOf[string, *Snapshot]
}

func NewStore() *Store {
	s := &Store{
		guilds: xsync.NewMapOf[string, *Snapshot](),
	}
	s.def.Store(DefaultSnapshot())
	return s
}

// Current snapshot for the guild, falling back to the default. Never nil.
func (s *Store) Get(guildID string) *Snapshot {
	if snap, ok := s.Lookup(guildID); ok {
		return snap
	}
	return s.def.Load()
}

// Guild-specific snapshot only, without the default fallback.
func (s *Store) Lookup(guildID string) (*Snapshot, bool) {
	if guildID == "" {
		return nil, false
	}
	return s.guilds.Load(guildID)
}

// Replaces the snapshot for snap.GuildID (or the default, if empty), returning the previous one (possibly nil).
func (s *Store) Swap(snap *Snapshot) *Snapshot {
	if snap.GuildID == "" {
		return s.def.Swap(snap)
	}
	old, _ := s.guilds.LoadAndStore(snap.GuildID, snap)
	return old
}

func (s *Store) Default() *Snapshot {
	return s.def.Load()
}

func (s *Store) Delete(guildID string) {
	s.guilds.Delete(guildID)
}

// Guild IDs with their own snapshot, sorted.
func (s *Store) Guilds() []string {
	var out []string
	s.guilds.Range(func(k string, _ *Snapshot) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}
