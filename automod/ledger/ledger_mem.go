package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemLedger struct {
	lk     sync.RWMutex
	byUser map[string][]Violation
	byID   map[string]string
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		byUser: make(map[string][]Violation),
		byID:   make(map[string]string),
	}
}

func userKey(guildID, userID string) string {
	return guildID + "/" + userID
}

func (l *MemLedger) Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*Violation, error) {
	v := Violation{
		ID:        newViolationID(),
		GuildID:   guildID,
		UserID:    userID,
		RuleID:    ruleID,
		Timestamp: now.UTC(),
		Reason:    reason,
	}
	k := userKey(guildID, userID)

	l.lk.Lock()
	defer l.lk.Unlock()
	list := append(l.byUser[k], v)
	// keep ordered by timestamp
	if len(list) > 1 && list[len(list)-1].Timestamp.Before(list[len(list)-2].Timestamp) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	}
	l.byUser[k] = list
	l.byID[v.ID] = k
	return &v, nil
}

func (l *MemLedger) Count(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) (uint, error) {
	start := windowStart(now, window)
	l.lk.RLock()
	defer l.lk.RUnlock()
	var n uint
	for _, v := range l.byUser[userKey(guildID, userID)] {
		if inWindow(v.Timestamp, start) {
			n++
		}
	}
	return n, nil
}

func (l *MemLedger) List(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) ([]Violation, error) {
	start := windowStart(now, window)
	l.lk.RLock()
	defer l.lk.RUnlock()
	var out []Violation
	for _, v := range l.byUser[userKey(guildID, userID)] {
		if inWindow(v.Timestamp, start) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (l *MemLedger) Remove(ctx context.Context, violationID string) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	k, ok := l.byID[violationID]
	if !ok {
		return nil
	}
	delete(l.byID, violationID)
	list := l.byUser[k]
	for i, v := range list {
		if v.ID == violationID {
			l.byUser[k] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(l.byUser[k]) == 0 {
		delete(l.byUser, k)
	}
	return nil
}

func (l *MemLedger) Purge(ctx context.Context, before time.Time) (int, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	removed := 0
	for k, list := range l.byUser {
		kept := list[:0:0]
		for _, v := range list {
			if v.Timestamp.Before(before) {
				delete(l.byID, v.ID)
				removed++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(l.byUser, k)
		} else {
			l.byUser[k] = kept
		}
	}
	return removed, nil
}
