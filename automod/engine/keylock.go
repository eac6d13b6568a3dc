package engine

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// Table of per-key mutexes. Entries exist only while some goroutine holds or waits on the key, so the table does not grow with the number of distinct users seen.
type keyLocks struct {
	m *xsync.MapOf[string, *keyLock]
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: xsync.NewMapOf[string, *keyLock]()}
}

func (kl *keyLocks) acquire(key string) *keyLock {
	l, _ := kl.m.Compute(key, func(l *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			l = &keyLock{sem: make(chan struct{}, 1)}
		}
		l.refs++
		return l, false
	})
	return l
}

func (kl *keyLocks) release(key string) {
	kl.m.Compute(key, func(l *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			return l, true
		}
		l.refs--
		return l, l.refs <= 0
	})
}

// Blocks until the key is held, or ctx is done. On success the caller must call Unlock.
func (kl *keyLocks) Lock(ctx context.Context, key string) error {
	l := kl.acquire(key)
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		kl.release(key)
		return ctx.Err()
	}
}

func (kl *keyLocks) Unlock(key string) {
	l, ok := kl.m.Load(key)
	if !ok {
		panic("engine: unlock of unlocked key " + key)
	}
	<-l.sem
	kl.release(key)
}

// Number of keys currently held or waited on.
func (kl *keyLocks) Len() int {
	return kl.m.Size()
}
