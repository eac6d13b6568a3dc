package countstore

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// In-process counters. Buckets are never expired; intended for tests and single-process deployments with modest cardinality.
type MemCountStore struct {
	Counts         *xsync.MapOf[string, int]
	DistinctCounts *xsync.MapOf[string, map[string]bool]
}

func NewMemCountStore() MemCountStore {
	return MemCountStore{
		Counts:         xsync.NewMapOf[string, int](),
		DistinctCounts: xsync.NewMapOf[string, map[string]bool](),
	}
}

func (s MemCountStore) GetCount(ctx context.Context, name, val, period string, now time.Time) (int, error) {
	v, ok := s.Counts.Load(periodBucket(name, val, period, now))
	if !ok {
		return 0, nil
	}
	return v, nil
}

func (s MemCountStore) Increment(ctx context.Context, name, val string, now time.Time) error {
	for _, p := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		s.Counts.Compute(periodBucket(name, val, p, now), func(v int, loaded bool) (int, bool) {
			return v + 1, false
		})
	}
	return nil
}

func (s MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string, now time.Time) (int, error) {
	n := 0
	// read under the bucket lock; the set is mutated in place by IncrementDistinct
	s.DistinctCounts.Compute(periodBucket(name, bucket, period, now), func(m map[string]bool, loaded bool) (map[string]bool, bool) {
		n = len(m)
		return m, !loaded
	})
	return n, nil
}

func (s MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string, now time.Time) error {
	for _, p := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		s.DistinctCounts.Compute(periodBucket(name, bucket, p, now), func(m map[string]bool, loaded bool) (map[string]bool, bool) {
			if m == nil {
				m = make(map[string]bool)
			}
			m[val] = true
			return m, false
		})
	}
	return nil
}
