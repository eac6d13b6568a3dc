// Time-bucketed counters, used for circuit breakers and rule hit statistics.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// Counters are bucketed by the UTC hour and day of `now`, so callers with a fake clock get deterministic buckets.
type CountStore interface {
	GetCount(ctx context.Context, name, val, period string, now time.Time) (int, error)
	Increment(ctx context.Context, name, val string, now time.Time) error
	GetCountDistinct(ctx context.Context, name, bucket, period string, now time.Time) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string, now time.Time) error
}

func periodBucket(name, val, period string, now time.Time) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := now.UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := now.UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
