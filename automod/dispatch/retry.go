package dispatch

import (
	"context"
	"time"

	"github.com/prismai/automod/automod/rules"
)

const DefaultMaxAttempts = 3

// Waits between attempts; the last entry is reused if there are more attempts than entries.
var DefaultBackoff = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond, 3200 * time.Millisecond}

// Only idempotent actions are retried, and only for failures which a retry could fix.
func retryable(action rules.Action, kind ErrorKind) bool {
	if !action.Idempotent() {
		return false
	}
	switch kind {
	case KindConnectorTimeout, KindConnectorRateLimited, KindConnectorFailure:
		return true
	}
	return false
}

// Delay before retry number `retry` (zero-indexed), honoring a rate-limit Retry-After when it is longer.
func backoff(schedule []time.Duration, retry int, err error) time.Duration {
	var d time.Duration
	if len(schedule) > 0 {
		if retry >= len(schedule) {
			retry = len(schedule) - 1
		}
		d = schedule[retry]
	}
	if ra := retryAfter(err); ra > d {
		d = ra
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
