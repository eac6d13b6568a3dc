// Minimum re-fire intervals for rules and custom triggers.
package cooldown

import (
	"context"
	"time"
)

type Result struct {
	Allowed bool
	// Time left until the trigger may fire again. Zero when allowed.
	Remaining time.Duration
}

type Tracker interface {
	// Atomically checks and records a firing of the trigger for the given scope key.
	//
	// If the last recorded firing is more recent than `cooldown`, the result is not allowed and nothing is recorded. Otherwise `now` is recorded as the last firing. A zero cooldown always allows, and is never recorded.
	TryFire(ctx context.Context, triggerID, scopeKey string, cooldown time.Duration, now time.Time) (Result, error)

	// Undoes a firing recorded by TryFire at `firedAt`. A no-op if the entry has since expired or been replaced.
	Release(ctx context.Context, triggerID, scopeKey string, firedAt time.Time) error
}

func entryKey(triggerID, scopeKey string) string {
	return triggerID + "/" + scopeKey
}
