// Per-guild, per-user violation history, which drives escalation decisions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Returned (wrapped) when the violation store can not be reached. Callers should fail closed: an escalation decision made without an accurate count is worse than a missed warning.
var ErrLedgerUnavailable = errors.New("violation ledger unavailable")

// A single recorded rule violation. Never mutated once recorded.
type Violation struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guildId"`
	UserID    string    `json:"userId"`
	RuleID    string    `json:"ruleId"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type Ledger interface {
	// Appends a new violation, assigning it an ID.
	Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*Violation, error)
	// Number of violations for the user which are not older than `window` as of `now`. A zero window counts all history.
	Count(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) (uint, error)
	// Violations for the user inside the window, oldest first.
	List(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) ([]Violation, error)
	// Removes a violation by ID. Removing an unknown ID is not an error.
	Remove(ctx context.Context, violationID string) error
	// Deletes every violation recorded before the cutoff, returning how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

func newViolationID() string {
	return uuid.NewString()
}

// Earliest timestamp still counted for the window.
func windowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}

func inWindow(ts, start time.Time) bool {
	return start.IsZero() || !ts.Before(start)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}
