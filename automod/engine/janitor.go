package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prismai/automod/automod/cooldown"
	"github.com/prismai/automod/automod/ledger"
)

// Periodic housekeeping: purges violations older than MaxAge, and sweeps expired in-memory cooldown entries.
type Janitor struct {
	Ledger ledger.Ledger
	// zero keeps violations forever
	MaxAge time.Duration
	// optional
	Cooldowns *cooldown.MemTracker
	Interval  time.Duration
	Logger    *slog.Logger
	// optional; defaults to time.Now
	Clock func() time.Time
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Returns the number of violations purged and cooldown entries swept.
func (j *Janitor) RunOnce(ctx context.Context) (int, int, error) {
	now := time.Now()
	if j.Clock != nil {
		now = j.Clock()
	}
	var purged, swept int
	if j.Cooldowns != nil {
		swept = j.Cooldowns.Sweep(now)
	}
	if j.Ledger != nil && j.MaxAge > 0 {
		n, err := j.Ledger.Purge(ctx, now.Add(-j.MaxAge))
		if err != nil {
			ledgerErrorCount.WithLabelValues("purge").Inc()
			return 0, swept, err
		}
		purged = n
	}
	return purged, swept, nil
}

func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, swept, err := j.RunOnce(ctx)
			if err != nil {
				j.logger().Error("janitor purge failed", "err", err)
				continue
			}
			if purged > 0 || swept > 0 {
				j.logger().Info("janitor pass complete", "purgedViolations", purged, "sweptCooldowns", swept)
			}
		}
	}
}
