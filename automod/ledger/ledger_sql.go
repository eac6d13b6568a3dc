package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Database row for a recorded violation.
type ViolationRecord struct {
	ID        string    `gorm:"primarykey"`
	GuildID   string    `gorm:"index:idx_violation_guild_user_ts"`
	UserID    string    `gorm:"index:idx_violation_guild_user_ts"`
	CreatedAt time.Time `gorm:"index:idx_violation_guild_user_ts;index"`
	RuleID    string
	Reason    string
}

func (r *ViolationRecord) violation() Violation {
	return Violation{
		ID:        r.ID,
		GuildID:   r.GuildID,
		UserID:    r.UserID,
		RuleID:    r.RuleID,
		Timestamp: r.CreatedAt.UTC(),
		Reason:    r.Reason,
	}
}

// Violation ledger on a SQL database (sqlite or postgres), via gorm.
type SQLLedger struct {
	db *gorm.DB
}

// Wraps an open database handle, creating or migrating the violations table.
func NewSQLLedger(db *gorm.DB) (*SQLLedger, error) {
	if err := db.AutoMigrate(&ViolationRecord{}); err != nil {
		return nil, err
	}
	return &SQLLedger{db: db}, nil
}

func (l *SQLLedger) userScope(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) *gorm.DB {
	q := l.db.WithContext(ctx).Model(&ViolationRecord{}).Where("guild_id = ? AND user_id = ?", guildID, userID)
	if start := windowStart(now, window); !start.IsZero() {
		q = q.Where("created_at >= ?", start.UTC())
	}
	return q
}

func (l *SQLLedger) Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*Violation, error) {
	rec := ViolationRecord{
		ID:        newViolationID(),
		GuildID:   guildID,
		UserID:    userID,
		RuleID:    ruleID,
		Reason:    reason,
		CreatedAt: now.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, unavailable("record", err)
	}
	v := rec.violation()
	return &v, nil
}

func (l *SQLLedger) Count(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) (uint, error) {
	var n int64
	if err := l.userScope(ctx, guildID, userID, now, window).Count(&n).Error; err != nil {
		return 0, unavailable("count", err)
	}
	return uint(n), nil
}

func (l *SQLLedger) List(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) ([]Violation, error) {
	var recs []ViolationRecord
	if err := l.userScope(ctx, guildID, userID, now, window).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]Violation, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].violation())
	}
	return out, nil
}

func (l *SQLLedger) Remove(ctx context.Context, violationID string) error {
	if err := l.db.WithContext(ctx).Where("id = ?", violationID).Delete(&ViolationRecord{}).Error; err != nil {
		return unavailable("remove", err)
	}
	return nil
}

func (l *SQLLedger) Purge(ctx context.Context, before time.Time) (int, error) {
	res := l.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&ViolationRecord{})
	if res.Error != nil {
		return 0, unavailable("purge", res.Error)
	}
	return int(res.RowsAffected), nil
}
