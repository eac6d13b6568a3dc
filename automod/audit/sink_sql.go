package audit

import (
	"context"
	"time"

	"github.com/prismai/automod/automod/rules"
	"gorm.io/gorm"
)

type OutcomeRecord struct {
	ID             uint      `gorm:"primarykey"`
	CreatedAt      time.Time `gorm:"index"`
	GuildID        string    `gorm:"index"`
	UserID         string    `gorm:"index"`
	ChannelID      string
	MessageID      string
	Action         string
	RuleID         string
	Reason         string
	Success        bool
	ErrorKind      string
	Error          string
	Attempts       int
	Dispatched     bool
	Deduplicated   bool
	IdempotencyKey string
}

// Persists outcomes to a SQL table, for the moderation log UI.
type SQLSink struct {
	db *gorm.DB
}

func NewSQLSink(db *gorm.DB) (*SQLSink, error) {
	if err := db.AutoMigrate(&OutcomeRecord{}); err != nil {
		return nil, err
	}
	return &SQLSink{db: db}, nil
}

func (s *SQLSink) Append(ctx context.Context, o Outcome) error {
	rec := OutcomeRecord{
		CreatedAt:      o.Timestamp.UTC(),
		GuildID:        o.GuildID,
		UserID:         o.UserID,
		ChannelID:      o.ChannelID,
		MessageID:      o.MessageID,
		Action:         o.Action.String(),
		RuleID:         o.RuleID,
		Reason:         o.Reason,
		Success:        o.Success,
		ErrorKind:      o.ErrorKind,
		Error:          o.Error,
		Attempts:       o.Attempts,
		Dispatched:     o.Dispatched,
		Deduplicated:   o.Deduplicated,
		IdempotencyKey: o.IdempotencyKey,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *SQLSink) Recent(ctx context.Context, guildID string, limit int) ([]Outcome, error) {
	q := s.db.WithContext(ctx).Model(&OutcomeRecord{}).Order("id DESC")
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []OutcomeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(recs))
	for _, r := range recs {
		act, _ := rules.ParseAction(r.Action)
		out = append(out, Outcome{
			GuildID:        r.GuildID,
			UserID:         r.UserID,
			ChannelID:      r.ChannelID,
			MessageID:      r.MessageID,
			Action:         act,
			RuleID:         r.RuleID,
			Reason:         r.Reason,
			Success:        r.Success,
			ErrorKind:      r.ErrorKind,
			Error:          r.Error,
			Attempts:       r.Attempts,
			Dispatched:     r.Dispatched,
			Deduplicated:   r.Deduplicated,
			IdempotencyKey: r.IdempotencyKey,
			Timestamp:      r.CreatedAt.UTC(),
		})
	}
	return out, nil
}
