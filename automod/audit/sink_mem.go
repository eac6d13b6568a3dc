package audit

import (
	"context"
	"sync"
)

type MemSink struct {
	lk       sync.Mutex
	outcomes []Outcome
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Append(ctx context.Context, o Outcome) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

// Copy of everything appended so far, in order.
func (s *MemSink) Outcomes() []Outcome {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

func (s *MemSink) Recent(ctx context.Context, guildID string, limit int) ([]Outcome, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []Outcome
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		if guildID != "" && s.outcomes[i].GuildID != guildID {
			continue
		}
		out = append(out, s.outcomes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemSink) Reset() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.outcomes = nil
}
