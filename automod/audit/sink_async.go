package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrSinkClosed = errors.New("audit sink closed")

// Buffers outcomes in a channel and hands them to a backing sink from a single worker goroutine, so slow storage never delays dispatch. Appends block when the buffer is full.
type AsyncSink struct {
	store  Sink
	inbox  chan Outcome
	logger *slog.Logger

	closeOnce sync.Once
	lk        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewAsyncSink(store Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &AsyncSink{
		store:  store,
		inbox:  make(chan Outcome, buffer),
		logger: logger.With("system", "audit-worker"),
		done:   make(chan struct{}),
	}
}

func (s *AsyncSink) Append(ctx context.Context, o Outcome) error {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.inbox <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consumes buffered outcomes until Close is called and the buffer is drained. Errors from the backing sink are logged, not returned; an audit write failure must not stop the worker.
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for o := range s.inbox {
		if err := s.store.Append(ctx, o); err != nil {
			s.logger.Error("failed to persist enforcement outcome", "err", err, "guild", o.GuildID, "user", o.UserID, "action", o.Action.String())
		}
	}
}

// Stops accepting new outcomes and waits for the worker to drain the buffer (or for ctx to end).
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.lk.Lock()
		s.closed = true
		close(s.inbox)
		s.lk.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
