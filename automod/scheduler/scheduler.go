// Worker pool which runs work items in parallel across keys, and strictly in order within a key.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrQueueFull = errors.New("scheduler queue full for key")
	ErrShutdown  = errors.New("scheduler is shut down")
)

// Scheduler runs work on a fixed number of workers. Items with the same key are processed one at a time, in the order they were added; a worker which picks up a key drains its queue before taking new work.
type Scheduler[T any] struct {
	maxConcurrency int
	maxQueue       int

	do func(context.Context, T) error

	feeder chan *task[T]
	out    chan struct{}

	// held for reading while sending on the feeder, for writing while shutting down
	sendLk sync.RWMutex
	closed bool

	lk     sync.Mutex
	active map[string][]*task[T]

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	itemsRejected  prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

type task[T any] struct {
	key  string
	val  T
	stop bool
}

// maxQ bounds the number of items waiting behind the one in progress for any single key; zero means unbounded.
func NewScheduler[T any](maxC, maxQ int, ident string, do func(context.Context, T) error) *Scheduler[T] {
	if maxC <= 0 {
		maxC = 1
	}
	p := &Scheduler[T]{
		maxConcurrency: maxC,
		maxQueue:       maxQ,

		do: do,

		feeder: make(chan *task[T]),
		active: make(map[string][]*task[T]),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident, "parallel"),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident, "parallel"),
		itemsActive:    workItemsActive.WithLabelValues(ident, "parallel"),
		itemsRejected:  workItemsRejected.WithLabelValues(ident, "parallel"),
		workersActive:  workersActive.WithLabelValues(ident, "parallel"),

		log: slog.Default().With("system", "parallel-scheduler", "pool", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// Stops accepting work, waits for everything already queued to be processed, then stops the workers.
func (p *Scheduler[T]) Shutdown() {
	p.log.Info("shutting down parallel scheduler")

	p.sendLk.Lock()
	if p.closed {
		p.sendLk.Unlock()
		return
	}
	p.closed = true
	p.sendLk.Unlock()

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &task[T]{stop: true}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)

	p.log.Info("parallel scheduler shutdown complete")
}

// Queues an item. Blocks until a worker is free if no item with the same key is already in progress; cancelling ctx abandons the wait.
func (p *Scheduler[T]) AddWork(ctx context.Context, key string, val T) error {
	p.sendLk.RLock()
	defer p.sendLk.RUnlock()
	if p.closed {
		return ErrShutdown
	}

	t := &task[T]{
		key: key,
		val: val,
	}
	p.lk.Lock()

	a, ok := p.active[key]
	if ok {
		if p.maxQueue > 0 && len(a) >= p.maxQueue {
			p.lk.Unlock()
			p.itemsRejected.Inc()
			return ErrQueueFull
		}
		p.active[key] = append(a, t)
		p.lk.Unlock()
		p.itemsAdded.Inc()
		return nil
	}

	p.active[key] = []*task[T]{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		p.itemsAdded.Inc()
		return nil
	case <-ctx.Done():
		// nobody is working this key; hand anything queued behind us to a worker, or drop the entry
		p.lk.Lock()
		rem := p.active[key]
		if len(rem) == 0 {
			delete(p.active, key)
			p.lk.Unlock()
			return ctx.Err()
		}
		next := rem[0]
		p.active[key] = rem[1:]
		p.lk.Unlock()
		p.feeder <- next
		return ctx.Err()
	}
}

// Number of keys with work in progress or queued.
func (p *Scheduler[T]) ActiveKeys() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.active)
}

func (p *Scheduler[T]) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.stop {
				p.out <- struct{}{}
				return
			}

			p.itemsActive.Inc()
			if err := p.run(work); err != nil {
				p.log.Error("event handler failed", "err", err, "key", work.key)
			}
			p.itemsProcessed.Inc()

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				work = nil
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}

func (p *Scheduler[T]) run(work *task[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("event handler panic", "err", r, "key", work.key)
		}
	}()
	return p.do(context.Background(), work.val)
}
