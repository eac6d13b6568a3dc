package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerPerKeyOrder(t *testing.T) {
	assert := assert.New(t)

	var lk sync.Mutex
	seen := map[string][]int{}
	var inflight sync.Map
	var overlap atomic.Bool

	s := NewScheduler(4, 0, "test-order", func(ctx context.Context, v [2]int) error {
		key := fmt.Sprintf("k%d", v[0])
		if _, loaded := inflight.LoadOrStore(key, true); loaded {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		inflight.Delete(key)
		lk.Lock()
		seen[key] = append(seen[key], v[1])
		lk.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		for k := 0; k < 3; k++ {
			assert.NoError(s.AddWork(ctx, fmt.Sprintf("k%d", k), [2]int{k, i}))
		}
	}
	s.Shutdown()

	assert.False(overlap.Load())
	for k := 0; k < 3; k++ {
		list := seen[fmt.Sprintf("k%d", k)]
		assert.Equal(20, len(list))
		for i, v := range list {
			assert.Equal(i, v)
		}
	}
	assert.Equal(0, s.ActiveKeys())
}

func TestSchedulerQueueFull(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := NewScheduler(1, 2, "test-full", func(ctx context.Context, v int) error {
		if v == 0 {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	ctx := context.Background()
	assert.NoError(s.AddWork(ctx, "k", 0))
	<-started
	assert.NoError(s.AddWork(ctx, "k", 1))
	assert.NoError(s.AddWork(ctx, "k", 2))
	assert.ErrorIs(s.AddWork(ctx, "k", 3), ErrQueueFull)
	close(release)
	s.Shutdown()

	assert.ErrorIs(s.AddWork(ctx, "k", 4), ErrShutdown)
}

func TestSchedulerHandlerPanic(t *testing.T) {
	assert := assert.New(t)

	var done atomic.Int32
	s := NewScheduler(2, 0, "test-panic", func(ctx context.Context, v int) error {
		if v == 1 {
			panic("boom")
		}
		done.Add(1)
		return nil
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.NoError(s.AddWork(ctx, "k", i))
	}
	s.Shutdown()
	assert.Equal(int32(2), done.Load())
}
