package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	cs := NewMemCountStore()

	c, err := cs.GetCount(ctx, "bans", "g1", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, "bans", "g1", now))
	assert.NoError(cs.Increment(ctx, "bans", "g1", now))

	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		c, err = cs.GetCount(ctx, "bans", "g1", period, now)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	// next hour is a fresh bucket; day and total carry over
	later := now.Add(time.Hour)
	c, err = cs.GetCount(ctx, "bans", "g1", PeriodHour, later)
	assert.NoError(err)
	assert.Equal(0, c)
	c, err = cs.GetCount(ctx, "bans", "g1", PeriodDay, later)
	assert.NoError(err)
	assert.Equal(2, c)

	c, err = cs.GetCountDistinct(ctx, "rule-users", "g1/spam", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(0, c)
	for _, u := range []string{"u1", "u1", "u2", "u3"} {
		assert.NoError(cs.IncrementDistinct(ctx, "rule-users", "g1/spam", u, now))
	}
	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		c, err = cs.GetCountDistinct(ctx, "rule-users", "g1/spam", period, now)
		assert.NoError(err)
		assert.Equal(3, c)
	}
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Now()

	cs := NewMemCountStore()

	var wg sync.WaitGroup
	inc := func(name, val string, times int) {
		defer wg.Done()
		for i := 0; i < times; i++ {
			assert.NoError(cs.Increment(ctx, name, val, now))
			assert.NoError(cs.IncrementDistinct(ctx, name, name, val, now))
			_, err := cs.GetCount(ctx, name, val, PeriodTotal, now)
			assert.NoError(err)
		}
	}
	wg.Add(4)
	go inc("test1", "val1", 10)
	go inc("test1", "val1", 10)
	go inc("test2", "val2", 6)
	go inc("test2", "val2", 6)
	wg.Wait()

	c, err := cs.GetCount(ctx, "test1", "val1", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = cs.GetCount(ctx, "test2", "val2", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(12, c)
	c, err = cs.GetCountDistinct(ctx, "test1", "test1", PeriodTotal, now)
	assert.NoError(err)
	assert.Equal(1, c)
}

func TestRedisCountStore(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Now()

	cs, err := NewRedisCountStore("redis://localhost:6379/0")
	require.NoError(t, err)
	name := "test-" + now.Format(time.RFC3339Nano)
	assert.NoError(cs.Increment(ctx, name, "g1", now))
	c, err := cs.GetCount(ctx, name, "g1", PeriodHour, now)
	assert.NoError(err)
	assert.Equal(1, c)
}
