package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Exercises the Ledger contract against any backend.
func ledgerContract(t *testing.T, l Ledger) {
	assert := assert.New(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	c, err := l.Count(ctx, "g1", "u1", base, 0)
	assert.NoError(err)
	assert.Equal(uint(0), c)

	var ids []string
	for i := 0; i < 3; i++ {
		v, err := l.Record(ctx, "g1", "u1", "spam", "matched spam", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.NotEmpty(v.ID)
		assert.Equal("spam", v.RuleID)
		ids = append(ids, v.ID)

		// monotonic while nothing is removed
		c, err = l.Count(ctx, "g1", "u1", base.Add(time.Duration(i)*time.Hour), 0)
		assert.NoError(err)
		assert.Equal(uint(i+1), c)
	}
	_, err = l.Record(ctx, "g1", "u2", "caps", "", base)
	assert.NoError(err)
	_, err = l.Record(ctx, "g2", "u1", "caps", "", base)
	assert.NoError(err)

	now := base.Add(2 * time.Hour)
	c, err = l.Count(ctx, "g1", "u1", now, 0)
	assert.NoError(err)
	assert.Equal(uint(3), c)

	// window of 90 minutes excludes the first violation
	c, err = l.Count(ctx, "g1", "u1", now, 90*time.Minute)
	assert.NoError(err)
	assert.Equal(uint(2), c)

	list, err := l.List(ctx, "g1", "u1", now, 0)
	assert.NoError(err)
	require.Len(t, list, 3)
	assert.Equal(ids[0], list[0].ID)
	assert.Equal(ids[2], list[2].ID)
	assert.True(list[0].Timestamp.Equal(base))
	assert.Equal("matched spam", list[0].Reason)

	// remove is idempotent
	assert.NoError(l.Remove(ctx, ids[1]))
	assert.NoError(l.Remove(ctx, ids[1]))
	assert.NoError(l.Remove(ctx, "does-not-exist"))
	c, err = l.Count(ctx, "g1", "u1", now, 0)
	assert.NoError(err)
	assert.Equal(uint(2), c)

	// other users untouched
	c, err = l.Count(ctx, "g1", "u2", now, 0)
	assert.NoError(err)
	assert.Equal(uint(1), c)

	n, err := l.Purge(ctx, base.Add(time.Minute))
	assert.NoError(err)
	assert.Equal(3, n)
	c, err = l.Count(ctx, "g1", "u1", now, 0)
	assert.NoError(err)
	assert.Equal(uint(1), c)
	c, err = l.Count(ctx, "g2", "u1", now, 0)
	assert.NoError(err)
	assert.Equal(uint(0), c)
}

func TestMemLedger(t *testing.T) {
	ledgerContract(t, NewMemLedger())
}

func TestSQLLedger(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.sqlite")), &gorm.Config{})
	require.NoError(t, err)
	l, err := NewSQLLedger(db)
	require.NoError(t, err)
	ledgerContract(t, l)
}

func TestRedisLedger(t *testing.T) {
	t.Skip("live test, need redis running locally")
	l, err := NewRedisLedger("redis://localhost:6379/0")
	require.NoError(t, err)
	ledgerContract(t, l)
}

func TestMemLedgerConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := NewMemLedger()
	now := time.Now()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				_, err := l.Record(ctx, "g1", "u1", "spam", "", now)
				assert.NoError(err)
				_, err = l.Count(ctx, "g1", "u1", now, 0)
				assert.NoError(err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	c, err := l.Count(ctx, "g1", "u1", now, 0)
	assert.NoError(err)
	assert.Equal(uint(200), c)
}
