package lock

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/asv8/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db.Conn()
}

func TestAcquireAndRelease(t *testing.T) {
	l := New(testDB(t), 30*time.Second)
	ctx := context.Background()

	h, ok, err := l.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KeyPrefix+"BTCUSDT", h.Key)

	// Contention: a second acquirer is refused without error.
	_, ok, err = l.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different symbol is an independent lock.
	h2, ok, err := l.Acquire(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, h))
	require.NoError(t, l.Release(ctx, h2))

	// Released lock is re-acquirable.
	_, ok, err = l.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	db := testDB(t)
	short := New(db, 50*time.Millisecond)
	normal := New(db, 30*time.Second)
	ctx := context.Background()

	stale, ok, err := short.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	// TTL elapsed: another instance takes the lock over.
	fresh, ok, err := normal.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok, "an expired lock must be safely re-acquirable")

	// The original holder's release is a compare-and-delete against its
	// own token and must not clobber the new holder.
	require.NoError(t, short.Release(ctx, stale))

	_, ok, err = normal.Acquire(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok, "the new holder's lock must survive the stale release")

	require.NoError(t, normal.Release(ctx, fresh))
}

func TestReleaseNilHandleIsNoop(t *testing.T) {
	l := New(testDB(t), time.Second)
	assert.NoError(t, l.Release(context.Background(), nil))
}
