package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier, err := NewSQLite(ctx, "")
	require.NoError(t, err)
	defer tier.Close()

	found, _, err := tier.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	entry := memEntry("k1", "serialized rows", time.Hour)
	require.NoError(t, tier.Put(ctx, entry))

	found, got, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, entry.TTL, got.TTL)
}

func TestSQLiteReplace(t *testing.T) {
	ctx := context.Background()
	tier, err := NewSQLite(ctx, "")
	require.NoError(t, err)
	defer tier.Close()

	require.NoError(t, tier.Put(ctx, memEntry("k1", "old", time.Hour)))
	require.NoError(t, tier.Put(ctx, memEntry("k1", "new", time.Hour)))

	found, got, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), got.Payload)
}

func TestSQLiteExpiry(t *testing.T) {
	ctx := context.Background()
	tier, err := NewSQLite(ctx, "", WithSweepInterval(time.Minute))
	require.NoError(t, err)
	defer tier.Close()

	require.NoError(t, tier.Put(ctx, memEntry("k1", "rows", 10*time.Millisecond)))
	time.Sleep(30 * time.Millisecond)

	found, _, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	tier, err := NewSQLite(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, tier.Put(ctx, memEntry("k1", "rows", time.Hour)))
	require.NoError(t, tier.Close())

	reopened, err := NewSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	found, got, err := reopened.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("rows"), got.Payload)
}

func TestSQLiteRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	tier, err := NewSQLite(ctx, "")
	require.NoError(t, err)
	defer tier.Close()

	require.NoError(t, tier.Put(ctx, memEntry("a", "1", time.Hour)))
	require.NoError(t, tier.Put(ctx, memEntry("b", "2", time.Hour)))

	require.NoError(t, tier.Remove(ctx, "a"))
	require.NoError(t, tier.Remove(ctx, "a")) // idempotent
	found, _, _ := tier.Get(ctx, "a")
	assert.False(t, found)

	require.NoError(t, tier.Clear(ctx))
	found, _, _ = tier.Get(ctx, "b")
	assert.False(t, found)
}

func TestSQLiteBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	tier, err := NewSQLite(ctx, "", WithSweepInterval(50*time.Millisecond))
	require.NoError(t, err)
	defer tier.Close()

	require.NoError(t, tier.Put(ctx, memEntry("k1", "rows", 10*time.Millisecond)))
	time.Sleep(200 * time.Millisecond)

	var count int
	require.NoError(t, tier.db.QueryRow(`SELECT COUNT(*) FROM query_cache`).Scan(&count))
	assert.Equal(t, 0, count)
}
