package cache

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.MemoryTTL)
	assert.Equal(t, 4*time.Hour, cfg.DiskTTL)
	assert.Equal(t, 100, cfg.MemoryMaxEntries)
	assert.Equal(t, int64(256<<20), cfg.MemoryMaxBytes)
	assert.Equal(t, ".querycache", cfg.NamespacePath)
	assert.Equal(t, "file", cfg.DiskBackend)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("QUERYCACHE_MEMORY_TTL", "90m")
	t.Setenv("QUERYCACHE_DISK_TTL", "2d")
	t.Setenv("QUERYCACHE_MEMORY_MAX_ENTRIES", "500")
	t.Setenv("QUERYCACHE_DISK_BACKEND", "sqlite")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.MemoryTTL)
	assert.Equal(t, 48*time.Hour, cfg.DiskTTL, "day suffix parsed by str2duration")
	assert.Equal(t, 500, cfg.MemoryMaxEntries)
	assert.Equal(t, "sqlite", cfg.DiskBackend)
}

func TestOpenFileBackend(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.NamespacePath = filepath.Join(t.TempDir(), "ns")

	coord, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer coord.Close()

	var calls atomic.Int32
	payload, err := coord.GetOrCompute(ctx, "q@v1:open", staticLoader("rows", &calls), Policy{})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), payload)

	// The loader result survives a fresh coordinator over the same namespace.
	reopened, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close()
	payload, err = reopened.GetOrCompute(ctx, "q@v1:open", staticLoader("rows", &calls), Policy{})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), payload)
	assert.Equal(t, int32(1), calls.Load(), "second process served from disk")
}

func TestOpenSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.NamespacePath = filepath.Join(t.TempDir(), "ns")
	cfg.DiskBackend = "sqlite"

	coord, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer coord.Close()

	var calls atomic.Int32
	payload, err := coord.GetOrCompute(ctx, "q@v1:sqlite", staticLoader("rows", &calls), Policy{})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), payload)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiskBackend = "tape"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPolicyPresets(t *testing.T) {
	assert.Greater(t, MetricsPolicy().DiskTTL, DetailPolicy().DiskTTL,
		"aggregated metrics are kept longer than detail views")
	assert.Equal(t, DefaultMemoryTTL, DefaultPolicy().MemoryTTL)
}
