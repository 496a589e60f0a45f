package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Default freshness contract. Detail views refresh hourly; the disk tier
// keeps results four times longer since disk data is cheap to hold and
// expensive to refresh from the warehouse.
const (
	DefaultMemoryTTL = time.Hour
	DefaultDiskTTL   = 4 * time.Hour
)

// DefaultPolicy is the baseline freshness contract.
func DefaultPolicy() Policy {
	return Policy{MemoryTTL: DefaultMemoryTTL, DiskTTL: DefaultDiskTTL}
}

// MetricsPolicy suits aggregated executive metrics, which only change with
// the warehouse's daily batch load.
func MetricsPolicy() Policy {
	return Policy{MemoryTTL: 4 * time.Hour, DiskTTL: 24 * time.Hour}
}

// DetailPolicy suits row-level detail views.
func DetailPolicy() Policy {
	return Policy{MemoryTTL: time.Hour, DiskTTL: 4 * time.Hour}
}

// Config is the cache's configuration surface. Durations accept extended
// syntax like "90m", "1d" or "1w2d" (parsed by str2duration).
type Config struct {
	MemoryTTL        time.Duration `env:"QUERYCACHE_MEMORY_TTL" envDefault:"1h"`
	DiskTTL          time.Duration `env:"QUERYCACHE_DISK_TTL" envDefault:"4h"`
	MemoryMaxEntries int           `env:"QUERYCACHE_MEMORY_MAX_ENTRIES" envDefault:"100"`
	MemoryMaxBytes   int64         `env:"QUERYCACHE_MEMORY_MAX_BYTES" envDefault:"268435456"`
	// NamespacePath is the disk tier's namespace directory.
	NamespacePath string `env:"QUERYCACHE_DIR" envDefault:".querycache"`
	// DiskBackend selects the disk tier implementation: "file" or "sqlite".
	DiskBackend string `env:"QUERYCACHE_DISK_BACKEND" envDefault:"file"`
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		MemoryTTL:        DefaultMemoryTTL,
		DiskTTL:          DefaultDiskTTL,
		MemoryMaxEntries: 100,
		MemoryMaxBytes:   256 << 20,
		NamespacePath:    ".querycache",
		DiskBackend:      "file",
	}
}

// ConfigFromEnv reads Config from QUERYCACHE_* environment variables,
// falling back to the defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): func(v string) (any, error) {
				return str2duration.ParseDuration(v)
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("cache: parse env config: %w", err)
	}
	return cfg, nil
}

// Open wires a memory tier and the configured disk backend into a
// Coordinator. For the file backend, expired records from earlier runs are
// swept on startup, best effort.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	base := applyOptions(opts)

	memOpts := append([]Option{
		WithMaxEntries(cfg.MemoryMaxEntries),
		WithMaxBytes(cfg.MemoryMaxBytes),
	}, opts...)
	memory := NewMemory(ctx, memOpts...)

	var disk Tier
	switch cfg.DiskBackend {
	case "", "file":
		fileTier, err := NewDisk(cfg.NamespacePath, opts...)
		if err != nil {
			memory.Close()
			return nil, err
		}
		if _, err := fileTier.Sweep(ctx); err != nil {
			base.logger.Warn("startup sweep failed", "err", err)
		}
		disk = fileTier
	case "sqlite":
		if err := os.MkdirAll(cfg.NamespacePath, 0o755); err != nil {
			memory.Close()
			return nil, fmt.Errorf("cache: create namespace dir: %w", err)
		}
		sqliteTier, err := NewSQLite(ctx, filepath.Join(cfg.NamespacePath, "querycache.db"), opts...)
		if err != nil {
			memory.Close()
			return nil, err
		}
		disk = sqliteTier
	default:
		memory.Close()
		return nil, fmt.Errorf("cache: unknown disk backend %q", cfg.DiskBackend)
	}

	defaults := Policy{MemoryTTL: cfg.MemoryTTL, DiskTTL: cfg.DiskTTL}
	return NewCoordinator(ctx, memory, disk, defaults, opts...), nil
}
