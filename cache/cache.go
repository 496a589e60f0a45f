package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/datawise/querycache/fingerprint"
)

// Sentinel errors a loader may return. The coordinator never inspects them —
// it propagates loader failures verbatim to every waiter — but they give
// source adapters a shared vocabulary.
var (
	// ErrSourceUnavailable indicates the warehouse could not be reached.
	ErrSourceUnavailable = errors.New("cache: source unavailable")
	// ErrSourceQuery indicates the warehouse rejected or failed the query.
	ErrSourceQuery = errors.New("cache: source query failed")
)

// Entry is one cached result. Entries are immutable once stored; they are
// replaced wholesale by a fresh fetch, never mutated in place.
type Entry struct {
	Key       fingerprint.Fingerprint
	Payload   []byte
	CreatedAt time.Time
	TTL       time.Duration
	// SizeHint overrides len(Payload) for byte-budget accounting when the
	// caller knows better. Zero means "use the payload length".
	SizeHint int
}

// ExpiresAt returns the instant after which the entry is logically absent.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt().Before(now)
}

func (e *Entry) size() int {
	if e.SizeHint > 0 {
		return e.SizeHint
	}
	return len(e.Payload)
}

// Tier is one storage layer of the cache. All implementations are safe for
// concurrent use.
//
// Get returns (false, nil, nil) on a miss; an entry past its TTL is a miss
// even if physically present. Remove is idempotent. Clear drops every entry
// in this tier's namespace and nothing else.
type Tier interface {
	Get(ctx context.Context, key fingerprint.Fingerprint) (bool, *Entry, error)
	Put(ctx context.Context, e *Entry) error
	Remove(ctx context.Context, key fingerprint.Fingerprint) error
	Clear(ctx context.Context) error
	Close() error
}

// DefaultSweepInterval is how often background sweepers reclaim expired
// entries (memory and SQLite tiers).
const DefaultSweepInterval = time.Minute

// DefaultQueryTimeout is the per-operation timeout for tiers that perform
// I/O (SQLite, Redis). Prevents indefinite hangs on slow storage.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	maxEntries    int
	maxBytes      int64
	sweepInterval time.Duration
	queryTimeout  time.Duration
	prefix        string
	logger        *log.Logger
}

// Option configures a tier or coordinator.
type Option func(*config)

func defaultConfig() config {
	return config{
		sweepInterval: DefaultSweepInterval,
		queryTimeout:  DefaultQueryTimeout,
		logger:        log.New(io.Discard),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxEntries bounds the memory tier to n resident entries, evicting the
// least recently used entry on overflow. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithMaxBytes bounds the memory tier's total payload bytes, evicting the
// least recently used entries on overflow. Zero means unbounded.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithSweepInterval sets the background cleanup interval for tiers that run
// a sweeper. Defaults to DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed tiers
// (SQLite, Redis). Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for the Redis tier, namespacing multiple
// caches on one Redis instance. Defaults to empty.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithLogger sets the logger used for storage-failure downgrades and sweep
// reporting. Defaults to a discard logger.
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}
