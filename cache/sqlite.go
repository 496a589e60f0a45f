package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datawise/querycache/fingerprint"
)

// SQLiteTier is a disk tier backed by a single SQLite database instead of
// one file per record. It trades the file tier's simplicity for transactional
// writes and cheap sweeps, and needs no CGO (modernc.org/sqlite is pure Go).
//
// Expired rows are deleted lazily on Get and by a background sweeper. Every
// operation runs under the configured query timeout so slow storage cannot
// hang a lookup.
type SQLiteTier struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       config
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Tier = (*SQLiteTier)(nil)

// NewSQLite returns a SQLite-backed tier at dbPath. An empty path or
// ":memory:" uses an in-memory database (useful in tests, defeats the point
// of a disk tier otherwise).
func NewSQLite(parent context.Context, dbPath string, opts ...Option) (*SQLiteTier, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers unblocked while the coordinator populates.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS query_cache (
		key TEXT PRIMARY KEY,
		format INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		ttl INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		size_hint INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at
		ON query_cache(expires_at)`); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	t := &SQLiteTier{
		db:     db,
		ctx:    ctx,
		cancel: cancel,
		cfg:    applyOptions(opts),
	}
	t.waitGroup.Add(1)
	go t.run()
	return t, nil
}

func (t *SQLiteTier) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.cfg.queryTimeout)
}

func (t *SQLiteTier) Get(ctx context.Context, key fingerprint.Fingerprint) (bool, *Entry, error) {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	var format, sizeHint int
	var payload []byte
	var createdAt, ttl, expiresAt int64
	err := t.db.QueryRowContext(qctx,
		`SELECT format, payload, created_at, ttl, expires_at, size_hint
		 FROM query_cache WHERE key = ?`, string(key),
	).Scan(&format, &payload, &createdAt, &ttl, &expiresAt, &sizeHint)
	if err == sql.ErrNoRows {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("cache: sqlite get: %w", err)
	}

	if format != diskFormatVersion || expiresAt < time.Now().UnixNano() {
		_, _ = t.db.ExecContext(qctx, `DELETE FROM query_cache WHERE key = ?`, string(key))
		return false, nil, nil
	}

	return true, &Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Unix(0, createdAt),
		TTL:       time.Duration(ttl),
		SizeHint:  sizeHint,
	}, nil
}

func (t *SQLiteTier) Put(ctx context.Context, e *Entry) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	_, err := t.db.ExecContext(qctx,
		`INSERT INTO query_cache (key, format, payload, created_at, ttl, expires_at, size_hint)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			format = excluded.format,
			payload = excluded.payload,
			created_at = excluded.created_at,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			size_hint = excluded.size_hint`,
		string(e.Key), diskFormatVersion, e.Payload,
		e.CreatedAt.UnixNano(), int64(e.TTL), e.ExpiresAt().UnixNano(), e.SizeHint,
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	return nil
}

func (t *SQLiteTier) Remove(ctx context.Context, key fingerprint.Fingerprint) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if _, err := t.db.ExecContext(qctx,
		`DELETE FROM query_cache WHERE key = ?`, string(key)); err != nil {
		return fmt.Errorf("cache: sqlite remove: %w", err)
	}
	return nil
}

func (t *SQLiteTier) Clear(ctx context.Context) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if _, err := t.db.ExecContext(qctx, `DELETE FROM query_cache`); err != nil {
		return fmt.Errorf("cache: sqlite clear: %w", err)
	}
	return nil
}

func (t *SQLiteTier) Close() error {
	var dbErr error
	t.once.Do(func() {
		t.cancel()
		t.waitGroup.Wait()
		dbErr = t.db.Close()
	})
	return dbErr
}

func (t *SQLiteTier) run() {
	defer t.waitGroup.Done()
	ticker := time.NewTicker(t.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			_, _ = t.db.Exec(`DELETE FROM query_cache WHERE expires_at < ?`,
				time.Now().UnixNano())
		}
	}
}
