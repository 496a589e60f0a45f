package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/datawise/querycache/fingerprint"
)

// DefaultRedisPrefix namespaces this cache's keys when no prefix is
// configured, so Clear never touches unrelated data on a shared instance.
const DefaultRedisPrefix = "querycache"

// RedisTier stores entries in Redis so multiple dashboard processes can
// share the second tier. Expiry uses native Redis TTLs; the record envelope
// still carries creation time and TTL so promotion into the memory tier can
// cap against remaining validity. Best effort only — no coherence protocol.
//
// The caller owns the redis.Client lifecycle; Close is a no-op.
type RedisTier struct {
	client *redis.Client
	cfg    config
}

var _ Tier = (*RedisTier)(nil)

// NewRedis returns a Redis-backed tier using the given client.
func NewRedis(client *redis.Client, opts ...Option) *RedisTier {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = DefaultRedisPrefix
	}
	return &RedisTier{client: client, cfg: cfg}
}

func (t *RedisTier) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.cfg.queryTimeout)
}

func (t *RedisTier) redisKey(key fingerprint.Fingerprint) string {
	return t.cfg.prefix + ":" + string(key)
}

func (t *RedisTier) Get(ctx context.Context, key fingerprint.Fingerprint) (bool, *Entry, error) {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	data, err := t.client.Get(qctx, t.redisKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("cache: redis get: %w", err)
	}

	var rec diskRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil || rec.Format != diskFormatVersion {
		_ = t.client.Del(qctx, t.redisKey(key)).Err()
		t.cfg.logger.Warn("removed unreadable cache record", "key", string(key))
		return false, nil, nil
	}

	entry := &Entry{
		Key:       key,
		Payload:   rec.Payload,
		CreatedAt: time.Unix(0, rec.CreatedAt),
		TTL:       time.Duration(rec.TTL),
		SizeHint:  rec.SizeHint,
	}
	// Redis expiry normally reclaims first; this guards against clock skew.
	if entry.Expired(time.Now()) {
		_ = t.client.Del(qctx, t.redisKey(key)).Err()
		return false, nil, nil
	}
	return true, entry, nil
}

func (t *RedisTier) Put(ctx context.Context, e *Entry) error {
	data, err := msgpack.Marshal(diskRecord{
		Format:    diskFormatVersion,
		Key:       string(e.Key),
		CreatedAt: e.CreatedAt.UnixNano(),
		TTL:       int64(e.TTL),
		SizeHint:  e.SizeHint,
		Payload:   e.Payload,
	})
	if err != nil {
		return fmt.Errorf("cache: marshal record: %w", err)
	}

	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if err := t.client.Set(qctx, t.redisKey(e.Key), data, e.TTL).Err(); err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	return nil
}

func (t *RedisTier) Remove(ctx context.Context, key fingerprint.Fingerprint) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if err := t.client.Del(qctx, t.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis remove: %w", err)
	}
	return nil
}

// Clear removes every key under this tier's prefix.
func (t *RedisTier) Clear(ctx context.Context) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	iter := t.client.Scan(qctx, 0, t.cfg.prefix+":*", 0).Iterator()
	for iter.Next(qctx) {
		if err := t.client.Del(qctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache: redis clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: redis clear: %w", err)
	}
	return nil
}

// Close is a no-op — the caller owns the redis.Client lifecycle.
func (t *RedisTier) Close() error { return nil }
