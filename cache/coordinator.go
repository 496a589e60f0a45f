package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/datawise/querycache/fingerprint"
)

// Loader produces the payload for one fingerprint, typically by running the
// query against the warehouse. The coordinator invokes it at most once
// concurrently per fingerprint and never retries; retry policy belongs to
// the source adapter.
type Loader func(ctx context.Context) ([]byte, error)

// Policy carries the freshness contract for one query class. Zero fields
// fall back to the coordinator's defaults.
type Policy struct {
	MemoryTTL time.Duration
	DiskTTL   time.Duration
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	MemoryHits uint64
	DiskHits   uint64
	Misses     uint64
	Loads      uint64
	LoadErrors uint64
}

// Coordinator orchestrates lookups across the memory and disk tiers and
// guarantees single-flight semantics per fingerprint: concurrent callers for
// the same key share one loader invocation and its outcome.
//
// The cache is an optimization, never a source of truth. Tier failures are
// logged and treated as misses; only loader errors and caller cancellation
// surface.
type Coordinator struct {
	ctx      context.Context
	cancel   context.CancelFunc
	memory   Tier
	disk     Tier
	group    singleflight.Group
	logger   *log.Logger
	defaults Policy

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	misses     atomic.Uint64
	loads      atomic.Uint64
	loadErrors atomic.Uint64
}

// NewCoordinator wires a memory tier and a second tier (disk, SQLite, or
// Redis) under one coordinator. The coordinator owns both tiers from here
// on: Close closes them.
//
// Loaders run on a context derived from parent, not from the requesting
// caller, so an abandoned caller does not cancel a computation other callers
// are waiting on.
func NewCoordinator(parent context.Context, memory, disk Tier, defaults Policy, opts ...Option) *Coordinator {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	if defaults.MemoryTTL <= 0 {
		defaults.MemoryTTL = DefaultMemoryTTL
	}
	if defaults.DiskTTL <= 0 {
		defaults.DiskTTL = DefaultDiskTTL
	}
	return &Coordinator{
		ctx:      ctx,
		cancel:   cancel,
		memory:   memory,
		disk:     disk,
		logger:   cfg.logger,
		defaults: defaults,
	}
}

// GetOrCompute returns the cached payload for fp, consulting the memory
// tier, then the disk tier (promoting a hit back into memory), and finally
// the loader. While a loader for fp is in flight, additional callers attach
// to it and receive the same payload or the same error.
//
// If ctx is cancelled while attached, GetOrCompute returns ctx.Err() but the
// computation continues and still populates both tiers.
func (c *Coordinator) GetOrCompute(ctx context.Context, fp fingerprint.Fingerprint, loader Loader, pol Policy) ([]byte, error) {
	pol = c.resolve(pol)

	if entry := c.tierGet(ctx, c.memory, "memory", fp); entry != nil {
		c.memoryHits.Add(1)
		return entry.Payload, nil
	}

	if entry := c.tierGet(ctx, c.disk, "disk", fp); entry != nil {
		c.diskHits.Add(1)
		c.promote(ctx, entry, pol)
		return entry.Payload, nil
	}

	c.misses.Add(1)
	ch := c.group.DoChan(string(fp), func() (any, error) {
		c.loads.Add(1)
		payload, err := loader(c.ctx)
		if err != nil {
			c.loadErrors.Add(1)
			return nil, err
		}
		c.populate(fp, payload, pol)
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Invalidate removes fp from both tiers. A computation already in flight for
// fp completes normally and still writes its result; the next caller starts
// a fresh flight instead of attaching to the doomed one.
func (c *Coordinator) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) {
	c.group.Forget(string(fp))
	if err := c.memory.Remove(ctx, fp); err != nil {
		c.logger.Warn("memory invalidate failed", "key", string(fp), "err", err)
	}
	if err := c.disk.Remove(ctx, fp); err != nil {
		c.logger.Warn("disk invalidate failed", "key", string(fp), "err", err)
	}
}

// ClearAll drops every entry in both tiers.
func (c *Coordinator) ClearAll(ctx context.Context) {
	if err := c.memory.Clear(ctx); err != nil {
		c.logger.Warn("memory clear failed", "err", err)
	}
	if err := c.disk.Clear(ctx); err != nil {
		c.logger.Warn("disk clear failed", "err", err)
	}
}

// Stats returns a snapshot of hit/miss/load counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		MemoryHits: c.memoryHits.Load(),
		DiskHits:   c.diskHits.Load(),
		Misses:     c.misses.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrors.Load(),
	}
}

// Close stops in-flight loaders and shuts down both tiers.
func (c *Coordinator) Close() error {
	c.cancel()
	memErr := c.memory.Close()
	diskErr := c.disk.Close()
	if memErr != nil {
		return memErr
	}
	return diskErr
}

func (c *Coordinator) resolve(pol Policy) Policy {
	if pol.MemoryTTL <= 0 {
		pol.MemoryTTL = c.defaults.MemoryTTL
	}
	if pol.DiskTTL <= 0 {
		pol.DiskTTL = c.defaults.DiskTTL
	}
	return pol
}

// tierGet downgrades tier failures to misses.
func (c *Coordinator) tierGet(ctx context.Context, tier Tier, name string, fp fingerprint.Fingerprint) *Entry {
	found, entry, err := tier.Get(ctx, fp)
	if err != nil {
		c.logger.Warn("tier read failed, treating as miss", "tier", name, "key", string(fp), "err", err)
		return nil
	}
	if !found {
		return nil
	}
	return entry
}

// promote copies a disk hit into the memory tier, capping the memory TTL at
// the record's remaining validity so memory never outlives the disk
// contract.
func (c *Coordinator) promote(ctx context.Context, entry *Entry, pol Policy) {
	ttl := pol.MemoryTTL
	if remaining := time.Until(entry.ExpiresAt()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	err := c.memory.Put(ctx, &Entry{
		Key:       entry.Key,
		Payload:   entry.Payload,
		CreatedAt: time.Now(),
		TTL:       ttl,
		SizeHint:  entry.SizeHint,
	})
	if err != nil {
		c.logger.Warn("memory promote failed", "key", string(entry.Key), "err", err)
	}
}

// populate writes a fresh payload disk-first, so a crash between the two
// writes leaves the value recoverable.
func (c *Coordinator) populate(fp fingerprint.Fingerprint, payload []byte, pol Policy) {
	now := time.Now()
	err := c.disk.Put(c.ctx, &Entry{Key: fp, Payload: payload, CreatedAt: now, TTL: pol.DiskTTL})
	if err != nil {
		c.logger.Warn("disk populate failed", "key", string(fp), "err", err)
	}
	err = c.memory.Put(c.ctx, &Entry{Key: fp, Payload: payload, CreatedAt: now, TTL: pol.MemoryTTL})
	if err != nil {
		c.logger.Warn("memory populate failed", "key", string(fp), "err", err)
	}
}

// Fetch is a typed convenience over GetOrCompute. The loader's value is
// serialized with msgpack before caching and deserialized on every hit, so
// callers get their own copy regardless of which tier served it.
func Fetch[T any](ctx context.Context, c *Coordinator, fp fingerprint.Fingerprint, pol Policy, load func(ctx context.Context) (T, error)) (T, error) {
	payload, err := c.GetOrCompute(ctx, fp, func(ctx context.Context) ([]byte, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := msgpack.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal value: %w", err)
		}
		return data, nil
	}, pol)
	if err != nil {
		var zero T
		return zero, err
	}
	var out T
	if err := msgpack.Unmarshal(payload, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("cache: unmarshal value: %w", err)
	}
	return out, nil
}
