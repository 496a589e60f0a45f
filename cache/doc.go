// Package cache is a multi-tier result cache for expensive analytical
// queries, built for rerun-heavy dashboard UIs where every filter change can
// re-request the same computations many times within one session.
//
// # Architecture
//
// A [Coordinator] sits between page code and the warehouse. Each cacheable
// computation is identified by a fingerprint (see the fingerprint package)
// and looked up through two tiers:
//
//   - [MemoryTier] — process-local LRU, fastest, volatile. Bounded by entry
//     count and payload bytes; least recently used entries are evicted on
//     overflow.
//   - a disk tier — survives restarts, typically configured with a longer
//     TTL. Two implementations are provided: [DiskTier] stores one msgpack
//     record file per fingerprint with atomic temp-and-rename writes, and
//     [SQLiteTier] keeps records in a single SQLite database
//     ([modernc.org/sqlite], pure Go). [RedisTier] can take the disk tier's
//     place when several dashboard processes should share results.
//
// [Coordinator.GetOrCompute] checks memory, then disk (promoting a hit back
// into memory), and only then invokes the loader — once, no matter how many
// callers ask concurrently. Single-flight coordination uses
// [golang.org/x/sync/singleflight]: all callers attached to an in-flight
// computation receive the same payload or the same error. A caller whose
// context is cancelled stops waiting, but the computation finishes on the
// coordinator's own context and still populates both tiers.
//
// On a successful load the disk tier is written before the memory tier, so
// a crash between the two writes leaves the value recoverable.
//
// # Freshness
//
// Each call carries a [Policy] with independent memory and disk TTLs. An
// entry past its TTL is logically absent even while physically present;
// tiers reclaim expired entries lazily on access and, where they run a
// sweeper, in the background. [MetricsPolicy] and [DetailPolicy] capture the
// two query classes of a typical BI workload: slow-moving aggregates and
// hourly detail views.
//
// # Error handling
//
// Correctness depends only on the loader, never on the cache. Loader errors
// propagate verbatim to every attached caller and nothing is cached. Tier
// I/O failures — unreadable files, corrupt records, format-version
// mismatches, storage timeouts — are logged and downgraded to misses. A
// corrupt disk record is removed on discovery rather than surfaced.
//
// # Serialization
//
// Disk, SQLite and Redis tiers wrap payloads in a msgpack envelope
// ([github.com/vmihailenco/msgpack/v5]) carrying an explicit format version,
// the owning fingerprint, creation time and TTL. Envelopes from an unknown
// format version are treated as misses, so a future layout change degrades
// to a one-time refetch instead of misread data.
//
// The coordinator core works on []byte payloads. [Fetch] layers typed access
// on top, marshalling the loader's value and unmarshalling on every hit.
package cache
