package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/datawise/querycache/fingerprint"
)

// diskFormatVersion marks the on-disk record layout. Records written with a
// different version are treated as misses and reclaimed, never
// misinterpreted.
const diskFormatVersion = 1

// diskExt namespaces this cache's files so Clear and Sweep never touch
// unrelated data in the same directory.
const diskExt = ".qc"

type diskRecord struct {
	Format    int    `msgpack:"f"`
	Key       string `msgpack:"k"`
	CreatedAt int64  `msgpack:"c"` // unix nanoseconds
	TTL       int64  `msgpack:"t"` // nanoseconds
	SizeHint  int    `msgpack:"s"`
	Payload   []byte `msgpack:"p"`
}

// DiskTier persists entries as one msgpack record file per fingerprint under
// a namespace directory, so entries survive process restarts. A record's
// location is derived from its fingerprint alone — point lookups never scan
// the directory.
//
// The tier is best effort: unreadable or corrupt records are removed and
// reported as misses. Writes go through a temp file and rename so a crash
// mid-write never leaves a torn record visible.
type DiskTier struct {
	dir string
	cfg config
}

var _ Tier = (*DiskTier)(nil)

// NewDisk returns a disk tier rooted at dir, creating it if needed.
func NewDisk(dir string, opts ...Option) (*DiskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create namespace dir: %w", err)
	}
	return &DiskTier{dir: dir, cfg: applyOptions(opts)}, nil
}

// Dir returns the namespace directory.
func (t *DiskTier) Dir() string { return t.dir }

func (t *DiskTier) path(key fingerprint.Fingerprint) string {
	return filepath.Join(t.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(string(key)), diskExt))
}

func (t *DiskTier) Get(_ context.Context, key fingerprint.Fingerprint) (bool, *Entry, error) {
	path := t.path(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("cache: read record: %w", err)
	}

	var rec diskRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil || rec.Format != diskFormatVersion {
		// Corrupt or written by another format version. Reclaim and miss.
		_ = os.Remove(path)
		t.cfg.logger.Warn("removed unreadable cache record", "path", path)
		return false, nil, nil
	}
	if rec.Key != string(key) {
		// Filename hash collision with another fingerprint. The record is
		// valid, just not ours — leave it alone.
		return false, nil, nil
	}

	entry := &Entry{
		Key:       key,
		Payload:   rec.Payload,
		CreatedAt: time.Unix(0, rec.CreatedAt),
		TTL:       time.Duration(rec.TTL),
		SizeHint:  rec.SizeHint,
	}
	if entry.Expired(time.Now()) {
		_ = os.Remove(path)
		return false, nil, nil
	}
	return true, entry, nil
}

func (t *DiskTier) Put(_ context.Context, e *Entry) error {
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

	path := t.path(e.Key)
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: publish record: %w", err)
	}
	return nil
}

func (t *DiskTier) Remove(_ context.Context, key fingerprint.Fingerprint) error {
	if err := os.Remove(t.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove record: %w", err)
	}
	return nil
}

// Clear removes every record in this namespace. Files without the cache
// extension are untouched.
func (t *DiskTier) Clear(_ context.Context) error {
	paths, err := t.recordPaths()
	if err != nil {
		return err
	}
	var firstErr error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *DiskTier) Close() error { return nil }

// Sweep removes expired and unreadable records and returns how many were
// reclaimed. The disk tier has no background sweeper; call this from a
// startup hook or a maintenance job to bound growth.
func (t *DiskTier) Sweep(ctx context.Context) (int, error) {
	paths, err := t.recordPaths()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	removed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rec, err := readRecord(path)
		if err != nil || time.Unix(0, rec.CreatedAt).Add(time.Duration(rec.TTL)).Before(now) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		t.cfg.logger.Debug("swept disk cache", "removed", removed, "dir", t.dir)
	}
	return removed, nil
}

// DiskStats summarizes the persisted namespace.
type DiskStats struct {
	Records int   // record files present
	Valid   int   // records readable and within TTL
	Bytes   int64 // total size of record files
}

// Stats scans the namespace and reports record counts and sizes.
func (t *DiskTier) Stats(ctx context.Context) (DiskStats, error) {
	paths, err := t.recordPaths()
	if err != nil {
		return DiskStats{}, err
	}
	now := time.Now()
	var stats DiskStats
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		stats.Records++
		stats.Bytes += info.Size()
		if rec, err := readRecord(path); err == nil &&
			!time.Unix(0, rec.CreatedAt).Add(time.Duration(rec.TTL)).Before(now) {
			stats.Valid++
		}
	}
	return stats, nil
}

func (t *DiskTier) recordPaths() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("cache: read namespace dir: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), diskExt) {
			paths = append(paths, filepath.Join(t.dir, ent.Name()))
		}
	}
	return paths, nil
}

func readRecord(path string) (diskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return diskRecord{}, err
	}
	var rec diskRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return diskRecord{}, err
	}
	if rec.Format != diskFormatVersion {
		return diskRecord{}, fmt.Errorf("cache: unknown record format %d", rec.Format)
	}
	return rec, nil
}
