package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/datawise/querycache/fingerprint"
)

// MemoryTier is the process-local tier: fastest, volatile, bounded.
//
// Entries are kept in a map for O(1) lookup and a doubly-linked list for LRU
// ordering. When a Put would exceed the configured entry or byte budget, the
// least recently used entries are evicted until the tier is within budget
// again. Expired entries are reclaimed lazily on Get and by a background
// sweeper.
type MemoryTier struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	items     map[fingerprint.Fingerprint]*list.Element
	lru       *list.List // front = most recently used
	bytes     int64
	cfg       config
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Tier = (*MemoryTier)(nil)

// NewMemory returns a new memory tier. The background sweeper stops when
// parent is cancelled or Close is called.
func NewMemory(parent context.Context, opts ...Option) *MemoryTier {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	t := &MemoryTier{
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[fingerprint.Fingerprint]*list.Element),
		lru:    list.New(),
		cfg:    cfg,
	}
	t.waitGroup.Add(1)
	go t.run()
	return t
}

func (t *MemoryTier) Get(_ context.Context, key fingerprint.Fingerprint) (bool, *Entry, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	elem, ok := t.items[key]
	if !ok {
		return false, nil, nil
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(time.Now()) {
		t.removeElement(key, elem)
		return false, nil, nil
	}
	t.lru.MoveToFront(elem)
	return true, entry, nil
}

func (t *MemoryTier) Put(_ context.Context, e *Entry) error {
	size := int64(e.size())
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// An entry that can never fit the byte budget is not cached at all.
	if t.cfg.maxBytes > 0 && size > t.cfg.maxBytes {
		if elem, ok := t.items[e.Key]; ok {
			t.removeElement(e.Key, elem)
		}
		return nil
	}

	if elem, ok := t.items[e.Key]; ok {
		t.bytes -= int64(elem.Value.(*Entry).size())
		elem.Value = e
		t.lru.MoveToFront(elem)
	} else {
		t.items[e.Key] = t.lru.PushFront(e)
	}
	t.bytes += size

	for t.overBudget() {
		back := t.lru.Back()
		if back == nil {
			break
		}
		t.removeElement(back.Value.(*Entry).Key, back)
	}
	return nil
}

func (t *MemoryTier) Remove(_ context.Context, key fingerprint.Fingerprint) error {
	t.mutex.Lock()
	if elem, ok := t.items[key]; ok {
		t.removeElement(key, elem)
	}
	t.mutex.Unlock()
	return nil
}

func (t *MemoryTier) Clear(_ context.Context) error {
	t.mutex.Lock()
	t.items = make(map[fingerprint.Fingerprint]*list.Element)
	t.lru.Init()
	t.bytes = 0
	t.mutex.Unlock()
	return nil
}

func (t *MemoryTier) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.waitGroup.Wait()
	})
	return nil
}

// Len returns the number of resident entries, including any not yet swept.
func (t *MemoryTier) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lru.Len()
}

// Bytes returns the resident payload byte total.
func (t *MemoryTier) Bytes() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.bytes
}

// removeElement must be called with the mutex held.
func (t *MemoryTier) removeElement(key fingerprint.Fingerprint, elem *list.Element) {
	t.lru.Remove(elem)
	delete(t.items, key)
	t.bytes -= int64(elem.Value.(*Entry).size())
}

// overBudget must be called with the mutex held.
func (t *MemoryTier) overBudget() bool {
	if t.cfg.maxEntries > 0 && t.lru.Len() > t.cfg.maxEntries {
		return true
	}
	return t.cfg.maxBytes > 0 && t.bytes > t.cfg.maxBytes
}

func (t *MemoryTier) run() {
	defer t.waitGroup.Done()
	ticker := time.NewTicker(t.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			t.mutex.Lock()
			for key, elem := range t.items {
				if elem.Value.(*Entry).Expired(now) {
					t.removeElement(key, elem)
				}
			}
			t.mutex.Unlock()
		}
	}
}
