package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemoryEntry is the most recent in-memory state of one process, tagged
// with the evaluation point it corresponds to.
type MemoryEntry struct {
	ProcessID   string
	Ordinate    uint64
	Timestamp   int64
	Cron        string
	BlockHeight uint64
	Memory      []byte

	storedAt time.Time
}

// MemoryCache is the process-memory cache: bounded by total byte size and
// per-entry TTL, whichever triggers first. A hand-rolled LRU is used here
// because the bound is bytes, not entry count.
type MemoryCache struct {
	mu sync.Mutex

	maxBytes uint64
	ttl      time.Duration

	entries map[string]*list.Element // processID -> element in order
	order   *list.List               // front = most recent
	bytes   uint64

	now func() time.Time // test hook
}

// NewMemoryCache creates a memory cache bounded by maxBytes total and ttl
// per entry.
func NewMemoryCache(maxBytes uint64, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Put stores the latest memory for a process, replacing any prior entry.
// Entries larger than the whole cache are rejected rather than evicting
// everything else.
func (c *MemoryCache) Put(entry MemoryEntry) bool {
	size := uint64(len(entry.Memory))
	if size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.ProcessID]; ok {
		old := el.Value.(*MemoryEntry)
		c.bytes -= uint64(len(old.Memory))
		c.order.Remove(el)
		delete(c.entries, entry.ProcessID)
	}

	entry.storedAt = c.now()
	el := c.order.PushFront(&entry)
	c.entries[entry.ProcessID] = el
	c.bytes += size

	for c.bytes > c.maxBytes {
		c.evictOldestLocked()
	}
	return true
}

// Get returns the cached memory for a process, or false on a miss.
// Expired entries are removed on access.
func (c *MemoryCache) Get(processID string) (MemoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[processID]
	if !ok {
		return MemoryEntry{}, false
	}
	entry := el.Value.(*MemoryEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.removeLocked(el)
		return MemoryEntry{}, false
	}

	c.order.MoveToFront(el)
	return *entry, true
}

// Drop removes a process's entry, if present.
func (c *MemoryCache) Drop(processID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[processID]; ok {
		c.removeLocked(el)
	}
}

// Bytes returns the current total size.
func (c *MemoryCache) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of cached processes.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) evictOldestLocked() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	entry := el.Value.(*MemoryEntry)
	c.bytes -= uint64(len(entry.Memory))
	c.order.Remove(el)
	delete(c.entries, entry.ProcessID)
}
