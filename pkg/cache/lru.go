// Package cache implements the content-addressed parse cache: a store
// keyed by the fingerprint of a source file's bytes plus the parser
// version, holding the resulting *ir.ParsedModule so a second extraction
// of the same content never re-invokes the parser.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

// DefaultMaxEntrySize is the default maximum memory size for the parse
// cache (512 MiB).
const DefaultMaxEntrySize = 512 * 1024 * 1024

// evictionLowWatermark is the fraction of a shard's size cap eviction
// clears down to, so one pass over the cap frees headroom instead of
// evicting a single entry per insert at the boundary.
const evictionLowWatermark = 0.9

// bytesPerKB is the number of bytes in a kilobyte.
const bytesPerKB = 1024.0

// shardCount is the number of independent LRU shards the cache is split
// into, keyed by the fingerprint's leading hex nibble. Sharding bounds lock
// contention when many extractor workers query the cache concurrently:
// writes to distinct keys rarely touch the same lock.
const shardCount = 16

// Fingerprint identifies one (file content, parser version) pair. It is
// the hex SHA-256 digest of the file bytes concatenated with the parser
// version string, computed by pkg/pyparse.
type Fingerprint string

// shardIndex maps a fingerprint to one of shardCount shards using its
// leading hex nibble.
func shardIndex(fp Fingerprint) int {
	if len(fp) == 0 {
		return 0
	}

	c := fp[0]

	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return 0
	}
}

// ParseCache is a sharded, size-bounded LRU cache mapping Fingerprint to
// *ir.ParsedModule.
type ParseCache struct {
	shards [shardCount]*lruShard

	hits   atomic.Int64
	misses atomic.Int64
}

// lruShard is one independently-locked partition of the cache.
type lruShard struct {
	mu          sync.RWMutex
	entries     map[Fingerprint]*lruEntry
	head        *lruEntry // Most recently used.
	tail        *lruEntry // Least recently used.
	maxSize     int64
	currentSize int64
}

// lruEntry is a doubly-linked list node for LRU tracking.
type lruEntry struct {
	fingerprint Fingerprint
	module      *ir.ParsedModule
	size        int64
	accessCount int64
	createdAt   time.Time
	lastUsedAt  time.Time
	prev        *lruEntry
	next        *lruEntry
}

// evictionCost calculates the cost of evicting this entry. Higher cost
// means less desirable to evict; large, rarely-accessed modules are
// evicted first.
func (e *lruEntry) evictionCost() float64 {
	if e.size == 0 {
		return float64(e.accessCount)
	}

	sizeKB := float64(e.size) / bytesPerKB
	if sizeKB < 1 {
		sizeKB = 1
	}

	return float64(e.accessCount) / sizeKB
}

// NewParseCache creates a new parse cache with the given maximum total
// size in bytes, split evenly across shardCount shards.
func NewParseCache(maxSize int64) *ParseCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntrySize
	}

	perShard := maxSize / shardCount
	if perShard <= 0 {
		perShard = 1
	}

	c := &ParseCache{}

	for i := range c.shards {
		c.shards[i] = &lruShard{
			entries: make(map[Fingerprint]*lruEntry),
			maxSize: perShard,
		}
	}

	return c
}

// moduleSize estimates the in-memory cost of caching a parsed module,
// counted from the size of its constituent string fields and line count
// rather than a reflective deep-size walk.
func moduleSize(m *ir.ParsedModule) int64 {
	if m == nil {
		return 0
	}

	size := int64(len(m.Path)) + int64(len(m.Name)) + int64(len(m.Docstring)) + m.SizeBytes

	for _, imp := range m.Imports {
		size += int64(len(imp.Name) + len(imp.FromModule) + len(imp.Alias))
	}

	for _, fn := range m.Functions {
		size += int64(len(fn.Name) + len(fn.Signature) + len(fn.Docstring))
	}

	for _, cls := range m.Classes {
		size += int64(len(cls.Name) + len(cls.Docstring))

		for _, method := range cls.Methods {
			size += int64(len(method.Name) + len(method.Signature) + len(method.Docstring))
		}
	}

	return size
}

// Get retrieves a parsed module from the cache. Returns nil if not found.
func (c *ParseCache) Get(fp Fingerprint) *ir.ParsedModule {
	shard := c.shards[shardIndex(fp)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[fp]
	if !ok {
		c.misses.Add(1)

		return nil
	}

	c.hits.Add(1)

	entry.accessCount++
	entry.lastUsedAt = time.Now()
	shard.moveToFront(entry)

	return entry.module
}

// Put adds a parsed module to the cache keyed by its content fingerprint.
// If the owning shard exceeds its size budget, entries are evicted using
// size-aware eviction (large, infrequently accessed modules evicted first).
func (c *ParseCache) Put(fp Fingerprint, module *ir.ParsedModule) {
	if module == nil {
		return
	}

	entrySize := moduleSize(module)

	shard := c.shards[shardIndex(fp)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entrySize > shard.maxSize {
		return
	}

	if entry, ok := shard.entries[fp]; ok {
		entry.accessCount++
		entry.lastUsedAt = time.Now()
		shard.moveToFront(entry)

		return
	}

	if shard.currentSize+entrySize > shard.maxSize {
		target := int64(evictionLowWatermark * float64(shard.maxSize))

		for shard.currentSize+entrySize > target && shard.tail != nil {
			shard.evictLowestCost()
		}
	}

	now := time.Now()

	entry := &lruEntry{
		fingerprint: fp,
		module:      module,
		size:        entrySize,
		accessCount: 1,
		createdAt:   now,
		lastUsedAt:  now,
	}

	shard.entries[fp] = entry
	shard.currentSize += entrySize
	shard.addToFront(entry)
}

// Stats returns aggregate cache performance metrics across all shards.
func (c *ParseCache) Stats() Stats {
	var entries int

	var currentSize, maxSize int64

	var ages AgeHistogram

	now := time.Now()

	for _, shard := range c.shards {
		shard.mu.RLock()
		entries += len(shard.entries)
		currentSize += shard.currentSize
		maxSize += shard.maxSize

		for _, entry := range shard.entries {
			ages.observe(now.Sub(entry.createdAt))
		}
		shard.mu.RUnlock()
	}

	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Entries:     entries,
		CurrentSize: currentSize,
		MaxSize:     maxSize,
		AgeBuckets:  ages,
	}
}

// Cleanup removes every entry whose age exceeds maxAge and returns the
// number of entries removed.
func (c *ParseCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()

		for fp, entry := range shard.entries {
			if entry.createdAt.Before(cutoff) {
				shard.removeFromList(entry)
				delete(shard.entries, fp)
				shard.currentSize -= entry.size
				removed++
			}
		}

		shard.mu.Unlock()
	}

	return removed
}

// Stats holds cache performance metrics.
type Stats struct {
	Hits        int64
	Misses      int64
	Entries     int
	CurrentSize int64
	MaxSize     int64
	AgeBuckets  AgeHistogram
}

// AgeHistogram buckets entry age at cache-inspection time.
type AgeHistogram struct {
	UnderHour int
	UnderDay  int
	UnderWeek int
	OverWeek  int
}

func (h *AgeHistogram) observe(age time.Duration) {
	switch {
	case age < time.Hour:
		h.UnderHour++
	case age < 24*time.Hour:
		h.UnderDay++
	case age < 7*24*time.Hour:
		h.UnderWeek++
	default:
		h.OverWeek++
	}
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}

	return float64(s.Hits) / float64(total)
}

// Clear removes all entries from every shard.
func (c *ParseCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.entries = make(map[Fingerprint]*lruEntry)
		shard.head = nil
		shard.tail = nil
		shard.currentSize = 0
		shard.mu.Unlock()
	}
}

func (s *lruShard) moveToFront(entry *lruEntry) {
	if entry == s.head {
		return
	}

	s.removeFromList(entry)
	s.addToFront(entry)
}

func (s *lruShard) addToFront(entry *lruEntry) {
	entry.prev = nil
	entry.next = s.head

	if s.head != nil {
		s.head.prev = entry
	}

	s.head = entry

	if s.tail == nil {
		s.tail = entry
	}
}

func (s *lruShard) removeFromList(entry *lruEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		s.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		s.tail = entry.prev
	}
}

// evictionSampleSize is the number of LRU candidates to sample for
// size-aware eviction within a single shard.
const evictionSampleSize = 5

func (s *lruShard) evictLowestCost() {
	if s.tail == nil {
		return
	}

	var candidates [evictionSampleSize]*lruEntry

	count := 0
	entry := s.tail

	for entry != nil && count < evictionSampleSize {
		candidates[count] = entry
		count++
		entry = entry.prev
	}

	if count == 0 {
		return
	}

	victim := candidates[0]
	lowestCost := victim.evictionCost()

	for i := 1; i < count; i++ {
		cost := candidates[i].evictionCost()
		if cost < lowestCost {
			lowestCost = cost
			victim = candidates[i]
		}
	}

	s.removeFromList(victim)
	delete(s.entries, victim.fingerprint)
	s.currentSize -= victim.size
}
