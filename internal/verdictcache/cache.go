// Package verdictcache caches oracle answers ("is this cell natural?") for a
// bounded time and a bounded number of cells.
package verdictcache

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxEntries      = 8192
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = 30 * time.Second

	shardCount = 16
)

type Options struct {
	MaxEntries      int
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *log.Logger
	// Now overrides the wall clock.
	Now func() time.Time
}

type entry struct {
	natural   bool
	expiresAt int64 // unix nanos
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]entry
}

// Cache maps cell fingerprints to verdicts. Expired entries read as absent even
// before a cleanup pass removes them.
type Cache struct {
	shards [shardCount]shard

	maxEntries      int
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	log             *log.Logger

	// lastCleanup is advanced on every attempt that gets past the interval check.
	lastCleanup atomic.Int64

	hits        atomic.Uint64
	misses      atomic.Uint64
	expired     atomic.Uint64
	evicted     atomic.Uint64
	cleanupRuns atomic.Uint64
}

type Stats struct {
	Entries     int    `json:"entries"`
	MaxEntries  int    `json:"max_entries"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expired     uint64 `json:"expired"`
	Evicted     uint64 `json:"evicted"`
	CleanupRuns uint64 `json:"cleanup_runs"`
}

func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	c := &Cache{
		maxEntries:      opts.MaxEntries,
		ttl:             opts.TTL,
		cleanupInterval: opts.CleanupInterval,
		now:             opts.Now,
		log:             opts.Logger,
	}
	for i := range c.shards {
		c.shards[i].m = make(map[uint64]entry)
	}
	return c
}

func (c *Cache) shardFor(fp uint64) *shard {
	return &c.shards[fp>>60]
}

// Get returns the cached verdict for fp if one exists and has not expired.
func (c *Cache) Get(fp uint64) (natural bool, ok bool) {
	s := c.shardFor(fp)
	s.mu.RLock()
	e, found := s.m[fp]
	s.mu.RUnlock()
	if !found || c.now().UnixNano() >= e.expiresAt {
		c.misses.Add(1)
		return false, false
	}
	c.hits.Add(1)
	return e.natural, true
}

// Put stores a verdict that stays valid for the configured TTL.
func (c *Cache) Put(fp uint64, natural bool) {
	e := entry{natural: natural, expiresAt: c.now().Add(c.ttl).UnixNano()}
	s := c.shardFor(fp)
	s.mu.Lock()
	s.m[fp] = e
	s.mu.Unlock()
}

// Invalidate drops fp, e.g. after the cell was placed or broken.
func (c *Cache) Invalidate(fp uint64) {
	s := c.shardFor(fp)
	s.mu.Lock()
	delete(s.m, fp)
	s.mu.Unlock()
}

func (c *Cache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.m = make(map[uint64]entry)
		s.mu.Unlock()
	}
}

// Len counts physically present entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// MaybeCleanup runs at most one maintenance pass per cleanup interval: it drops
// expired entries and, if the cache is still over capacity, evicts arbitrary
// entries down to three quarters of capacity. It reports whether a pass ran.
// Racing callers may occasionally skip or double a pass.
func (c *Cache) MaybeCleanup() bool {
	now := c.now().UnixNano()
	last := c.lastCleanup.Load()
	if now-last < int64(c.cleanupInterval) {
		return false
	}
	if !c.lastCleanup.CompareAndSwap(last, now) {
		return false
	}
	c.cleanupRuns.Add(1)

	expired := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for fp, e := range s.m {
			if now >= e.expiresAt {
				delete(s.m, fp)
				expired++
			}
		}
		s.mu.Unlock()
	}
	c.expired.Add(uint64(expired))

	size := c.Len()
	if size <= c.maxEntries {
		return true
	}
	toRemove := size - c.maxEntries*3/4
	evicted := 0
	for i := range c.shards {
		if evicted >= toRemove {
			break
		}
		s := &c.shards[i]
		s.mu.Lock()
		for fp := range s.m {
			if evicted >= toRemove {
				break
			}
			delete(s.m, fp)
			evicted++
		}
		s.mu.Unlock()
	}
	c.evicted.Add(uint64(evicted))
	c.log.Printf("verdict cache over capacity: expired=%d evicted=%d size=%d max=%d", expired, evicted, c.Len(), c.maxEntries)
	return true
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Expired:     c.expired.Load(),
		Evicted:     c.evicted.Load(),
		CleanupRuns: c.cleanupRuns.Load(),
	}
}
