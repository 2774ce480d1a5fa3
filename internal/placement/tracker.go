// Package placement keeps the in-memory set of cells placed by users.
//
// The set is write-once per cell: a fingerprint leaves it only through an
// explicit Remove or a capacity eviction pass. Breaking a placed cell does not
// untrack it, so place/break cycles cannot launder a cell back to natural.
package placement

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
)

const (
	DefaultMaxTracked    = 500_000
	DefaultEvictionBatch = 50_000

	shardCount = 64
)

type Options struct {
	MaxTracked    int
	EvictionBatch int
	Logger        *log.Logger
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]struct{}
}

// Tracker is a concurrent set of cell fingerprints. Single-key operations are
// linearizable per key. Eviction and Clear walk the shards one at a time and are
// not atomic with respect to concurrent inserts.
type Tracker struct {
	shards [shardCount]shard
	size   atomic.Int64

	maxTracked    int
	evictionBatch int
	log           *log.Logger

	evicting atomic.Bool

	inserts     atomic.Uint64
	evictPasses atomic.Uint64
	evicted     atomic.Uint64
}

type Stats struct {
	Size          int    `json:"size"`
	MaxTracked    int    `json:"max_tracked"`
	Inserts       uint64 `json:"inserts"`
	EvictPasses   uint64 `json:"evict_passes"`
	EvictedTotal  uint64 `json:"evicted_total"`
	EvictionBatch int    `json:"eviction_batch"`
}

func New(opts Options) *Tracker {
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = DefaultMaxTracked
	}
	if opts.EvictionBatch <= 0 {
		opts.EvictionBatch = DefaultEvictionBatch
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	t := &Tracker{
		maxTracked:    opts.MaxTracked,
		evictionBatch: opts.EvictionBatch,
		log:           opts.Logger,
	}
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]struct{})
	}
	return t
}

func (t *Tracker) shardFor(fp uint64) *shard {
	// Fingerprints are already well mixed; the top bits pick the shard.
	return &t.shards[fp>>58]
}

// Insert records fp as user-placed and reports whether it was new.
// Crossing the capacity triggers an eviction pass on the calling goroutine.
func (t *Tracker) Insert(fp uint64) bool {
	s := t.shardFor(fp)
	s.mu.Lock()
	_, exists := s.m[fp]
	if !exists {
		s.m[fp] = struct{}{}
	}
	s.mu.Unlock()
	if exists {
		return false
	}
	t.inserts.Add(1)
	if t.size.Add(1) > int64(t.maxTracked) {
		t.evict()
	}
	return true
}

func (t *Tracker) Contains(fp uint64) bool {
	s := t.shardFor(fp)
	s.mu.RLock()
	_, ok := s.m[fp]
	s.mu.RUnlock()
	return ok
}

// Remove untracks fp. It is the only way besides eviction for a cell to leave the set.
func (t *Tracker) Remove(fp uint64) bool {
	s := t.shardFor(fp)
	s.mu.Lock()
	_, ok := s.m[fp]
	if ok {
		delete(s.m, fp)
	}
	s.mu.Unlock()
	if ok {
		t.size.Add(-1)
	}
	return ok
}

// MarkPlaced is Insert for callers that flag cells by hand.
func (t *Tracker) MarkPlaced(fp uint64) { t.Insert(fp) }

// MarkNatural is Remove for callers that clear cells by hand.
func (t *Tracker) MarkNatural(fp uint64) { t.Remove(fp) }

func (t *Tracker) Size() int {
	n := t.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (t *Tracker) Clear() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n := len(s.m)
		s.m = make(map[uint64]struct{})
		s.mu.Unlock()
		t.size.Add(-int64(n))
	}
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Size:          t.Size(),
		MaxTracked:    t.maxTracked,
		Inserts:       t.inserts.Load(),
		EvictPasses:   t.evictPasses.Load(),
		EvictedTotal:  t.evicted.Load(),
		EvictionBatch: t.evictionBatch,
	}
}

// evict drops evictionBatch fingerprints in map iteration order. Which keys
// survive is unspecified. Only one pass runs at a time; concurrent triggers
// return immediately.
func (t *Tracker) evict() {
	if !t.evicting.CompareAndSwap(false, true) {
		return
	}
	defer t.evicting.Store(false)

	remaining := t.evictionBatch
	// First sweep spreads the batch across shards, second one takes what is left.
	quota := t.evictionBatch/shardCount + 1
	for sweep := 0; sweep < 2 && remaining > 0; sweep++ {
		for i := range t.shards {
			if remaining <= 0 {
				break
			}
			limit := quota
			if sweep > 0 || limit > remaining {
				limit = remaining
			}
			n := t.evictShard(&t.shards[i], limit)
			remaining -= n
		}
	}

	removed := t.evictionBatch - remaining
	t.evictPasses.Add(1)
	t.evicted.Add(uint64(removed))
	t.log.Printf("placement tracker over capacity: evicted=%d size=%d max=%d", removed, t.Size(), t.maxTracked)
}

func (t *Tracker) evictShard(s *shard, limit int) int {
	s.mu.Lock()
	n := 0
	for fp := range s.m {
		if n >= limit {
			break
		}
		delete(s.m, fp)
		n++
	}
	s.mu.Unlock()
	t.size.Add(-int64(n))
	return n
}
