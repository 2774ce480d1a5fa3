package verdictcache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestCache_PutGet(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{Now: clk.Now})

	c.Put(1, true)
	c.Put(2, false)
	if v, ok := c.Get(1); !ok || !v {
		t.Fatalf("Get(1)=(%v,%v) want (true,true)", v, ok)
	}
	if v, ok := c.Get(2); !ok || v {
		t.Fatalf("Get(2)=(%v,%v) want (false,true)", v, ok)
	}
	if _, ok := c.Get(3); ok {
		t.Fatalf("Get(3) should miss")
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("stats mismatch: %+v", st)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{Now: clk.Now})

	c.Put(7, true)
	clk.Advance(DefaultTTL - time.Second)
	if _, ok := c.Get(7); !ok {
		t.Fatalf("entry expired early")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(7); ok {
		t.Fatalf("entry should be expired at TTL")
	}
	// Lazy expiry: still physically present until a cleanup pass.
	if c.Len() != 1 {
		t.Fatalf("Len=%d want 1 before cleanup", c.Len())
	}
}

func TestCache_PutRefreshesTTL(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{Now: clk.Now})
	c.Put(7, true)
	clk.Advance(4 * time.Minute)
	c.Put(7, false)
	clk.Advance(4 * time.Minute)
	if v, ok := c.Get(7); !ok || v {
		t.Fatalf("Get after overwrite=(%v,%v) want (false,true)", v, ok)
	}
}

func TestCache_InvalidateAndClear(t *testing.T) {
	c := New(Options{})
	c.Put(1, true)
	c.Put(2, true)
	c.Invalidate(1)
	if _, ok := c.Get(1); ok {
		t.Fatalf("invalidated entry still present")
	}
	if _, ok := c.Get(2); !ok {
		t.Fatalf("unrelated entry lost")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after clear=%d", c.Len())
	}
}

func TestCache_MaybeCleanupThrottled(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{Now: clk.Now})

	if !c.MaybeCleanup() {
		t.Fatalf("first cleanup should run")
	}
	clk.Advance(DefaultCleanupInterval - time.Millisecond)
	if c.MaybeCleanup() {
		t.Fatalf("second cleanup within interval should be a no-op")
	}
	clk.Advance(time.Millisecond)
	if !c.MaybeCleanup() {
		t.Fatalf("cleanup after interval should run")
	}
	if got := c.Stats().CleanupRuns; got != 2 {
		t.Fatalf("CleanupRuns=%d want 2", got)
	}
}

func TestCache_MaybeCleanupRemovesExpired(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{Now: clk.Now})

	for i := uint64(0); i < 100; i++ {
		c.Put(i<<56|i, true)
	}
	clk.Advance(DefaultTTL)
	c.Put(1000, false)

	if !c.MaybeCleanup() {
		t.Fatalf("cleanup should run")
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d want 1 after expiring 100 entries", c.Len())
	}
	if v, ok := c.Get(1000); !ok || v {
		t.Fatalf("fresh entry lost: (%v,%v)", v, ok)
	}
	if got := c.Stats().Expired; got != 100 {
		t.Fatalf("Expired=%d want 100", got)
	}
}

func TestCache_MaybeCleanupEvictsToThreeQuarters(t *testing.T) {
	clk := newFakeClock()
	const max = 100
	c := New(Options{MaxEntries: max, Now: clk.Now})

	for i := uint64(0); i < 180; i++ {
		c.Put(i*0x9e3779b97f4a7c15, i%2 == 0)
	}
	if !c.MaybeCleanup() {
		t.Fatalf("cleanup should run")
	}
	if got := c.Len(); got > max*3/4 {
		t.Fatalf("Len=%d want <= %d", got, max*3/4)
	}
	if got := c.Len(); got != max*3/4 {
		t.Fatalf("Len=%d want exactly %d (nothing expired)", got, max*3/4)
	}
	if got := c.Stats().Evicted; got != 180-max*3/4 {
		t.Fatalf("Evicted=%d want %d", got, 180-max*3/4)
	}
}

func TestCache_UnderCapacityKeepsFreshEntries(t *testing.T) {
	c := New(Options{MaxEntries: 100})
	for i := uint64(0); i < 100; i++ {
		c.Put(i, true)
	}
	c.MaybeCleanup()
	if c.Len() != 100 {
		t.Fatalf("Len=%d want 100", c.Len())
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(Options{MaxEntries: 256, CleanupInterval: time.Nanosecond})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				fp := uint64(g)<<60 | uint64(i)
				c.Put(fp, i%3 == 0)
				c.Get(fp)
				if i%100 == 0 {
					c.MaybeCleanup()
				}
				if i%7 == 0 {
					c.Invalidate(fp)
				}
			}
		}(g)
	}
	wg.Wait()
	c.MaybeCleanup()
	if c.Len() > 8*2000 {
		t.Fatalf("Len=%d out of range", c.Len())
	}
}
