// ABOUTME: Tests for the redelivery cache used to drop duplicate MESSAGE frames
// ABOUTME: Drives expiry with a fake clock and checks eviction order and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestCache_FirstSightingIsNew(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen("m-1"))
	assert.True(t, c.Seen("m-1"))
	assert.True(t, c.Contains("m-1"))
	assert.False(t, c.Contains("m-2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Seen("m-1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Contains("m-1"))

	clock.Advance(time.Second)
	assert.False(t, c.Contains("m-1"))
	assert.False(t, c.Seen("m-1"), "expired key counts as new")
}

func TestCache_SeenRefreshesTimestamp(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Seen("m-1")
	clock.Advance(40 * time.Second)
	assert.True(t, c.Seen("m-1"))

	clock.Advance(40 * time.Second)
	assert.True(t, c.Contains("m-1"), "refresh should extend lifetime")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.Seen(fmt.Sprintf("m-%d", i))
		clock.Advance(time.Second)
	}
	c.Seen("m-4")

	assert.False(t, c.Contains("m-1"), "oldest key should be evicted")
	assert.True(t, c.Contains("m-2"))
	assert.True(t, c.Contains("m-3"))
	assert.True(t, c.Contains("m-4"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_RefreshedKeyIsNotEvictedFirst(t *testing.T) {
	c, clock := newTestCache(time.Hour, 2)

	c.Seen("a")
	clock.Advance(time.Second)
	c.Seen("b")
	clock.Advance(time.Second)
	c.Seen("a")
	c.Seen("c")

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestCache_Reset(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	c.Seen("a")
	c.Seen("b")

	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Seen("a"))
}

func TestCache_MinimumSize(t *testing.T) {
	c := New(time.Hour, 0)
	c.Seen("a")
	c.Seen("b")
	assert.Equal(t, 1, c.Len())
}

func TestCache_SeenIsAtomic(t *testing.T) {
	c := New(time.Hour, 100)

	const goroutines = 50
	var fresh int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			if !c.Seen("same-key") {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh, "exactly one caller should see the key as new")
}
