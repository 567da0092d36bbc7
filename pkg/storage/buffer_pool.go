package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nestdb/nestdb/pkg/lru"
)

var (
	ErrPageNotFound  = errors.New("storage: page not found")
	ErrBufferFull    = errors.New("storage: buffer manager is full: all pages are pinned")
	ErrOverUnpin     = errors.New("storage: unpin called more times than pin")
)

// frame is one cached page plus its pin count, wrapped around the on-disk
// Page so BufferManager can track pinning independently of the Pager.
type frame struct {
	page    *Page
	pinned  int32 // atomic
}

// Stats reports buffer manager counters (spec.md §4.2 statistics).
type Stats struct {
	Fetches uint64
	Hits    uint64
	Misses  uint64
	Writes  uint64
}

// HitRatio returns Hits/Fetches, or 0 if no fetches have occurred.
func (s Stats) HitRatio() float64 {
	if s.Fetches == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Fetches)
}

// BufferManager is the page cache sitting atop a Pager: pin-counted
// frames, LRU-driven eviction among unpinned frames, and write-back on
// evict/flush (spec.md §4.2).
type BufferManager struct {
	pager    *Pager
	capacity int
	wal      *WAL

	mu     sync.Mutex
	cache  *lru.Cache[uint64, *frame]

	fetches uint64
	hits    uint64
	misses  uint64
	writes  uint64
}

// NewBufferManager wraps pager with a capacity-bounded page cache.
func NewBufferManager(pager *Pager, capacity int) *BufferManager {
	bm := &BufferManager{
		pager:    pager,
		capacity: capacity,
	}
	bm.cache = lru.New[uint64, *frame](capacity)
	return bm
}

// SetWAL attaches a write-ahead log to the buffer manager. The reference is
// stored only: eviction and flushing write dirty pages without consulting it.
func (bm *BufferManager) SetWAL(wal *WAL) { bm.wal = wal }

// Fetch pins and returns pageID, loading it through the Pager on a cache
// miss. Callers must call Unpin exactly once per successful Fetch/Allocate.
func (bm *BufferManager) Fetch(pageID uint64) (*Page, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.fetches++
	if fr, ok := bm.cache.Get(pageID); ok {
		bm.hits++
		atomic.AddInt32(&fr.pinned, 1)
		return fr.page, nil
	}
	bm.misses++

	if bm.cache.Len() >= bm.capacity {
		if err := bm.evictLocked(); err != nil {
			return nil, err
		}
	}

	page, err := bm.pager.Read(pageID)
	if err != nil {
		return nil, err
	}
	fr := &frame{page: page, pinned: 1}
	bm.cache.Put(pageID, fr)
	return page, nil
}

// Peek returns a cached page without affecting pin count or recency, or
// (nil, false) if it is not resident.
func (bm *BufferManager) Peek(pageID uint64) (*Page, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.cache.Peek(pageID)
	if !ok {
		return nil, false
	}
	return fr.page, true
}

// Allocate reserves a new page via the Pager, inserts it into the cache
// pinned, and returns it ready for writes.
func (bm *BufferManager) Allocate(pageType PageType) (*Page, error) {
	page, err := bm.pager.Allocate(pageType)
	if err != nil {
		return nil, err
	}
	page.MarkDirty()

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.cache.Len() >= bm.capacity {
		if err := bm.evictLocked(); err != nil {
			return nil, err
		}
	}
	bm.cache.Put(page.Header.PageID, &frame{page: page, pinned: 1})
	return page, nil
}

// Pin increments pageID's pin count. pageID must already be resident.
func (bm *BufferManager) Pin(pageID uint64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.cache.Get(pageID)
	if !ok {
		return ErrPageNotFound
	}
	atomic.AddInt32(&fr.pinned, 1)
	return nil
}

// Unpin decrements pageID's pin count, marking it dirty first if dirty is true.
func (bm *BufferManager) Unpin(pageID uint64, dirty bool) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.cache.Peek(pageID)
	if !ok {
		return ErrPageNotFound
	}
	if dirty {
		fr.page.MarkDirty()
	}
	if atomic.LoadInt32(&fr.pinned) <= 0 {
		return ErrOverUnpin
	}
	atomic.AddInt32(&fr.pinned, -1)
	return nil
}

// MarkDirty flags pageID's frame dirty without changing its pin count.
func (bm *BufferManager) MarkDirty(pageID uint64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.cache.Peek(pageID)
	if !ok {
		return ErrPageNotFound
	}
	fr.page.MarkDirty()
	return nil
}

// flushFrameLocked writes fr's page through the Pager if dirty. Callers
// must hold bm.mu.
func (bm *BufferManager) flushFrameLocked(fr *frame) error {
	if !fr.page.IsDirty() {
		return nil
	}
	if err := bm.pager.Write(fr.page); err != nil {
		return err
	}
	bm.writes++
	return nil
}

// Flush writes pageID back to the Pager if dirty, without evicting it.
func (bm *BufferManager) Flush(pageID uint64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.cache.Peek(pageID)
	if !ok {
		return ErrPageNotFound
	}
	return bm.flushFrameLocked(fr)
}

// FlushAll writes every dirty resident page through the Pager and fsyncs
// the backend (spec.md §4.2 checkpoint support).
func (bm *BufferManager) FlushAll() error {
	bm.mu.Lock()
	var err error
	bm.cache.ForEach(func(_ uint64, fr *frame) bool {
		if ferr := bm.flushFrameLocked(fr); ferr != nil {
			err = ferr
			return false
		}
		return true
	})
	bm.mu.Unlock()
	if err != nil {
		return err
	}
	return bm.pager.Flush()
}

// evictLocked evicts the least-recently-used unpinned frame. Callers must
// hold bm.mu. Returns ErrBufferFull if every resident frame is pinned.
func (bm *BufferManager) evictLocked() error {
	candidates := bm.cache.KeysWhere(func(_ uint64, fr *frame) bool {
		return atomic.LoadInt32(&fr.pinned) == 0
	})
	if len(candidates) == 0 {
		return ErrBufferFull
	}
	// KeysWhere walks MRU->LRU; the last match is the least recently used.
	victim := candidates[len(candidates)-1]
	fr, ok := bm.cache.Peek(victim)
	if !ok {
		return nil
	}
	if err := bm.flushFrameLocked(fr); err != nil {
		return fmt.Errorf("storage: evict page %d: %w", victim, err)
	}
	bm.cache.Remove(victim)
	return nil
}

// Evict forces eviction of the least-recently-used unpinned page, for
// explicit cache-pressure testing (spec.md §4.2).
func (bm *BufferManager) Evict() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.evictLocked()
}

// Clear flushes and evicts every unpinned page.
func (bm *BufferManager) Clear() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for {
		victims := bm.cache.KeysWhere(func(_ uint64, fr *frame) bool {
			return atomic.LoadInt32(&fr.pinned) == 0
		})
		if len(victims) == 0 {
			return nil
		}
		fr, _ := bm.cache.Peek(victims[0])
		if err := bm.flushFrameLocked(fr); err != nil {
			return err
		}
		bm.cache.Remove(victims[0])
	}
}

// Close flushes all dirty pages and closes the underlying Pager.
func (bm *BufferManager) Close() error {
	if err := bm.FlushAll(); err != nil {
		return err
	}
	return bm.pager.Close()
}

// PageCount returns the number of pages currently resident in the cache.
func (bm *BufferManager) PageCount() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.cache.Len()
}

// Utilization returns resident pages / capacity.
func (bm *BufferManager) Utilization() float64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.capacity == 0 {
		return 0
	}
	return float64(bm.cache.Len()) / float64(bm.capacity)
}

// Stats returns a snapshot of fetch/hit/miss/write counters.
func (bm *BufferManager) Stats() Stats {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return Stats{Fetches: bm.fetches, Hits: bm.hits, Misses: bm.misses, Writes: bm.writes}
}
