// Package heap maps variable-length entity records onto DATA pages
// managed by a storage.BufferManager: a slot directory per page plus a
// freespace-bucket map for O(1) placement (spec.md §4.6).
//
// There is no equivalent in the teacher repo — its row storage was a
// "// Temporary: simple in-memory storage" map in pkg/catalog, never a
// page-backed heap — so this package is new, grounded on the teacher's
// page/slot primitives (pkg/storage/page.go) and btree.go's pattern of
// driving pages through a BufferManager rather than a raw Backend.
package heap

import (
	"errors"
	"sort"

	"github.com/nestdb/nestdb/pkg/storage"
)

var (
	ErrNotFound      = errors.New("heap: record not found")
	ErrRecordTooLarge = errors.New("heap: record exceeds the maximum size a page can hold")
)

// Locator addresses a record within the heap: a page id and slot index.
type Locator struct {
	PageID uint64
	Slot   int
}

// bucketGranularity is the width of one freespace bucket: pages are bucketed
// by contiguous free space rounded down to the nearest 256 bytes, for O(1)
// placement (spec.md §4.6).
const bucketGranularity = 256

// Heap owns a set of DATA pages on one BufferManager and places new
// records in the first page with enough free space, falling back to a
// freshly allocated page.
type Heap struct {
	bm *storage.BufferManager

	// buckets maps a free-space bucket (bytes / bucketGranularity) to the
	// set of DATA page ids known to have at least that much room. This is
	// advisory only: placement always double-checks FreeSpace() on the
	// candidate page before committing to it, and re-buckets afterward.
	buckets map[int]map[uint64]struct{}
	pageOf  map[uint64]int // page id -> its current bucket, for removal
}

// Open creates a Heap over bm. pages lists the DATA page ids already
// belonging to this heap (empty for a brand-new collection).
func Open(bm *storage.BufferManager, pages []uint64) (*Heap, error) {
	h := &Heap{
		bm:      bm,
		buckets: make(map[int]map[uint64]struct{}),
		pageOf:  make(map[uint64]int),
	}
	for _, pageID := range pages {
		page, err := bm.Fetch(pageID)
		if err != nil {
			return nil, err
		}
		h.bucketPage(page)
		bm.Unpin(pageID, false)
	}
	return h, nil
}

func bucketOf(freeBytes int) int {
	if freeBytes < 0 {
		return 0
	}
	return freeBytes / bucketGranularity
}

// bucketPage records page's current free space in the bucket map,
// removing any stale entry for it first.
func (h *Heap) bucketPage(page *storage.Page) {
	id := page.Header.PageID
	if old, ok := h.pageOf[id]; ok {
		delete(h.buckets[old], id)
	}
	b := bucketOf(page.FreeSpace())
	if h.buckets[b] == nil {
		h.buckets[b] = make(map[uint64]struct{})
	}
	h.buckets[b][id] = struct{}{}
	h.pageOf[id] = b
}

// candidatePages returns DATA page ids that might fit needed bytes,
// largest-bucket-first, so placement tends to fill emptier pages first.
func (h *Heap) candidatePages(needed int) []uint64 {
	minBucket := bucketOf(needed)
	var buckets []int
	for b := range h.buckets {
		if b >= minBucket {
			buckets = append(buckets, b)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(buckets)))

	var pages []uint64
	for _, b := range buckets {
		for id := range h.buckets[b] {
			pages = append(pages, id)
		}
	}
	return pages
}

// Put writes body as a new record, allocating a page if no resident page
// has room. Returns the record's locator.
func (h *Heap) Put(body []byte, pageSize int) (Locator, error) {
	needed := len(body) + storage.SlotEntrySize
	if needed > pageSize-storage.PageHeaderSize {
		return Locator{}, ErrRecordTooLarge
	}

	for _, pageID := range h.candidatePages(needed) {
		page, err := h.bm.Fetch(pageID)
		if err != nil {
			continue
		}
		if page.FreeSpace() < needed && page.FreeSpace()+page.TombstonedBytes() >= needed {
			page.Compact()
			h.bucketPage(page)
		}
		if page.FreeSpace() >= needed {
			slot, err := page.AppendSlot(body)
			if err != nil {
				h.bm.Unpin(pageID, false)
				continue
			}
			h.bucketPage(page)
			h.bm.Unpin(pageID, true)
			return Locator{PageID: pageID, Slot: slot}, nil
		}
		h.bm.Unpin(pageID, false)
	}

	page, err := h.bm.Allocate(storage.PageTypeData)
	if err != nil {
		return Locator{}, err
	}
	slot, err := page.AppendSlot(body)
	if err != nil {
		h.bm.Unpin(page.Header.PageID, false)
		return Locator{}, err
	}
	h.bucketPage(page)
	h.bm.Unpin(page.Header.PageID, true)
	return Locator{PageID: page.Header.PageID, Slot: slot}, nil
}

// Get returns a copy of the record bytes at loc.
func (h *Heap) Get(loc Locator) ([]byte, error) {
	page, err := h.bm.Fetch(loc.PageID)
	if err != nil {
		return nil, err
	}
	defer h.bm.Unpin(loc.PageID, false)

	body, err := page.ReadSlotBody(loc.Slot)
	if err != nil {
		if errors.Is(err, storage.ErrSlotTombstoned) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// Update overwrites the record at loc with body, if it fits in place;
// otherwise it tombstones the old slot and places body at a new locator
// (spec.md §3 "Lifecycles": mutate in place when it fits, else relocate).
func (h *Heap) Update(loc Locator, body []byte, pageSize int) (Locator, error) {
	page, err := h.bm.Fetch(loc.PageID)
	if err != nil {
		return Locator{}, err
	}

	_, length, flags, ok := page.Slot(loc.Slot)
	if !ok || flags&storage.SlotTombstone != 0 {
		h.bm.Unpin(loc.PageID, false)
		return Locator{}, ErrNotFound
	}

	if len(body) <= int(length) {
		if err := page.WriteSlotBody(loc.Slot, body); err != nil {
			h.bm.Unpin(loc.PageID, false)
			return Locator{}, err
		}
		h.bucketPage(page)
		h.bm.Unpin(loc.PageID, true)
		return loc, nil
	}

	if err := page.Tombstone(loc.Slot); err != nil {
		h.bm.Unpin(loc.PageID, false)
		return Locator{}, err
	}
	h.bucketPage(page)
	h.bm.Unpin(loc.PageID, true)

	return h.Put(body, pageSize)
}

// Delete tombstones the record at loc.
func (h *Heap) Delete(loc Locator) error {
	page, err := h.bm.Fetch(loc.PageID)
	if err != nil {
		return err
	}
	defer h.bm.Unpin(loc.PageID, true)

	if err := page.Tombstone(loc.Slot); err != nil {
		return err
	}
	h.bucketPage(page)
	return nil
}

// ScanFunc is called once per live record during a Scan; returning false
// stops the scan early.
type ScanFunc func(loc Locator, body []byte) bool

// Scan walks every live slot on every page known to the heap, in page-id
// then slot order (spec.md §4.9 full-scan query execution).
func (h *Heap) Scan(fn ScanFunc) error {
	pageIDs := make([]uint64, 0, len(h.pageOf))
	for id := range h.pageOf {
		pageIDs = append(pageIDs, id)
	}
	sort.Slice(pageIDs, func(i, j int) bool { return pageIDs[i] < pageIDs[j] })

	for _, pageID := range pageIDs {
		page, err := h.bm.Fetch(pageID)
		if err != nil {
			return err
		}
		stop := false
		for i := 0; i < int(page.Header.SlotCount); i++ {
			body, err := page.ReadSlotBody(i)
			if err != nil {
				if errors.Is(err, storage.ErrSlotTombstoned) {
					continue
				}
				h.bm.Unpin(pageID, false)
				return err
			}
			if !fn(Locator{PageID: pageID, Slot: i}, body) {
				stop = true
				break
			}
		}
		h.bm.Unpin(pageID, false)
		if stop {
			break
		}
	}
	return nil
}

// PageIDs returns the DATA page ids currently known to this heap, for
// persisting the collection's page list at checkpoint time.
func (h *Heap) PageIDs() []uint64 {
	ids := make([]uint64, 0, len(h.pageOf))
	for id := range h.pageOf {
		ids = append(ids, id)
	}
	return ids
}
