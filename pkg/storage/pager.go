package storage

import (
	"fmt"
	"sync"
)

// ErrInvalidPageSize is returned by OpenPager when pageSize fails validation.
type ErrInvalidPageSize struct {
	PageSize int
}

func (e *ErrInvalidPageSize) Error() string {
	return fmt.Sprintf("storage: invalid page size %d: must be a power of two in [%d, %d]", e.PageSize, PageSize, MaxPageSize)
}

// Pager manages a single backend as an array of fixed-size pages,
// allocating, reading, writing, and flushing them (spec.md §4.1). It is
// the component the BufferManager wraps; the Pager itself is stateless
// beyond the backend handle and a free-list of reusable page ids.
type Pager struct {
	backend    Backend
	pageSize   int
	verifyCRC  bool
	mu         sync.Mutex
	freeList   []uint64
	nextPageID uint64
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// OpenPager wraps backend with page-level addressing. pageSize must be a
// power of two >= PageSize and <= MaxPageSize.
func OpenPager(backend Backend, pageSize int, verifyChecksums bool) (*Pager, error) {
	if pageSize < PageSize || pageSize > MaxPageSize || !isPowerOfTwo(pageSize) {
		return nil, &ErrInvalidPageSize{PageSize: pageSize}
	}

	p := &Pager{
		backend:   backend,
		pageSize:  pageSize,
		verifyCRC: verifyChecksums,
	}

	size := backend.Size()
	if size == 0 {
		p.nextPageID = 1 // page 0 is reserved for the meta page
	} else {
		p.nextPageID = uint64(size) / uint64(pageSize)
	}
	return p, nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the total number of pages ever allocated (including
// freed ones still occupying file space).
func (p *Pager) PageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextPageID
}

// Allocate reserves a new page id (reusing a freed one if available),
// returning a zeroed page of the given type ready to be written.
func (p *Pager) Allocate(pageType PageType) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id uint64
	if len(p.freeList) > 0 {
		id = p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
	} else {
		id = p.nextPageID
		p.nextPageID++
	}

	return NewPage(id, pageType, p.pageSize), nil
}

// Free returns pageID to the free list for reuse by a future Allocate.
func (p *Pager) Free(pageID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList = append(p.freeList, pageID)
}

// Read loads pageID from the backend, validating the header magic, page
// id, and (if enabled) CRC.
func (p *Pager) Read(pageID uint64) (*Page, error) {
	buf := make([]byte, p.pageSize)
	offset := int64(pageID) * int64(p.pageSize)
	if _, err := p.backend.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", pageID, err)
	}

	page := &Page{Data: buf}
	if err := page.DeserializeHeader(p.verifyCRC); err != nil {
		return nil, err
	}
	if page.Header.PageID != pageID {
		return nil, ErrPageCorrupted
	}
	return page, nil
}

// Write recomputes the page's CRC and writes it to the backend. Writes are
// not atomic on their own; durability is provided by the WAL (spec.md §4.1).
func (p *Pager) Write(page *Page) error {
	page.SerializeHeader()
	offset := int64(page.Header.PageID) * int64(p.pageSize)
	if _, err := p.backend.WriteAt(page.Data, offset); err != nil {
		return fmt.Errorf("storage: write page %d: %w", page.Header.PageID, err)
	}
	page.MarkClean()
	return nil
}

// Flush fsyncs the backend.
func (p *Pager) Flush() error {
	return p.backend.Sync()
}

// Close closes the underlying backend.
func (p *Pager) Close() error {
	return p.backend.Close()
}
