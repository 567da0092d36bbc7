package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// PageSize is the default page size (4KB); must be a power of two >= 4096
// (spec.md §3). MaxPageSize bounds how large a configured page may be.
const (
	PageSize    = 4096
	MaxPageSize = 65536
)

var (
	ErrInvalidPageID   = errors.New("storage: invalid page ID")
	ErrInvalidPageType = errors.New("storage: invalid page type")
	ErrPageCorrupted   = errors.New("storage: page is corrupted")
	// ErrChecksumMismatch is returned instead of ErrPageCorrupted specifically
	// when the structural header is intact but the body CRC does not match
	// (spec.md §8 S6), so callers can tell "bit flip in a verified page" apart
	// from "header is nonsense".
	ErrChecksumMismatch = errors.New("storage: page checksum mismatch")
)

// PageType tags what a page's body holds (spec.md §3).
type PageType uint8

const (
	PageTypeMeta          PageType = 0x01
	PageTypeData          PageType = 0x02
	PageTypeIndexInternal PageType = 0x03
	PageTypeIndexLeaf     PageType = 0x04
	PageTypeHashBucket    PageType = 0x05
	PageTypeFreespace     PageType = 0x06
)

// PageHeaderSize is the fixed 24-byte on-disk header (spec.md §6 byte layout).
const PageHeaderSize = 24

// Magic is the 4-byte page file signature (spec.md §6).
var Magic = [4]byte{0x44, 0x42, 0x50, 0x01}

// PageHeader is the 24-byte header stored at the start of every page.
type PageHeader struct {
	PageType        PageType
	PageID          uint64
	SlotCount       uint16
	FreeSpaceOffset uint16 // boundary between the slot directory and the record-body area, growing down from the page's size
	CRC             uint32
}

// SlotFlags tags a slot directory entry's state.
type SlotFlags uint8

const (
	SlotLive      SlotFlags = 0x01
	SlotTombstone SlotFlags = 0x02
)

// SlotEntrySize is the fixed size of one slot directory entry: offset(2) +
// length(2) + flags(1).
const SlotEntrySize = 5

// Page is a fixed-size buffer with a typed header, a slot directory
// growing upward from the header, and record bodies growing downward from
// the tail (spec.md §3/§4.2).
type Page struct {
	Header PageHeader
	Data   []byte // len(Data) == page size, header occupies bytes [0:PageHeaderSize)
	dirty  bool
}

// NewPage allocates a zeroed page of the given type and id.
func NewPage(pageID uint64, pageType PageType, pageSize int) *Page {
	p := &Page{
		Data: make([]byte, pageSize),
		Header: PageHeader{
			PageType:        pageType,
			PageID:          pageID,
			SlotCount:       0,
			FreeSpaceOffset: uint16(pageSize),
		},
	}
	p.SerializeHeader()
	return p
}

// SerializeHeader writes the header fields into Data[0:PageHeaderSize].
func (p *Page) SerializeHeader() {
	copy(p.Data[0:4], Magic[:])
	p.Data[4] = byte(p.Header.PageType)
	p.Data[5] = 0
	p.Data[6] = 0
	p.Data[7] = 0
	binary.LittleEndian.PutUint64(p.Data[8:16], p.Header.PageID)
	binary.LittleEndian.PutUint16(p.Data[16:18], p.Header.SlotCount)
	binary.LittleEndian.PutUint16(p.Data[18:20], p.Header.FreeSpaceOffset)
	binary.LittleEndian.PutUint32(p.Data[20:24], p.checksum())
}

// DeserializeHeader reads the header fields out of Data, validating the
// magic and CRC. verifyChecksum controls whether the CRC is recomputed and
// compared. The Pager passes its configured setting on every read,
// recovery included; nothing forces verification on during recovery.
func (p *Page) DeserializeHeader(verifyChecksum bool) error {
	if len(p.Data) < PageHeaderSize {
		return ErrPageCorrupted
	}
	var magic [4]byte
	copy(magic[:], p.Data[0:4])
	if magic != Magic {
		return ErrPageCorrupted
	}
	p.Header.PageType = PageType(p.Data[4])
	p.Header.PageID = binary.LittleEndian.Uint64(p.Data[8:16])
	p.Header.SlotCount = binary.LittleEndian.Uint16(p.Data[16:18])
	p.Header.FreeSpaceOffset = binary.LittleEndian.Uint16(p.Data[18:20])
	p.Header.CRC = binary.LittleEndian.Uint32(p.Data[20:24])

	if verifyChecksum {
		if p.checksum() != p.Header.CRC {
			return ErrChecksumMismatch
		}
	}
	return nil
}

// checksum computes the CRC32 of everything after the header.
func (p *Page) checksum() uint32 {
	return crc32.ChecksumIEEE(p.Data[PageHeaderSize:])
}

// IsDirty reports whether the page has unflushed in-memory modifications.
func (p *Page) IsDirty() bool { return p.dirty }

// MarkDirty sets the dirty bit (spec.md §4.2).
func (p *Page) MarkDirty() { p.dirty = true }

// MarkClean clears the dirty bit, called after a successful flush.
func (p *Page) MarkClean() { p.dirty = false }

// FreeSpace returns the free bytes between the end of the slot directory
// and the start of the record-body area (spec.md §4.6). Because this
// layout uses a single contiguous free region, contiguous and total free
// space are the same value until Compact is needed after tombstones.
func (p *Page) FreeSpace() int {
	slotDirEnd := PageHeaderSize + int(p.Header.SlotCount)*SlotEntrySize
	return int(p.Header.FreeSpaceOffset) - slotDirEnd
}

// TombstonedBytes returns the body bytes held by tombstoned slots, i.e.
// the space Compact would reclaim on top of FreeSpace().
func (p *Page) TombstonedBytes() int {
	total := 0
	for i := 0; i < int(p.Header.SlotCount); i++ {
		_, length, flags, _ := p.Slot(i)
		if flags&SlotTombstone != 0 {
			total += int(length)
		}
	}
	return total
}

// slotOffset returns the byte offset of slot i's directory entry.
func slotOffset(i int) int { return PageHeaderSize + i*SlotEntrySize }

// Slot reads the i-th slot directory entry: (body offset, body length, flags).
func (p *Page) Slot(i int) (offset uint16, length uint16, flags SlotFlags, ok bool) {
	if i < 0 || i >= int(p.Header.SlotCount) {
		return 0, 0, 0, false
	}
	o := slotOffset(i)
	offset = binary.LittleEndian.Uint16(p.Data[o : o+2])
	length = binary.LittleEndian.Uint16(p.Data[o+2 : o+4])
	flags = SlotFlags(p.Data[o+4])
	return offset, length, flags, true
}

// setSlot writes slot i's directory entry.
func (p *Page) setSlot(i int, offset, length uint16, flags SlotFlags) {
	o := slotOffset(i)
	binary.LittleEndian.PutUint16(p.Data[o:o+2], offset)
	binary.LittleEndian.PutUint16(p.Data[o+2:o+4], length)
	p.Data[o+4] = byte(flags)
}

// ErrSlotTombstoned is returned when reading a deleted slot.
var ErrSlotTombstoned = errors.New("storage: slot is tombstoned")

// AppendSlot places body at the tail of the free region and appends a new
// LIVE slot directory entry pointing at it. Returns the new slot index.
// The caller must have already checked FreeSpace() >= len(body)+SlotEntrySize.
func (p *Page) AppendSlot(body []byte) (int, error) {
	needed := len(body) + SlotEntrySize
	if p.FreeSpace() < needed {
		return 0, errors.New("storage: page has insufficient free space")
	}
	newOffset := int(p.Header.FreeSpaceOffset) - len(body)
	copy(p.Data[newOffset:newOffset+len(body)], body)

	idx := int(p.Header.SlotCount)
	p.Header.SlotCount++
	p.Header.FreeSpaceOffset = uint16(newOffset)
	p.setSlot(idx, uint16(newOffset), uint16(len(body)), SlotLive)
	p.MarkDirty()
	return idx, nil
}

// ReadSlotBody returns a copy of the record bytes stored in slot i.
func (p *Page) ReadSlotBody(i int) ([]byte, error) {
	offset, length, flags, ok := p.Slot(i)
	if !ok {
		return nil, errors.New("storage: no such slot")
	}
	if flags&SlotTombstone != 0 {
		return nil, ErrSlotTombstoned
	}
	out := make([]byte, length)
	copy(out, p.Data[offset:int(offset)+int(length)])
	return out, nil
}

// WriteSlotBody overwrites slot i's body in place; the caller must ensure
// len(body) <= the slot's current length. It does not reclaim the
// difference if body is shorter than the existing slot.
func (p *Page) WriteSlotBody(i int, body []byte) error {
	offset, length, _, ok := p.Slot(i)
	if !ok {
		return errors.New("storage: no such slot")
	}
	if len(body) > int(length) {
		return errors.New("storage: body does not fit in existing slot")
	}
	copy(p.Data[offset:int(offset)+len(body)], body)
	p.setSlot(i, offset, uint16(len(body)), SlotLive)
	p.MarkDirty()
	return nil
}

// Tombstone marks slot i deleted without compacting the page.
func (p *Page) Tombstone(i int) error {
	offset, length, _, ok := p.Slot(i)
	if !ok {
		return errors.New("storage: no such slot")
	}
	p.setSlot(i, offset, length, SlotTombstone)
	p.MarkDirty()
	return nil
}

// Compact rewrites all LIVE slot bodies contiguously at the tail of the
// page, reclaiming space held by tombstones (spec.md §4.6 lazy compaction).
func (p *Page) Compact() {
	type liveSlot struct {
		idx  int
		body []byte
	}
	var live []liveSlot
	for i := 0; i < int(p.Header.SlotCount); i++ {
		offset, length, flags, _ := p.Slot(i)
		if flags&SlotTombstone != 0 {
			continue
		}
		body := make([]byte, length)
		copy(body, p.Data[offset:int(offset)+int(length)])
		live = append(live, liveSlot{idx: i, body: body})
	}

	cursor := len(p.Data)
	for _, ls := range live {
		cursor -= len(ls.body)
		copy(p.Data[cursor:cursor+len(ls.body)], ls.body)
		p.setSlot(ls.idx, uint16(cursor), uint16(len(ls.body)), SlotLive)
	}
	p.Header.FreeSpaceOffset = uint16(cursor)
	p.MarkDirty()
}

// MetaPage is the database metadata stored in page 0 (spec.md §6).
type MetaPage struct {
	Magic          [4]byte
	Version        uint32
	PageSize       uint32
	PageCount      uint32
	FreeListID     uint64
	TxnCounter     uint64
	LastCheckpoint uint64
}

const (
	MagicString   = "NDBP"
	FormatVersion = 1
)

// NewMetaPage creates the initial metadata page for a fresh database.
func NewMetaPage(pageSize int) *MetaPage {
	return &MetaPage{
		Magic:     [4]byte{'N', 'D', 'B', 'P'},
		Version:   FormatVersion,
		PageSize:  uint32(pageSize),
		PageCount: 1,
	}
}

// Serialize writes m into data (must be at least 40 bytes).
func (m *MetaPage) Serialize(data []byte) {
	copy(data[0:4], m.Magic[:])
	binary.LittleEndian.PutUint32(data[4:8], m.Version)
	binary.LittleEndian.PutUint32(data[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(data[12:16], m.PageCount)
	binary.LittleEndian.PutUint64(data[16:24], m.FreeListID)
	binary.LittleEndian.PutUint64(data[24:32], m.TxnCounter)
	binary.LittleEndian.PutUint64(data[32:40], m.LastCheckpoint)
}

// Deserialize reads m from data.
func (m *MetaPage) Deserialize(data []byte) error {
	if len(data) < 40 {
		return ErrPageCorrupted
	}
	copy(m.Magic[:], data[0:4])
	m.Version = binary.LittleEndian.Uint32(data[4:8])
	m.PageSize = binary.LittleEndian.Uint32(data[8:12])
	m.PageCount = binary.LittleEndian.Uint32(data[12:16])
	m.FreeListID = binary.LittleEndian.Uint64(data[16:24])
	m.TxnCounter = binary.LittleEndian.Uint64(data[24:32])
	m.LastCheckpoint = binary.LittleEndian.Uint64(data[32:40])

	if string(m.Magic[:]) != MagicString {
		return ErrPageCorrupted
	}
	return nil
}

// Validate checks the meta page against the configured page size.
func (m *MetaPage) Validate(expectedPageSize int) error {
	if string(m.Magic[:]) != MagicString {
		return ErrPageCorrupted
	}
	if m.Version != FormatVersion {
		return errors.New("storage: unsupported database version")
	}
	if int(m.PageSize) != expectedPageSize {
		return errors.New("storage: page size does not match database")
	}
	return nil
}
