package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrWALCorrupted = errors.New("storage: WAL is corrupted")
	ErrWALClosed    = errors.New("storage: WAL is closed")
)

// WALRecordType tags what a WAL record carries (spec.md §4.3).
type WALRecordType uint8

const (
	WALBegin      WALRecordType = 0x01
	WALInsert     WALRecordType = 0x02
	WALUpdate     WALRecordType = 0x03
	WALDelete     WALRecordType = 0x04
	WALCommit     WALRecordType = 0x05
	WALRollback   WALRecordType = 0x06
	WALCheckpoint WALRecordType = 0x07
)

// walHeaderSize is the fixed 25-byte record header: lsn(8) + txn_id(8) +
// type(1) + length(4) + crc(4) (spec.md §6).
const walHeaderSize = 8 + 8 + 1 + 4 + 4

// WALRecord is a single write-ahead log entry. Payload carries a
// msgpack-encoded {Collection, EntityID, Body} logical operation rather
// than a raw page byte range: nestdb's WAL is logical (collection/entity
// granularity), redone against the record heap and indexes during
// recovery, because the document engine's unit of change is an entity,
// not a page offset.
type WALRecord struct {
	LSN     uint64
	TxnID   uint64
	Type    WALRecordType
	Payload []byte
}

// WALPayload is the logical body of an INSERT/UPDATE/DELETE record.
type WALPayload struct {
	Collection string
	EntityID   string
	Body       []byte // encoded record bytes (value.Codec.Encode output); nil for DELETE
}

// EncodePayload msgpack-encodes p for use as a WALRecord's Payload.
func EncodePayload(p WALPayload) ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (WALPayload, error) {
	var p WALPayload
	err := msgpack.Unmarshal(data, &p)
	return p, err
}

// WAL is the write-ahead log providing durability and crash recovery
// (spec.md §4.3): every mutation is appended and, for COMMIT records,
// fsynced before the transaction is acknowledged.
type WAL struct {
	file       *os.File
	mu         sync.Mutex
	bufWriter  *bufio.Writer
	lsn        uint64
	checkpoint uint64
	path       string
}

// OpenWAL opens or creates a WAL file at path, scanning it to recover the
// current LSN and last checkpoint.
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open WAL file: %w", err)
	}

	w := &WAL{
		file:      file,
		bufWriter: bufio.NewWriter(file),
		path:      path,
	}

	if err := w.scan(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// scan reads every record in the file to find the current LSN and last
// checkpoint, leaving the file positioned at the end for appending.
func (w *WAL) scan() error {
	stat, err := w.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		return nil
	}

	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	reader := bufio.NewReader(w.file)

	var lastLSN uint64
	for {
		record, err := readRecord(reader)
		if err != nil {
			break
		}
		lastLSN = record.LSN
		if record.Type == WALCheckpoint {
			w.checkpoint = record.LSN
		}
	}
	w.lsn = lastLSN

	_, err = w.file.Seek(0, 2)
	return err
}

// readRecord reads one record (header, whose last field is the CRC, then
// payload) from r.
func readRecord(r *bufio.Reader) (*WALRecord, error) {
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	record := &WALRecord{
		LSN:   binary.LittleEndian.Uint64(header[0:8]),
		TxnID: binary.LittleEndian.Uint64(header[8:16]),
		Type:  WALRecordType(header[16]),
	}
	length := binary.LittleEndian.Uint32(header[17:21])
	storedCRC := binary.LittleEndian.Uint32(header[21:25])

	if length > 0 {
		record.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, record.Payload); err != nil {
			return nil, err
		}
	}

	if crc32.ChecksumIEEE(record.Payload) != storedCRC {
		return nil, ErrWALCorrupted
	}
	return record, nil
}

// Append writes a record, assigning it the next LSN. COMMIT records are
// flushed and fsynced before returning so a transaction is never
// acknowledged before its commit is durable (spec.md §4.3/§5.6).
func (w *WAL) Append(txnID uint64, recordType WALRecordType, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrWALClosed
	}

	w.lsn++
	lsn := w.lsn

	header := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], lsn)
	binary.LittleEndian.PutUint64(header[8:16], txnID)
	header[16] = byte(recordType)
	binary.LittleEndian.PutUint32(header[17:21], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[21:25], crc32.ChecksumIEEE(payload))

	if _, err := w.bufWriter.Write(header); err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := w.bufWriter.Write(payload); err != nil {
			return 0, err
		}
	}

	if recordType == WALCommit || recordType == WALCheckpoint {
		if err := w.bufWriter.Flush(); err != nil {
			return 0, err
		}
		if err := w.file.Sync(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// Applier applies a recovered logical operation to the storage engine.
// pkg/engine's recovery path implements this against the record heap and
// index manager; WAL itself has no knowledge of either.
type Applier interface {
	ApplyInsert(collection, entityID string, body []byte) error
	ApplyUpdate(collection, entityID string, body []byte) error
	ApplyDelete(collection, entityID string) error
}

// Recover replays the log against applier: records are buffered per
// transaction until a COMMIT is seen, then replayed in order; a
// transaction with no COMMIT (or an explicit ROLLBACK) is discarded
// in a single pass over the log (spec.md §4.3 recovery, §8 crash-recovery
// scenarios).
func (w *WAL) Recover(applier Applier) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrWALClosed
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	reader := bufio.NewReader(w.file)

	pending := make(map[uint64][]*WALRecord)

	for {
		record, err := readRecord(reader)
		if err != nil {
			break
		}

		switch record.Type {
		case WALBegin:
			pending[record.TxnID] = nil
		case WALCommit:
			for _, r := range pending[record.TxnID] {
				if err := applyRecord(applier, r); err != nil {
					return err
				}
			}
			delete(pending, record.TxnID)
		case WALRollback:
			delete(pending, record.TxnID)
		case WALInsert, WALUpdate, WALDelete:
			pending[record.TxnID] = append(pending[record.TxnID], record)
		case WALCheckpoint:
			// nothing to replay; marks a durability boundary only
		}
	}

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func applyRecord(applier Applier, record *WALRecord) error {
	payload, err := DecodePayload(record.Payload)
	if err != nil {
		return fmt.Errorf("storage: decode WAL payload at lsn %d: %w", record.LSN, err)
	}
	switch record.Type {
	case WALInsert:
		return applier.ApplyInsert(payload.Collection, payload.EntityID, payload.Body)
	case WALUpdate:
		return applier.ApplyUpdate(payload.Collection, payload.EntityID, payload.Body)
	case WALDelete:
		return applier.ApplyDelete(payload.Collection, payload.EntityID)
	}
	return nil
}

// Checkpoint writes a CHECKPOINT record and truncates the log: callers
// must have already flushed all dirty pages/heap state to the main data
// files before calling this, since the truncated log can no longer
// reconstruct anything before the checkpoint (spec.md §4.3).
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	if w.file == nil {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.mu.Unlock()

	lsn, err := w.Append(0, WALCheckpoint, nil)
	if err != nil {
		return fmt.Errorf("storage: write checkpoint record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpoint = lsn

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	w.bufWriter = bufio.NewWriter(w.file)
	w.lsn = 0
	w.checkpoint = 0
	return nil
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.bufWriter.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// LSN returns the most recently assigned log sequence number.
func (w *WAL) LSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// CheckpointLSN returns the LSN of the CHECKPOINT record found when the log
// was opened, or 0 if there was none. Checkpoint truncates the log and
// resets it to 0.
func (w *WAL) CheckpointLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}
