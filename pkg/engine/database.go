// Package engine wires storage, indexing, transactions, and recovery into
// the single DB handle applications open (spec.md §1 overview). It is the
// one place that knows about every other package.
//
// Grounded on the teacher's pkg/engine/database.go lifecycle (Open/
// initialize/createNew/loadExisting/Close), generalized from one shared
// B+tree catalog of SQL tables to a directory of independent per-collection
// heap files sharing one WAL and one transaction manager.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/nestdb/nestdb/pkg/collection"
	"github.com/nestdb/nestdb/pkg/entity"
	"github.com/nestdb/nestdb/pkg/heap"
	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/storage"
	"github.com/nestdb/nestdb/pkg/txn"
	"github.com/nestdb/nestdb/pkg/value"
)

// ErrDatabaseClosed is not returned by any DB method: use after Close is
// reported as ErrNotOpen.
var ErrDatabaseClosed = errors.New("engine: database is closed")

const (
	heapFileSuffix = ".db"
	walFileName    = "wal.log"
)

// SyncMode names WAL fsync policies. Nothing in this package consumes it
// (Options has no SyncMode field): the WAL fsyncs on every COMMIT and
// CHECKPOINT regardless.
type SyncMode int

const (
	SyncNormal SyncMode = iota
	SyncOff
)

// Options configures an open Database (spec.md §3/§6).
type Options struct {
	PageSize         int
	CacheSize        int // buffer manager capacity, in pages, per collection
	InMemory         bool
	VerifyChecksums  bool
	CompressionLevel int // 0 disables gzip; 1-9 is the gzip level
	Encryption       *value.EncryptionService
}

// DefaultOptions returns sensible defaults: a 4KB page, a 1024-page
// (4MB) buffer pool per collection, checksum verification on, and no
// compression or encryption.
func DefaultOptions() *Options {
	return &Options{
		PageSize:        storage.PageSize,
		CacheSize:       1024,
		InMemory:        false,
		VerifyChecksums: true,
	}
}

func (o *Options) codec() value.Codec {
	return value.Codec{CompressionLevel: o.CompressionLevel, Encryption: o.Encryption}
}

// collEntry bundles one collection's private storage stack: its own
// backend, pager, and buffer manager (spec.md §3 "one heap file of data
// pages" per collection), plus the Go type it was opened with, if any.
type collEntry struct {
	backend storage.Backend
	bm      *storage.BufferManager
	heap    *heap.Heap
	indexes *index.Manager
	coll    *collection.Collection
	typ     reflect.Type
}

// DB is one open embedded database: a directory of per-collection heap
// files, a shared WAL, and a shared transaction manager (spec.md §3).
type DB struct {
	path    string
	dir     string // "" for in-memory databases
	opts    *Options
	wal     *storage.WAL
	txnMgr  *txn.Manager

	mu          sync.RWMutex
	collections map[string]*collEntry
	closed      bool
}

// Open opens or creates a database at path. path is a directory holding
// one file per collection plus the shared WAL; pass ":memory:" or set
// opts.InMemory for a transient, unpersisted database.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PageSize == 0 {
		opts.PageSize = storage.PageSize
	}

	db := &DB{
		path:        path,
		opts:        opts,
		collections: make(map[string]*collEntry),
	}

	if opts.InMemory || path == ":memory:" {
		db.txnMgr = txn.NewManager(db)
		return db, nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create database directory: %w", err)
	}
	db.dir = path

	wal, err := storage.OpenWAL(filepath.Join(path, walFileName))
	if err != nil {
		return nil, fmt.Errorf("engine: open WAL: %w", err)
	}
	db.wal = wal
	db.txnMgr = txn.NewManager(db)

	names, err := existingCollectionNames(path)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := db.openCollectionFile(name); err != nil {
			return nil, fmt.Errorf("engine: open collection %q: %w", name, err)
		}
	}

	if err := Recover(db); err != nil {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	return db, nil
}

func existingCollectionNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: list database directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), heapFileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), heapFileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// openCollectionFile opens (creating if absent) the on-disk heap file for
// name, wiring a fresh buffer manager, heap, and empty index manager.
func (db *DB) openCollectionFile(name string) (*collEntry, error) {
	backend, err := storage.OpenDisk(filepath.Join(db.dir, name+heapFileSuffix))
	if err != nil {
		return nil, err
	}
	return db.wireCollection(name, backend)
}

func (db *DB) wireCollection(name string, backend storage.Backend) (*collEntry, error) {
	pager, err := storage.OpenPager(backend, db.opts.PageSize, db.opts.VerifyChecksums)
	if err != nil {
		backend.Close()
		return nil, err
	}
	bm := storage.NewBufferManager(pager, db.opts.CacheSize)
	if db.wal != nil {
		bm.SetWAL(db.wal)
	}

	var pageIDs []uint64
	for id := uint64(1); id < pager.PageCount(); id++ {
		pageIDs = append(pageIDs, id)
	}
	h, err := heap.Open(bm, pageIDs)
	if err != nil {
		backend.Close()
		return nil, err
	}

	idx := index.NewManager()
	coll := collection.New(name, bm, h, idx, db.wal, db.txnMgr, db.opts.codec(), db.opts.PageSize)

	// Rebuild the primary locator from the live records already in the heap;
	// where one id has several live records, the highest __version wins.
	var scanErr error
	if err := h.Scan(func(loc heap.Locator, body []byte) bool {
		fields, err := db.opts.codec().Decode(body)
		if err != nil {
			scanErr = err
			return false
		}
		id, version := fields["id"].Str, uint64(fields[entity.VersionField].Int)
		if cur, ok := coll.CurrentVersionLocal(id); !ok || version >= cur {
			coll.RestoreLocator(id, loc, version)
		}
		return true
	}); err != nil || scanErr != nil {
		backend.Close()
		return nil, errors.Join(err, scanErr)
	}

	entry := &collEntry{backend: backend, bm: bm, heap: h, indexes: idx, coll: coll}
	db.collections[name] = entry
	return entry, nil
}

// Collection returns the untyped collection named name, creating it (and
// its on-disk heap file, for disk-backed databases) if it does not exist.
func (db *DB) Collection(name string) (*collection.Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrNotOpen
	}
	entry, err := db.collectionLocked(name)
	if err != nil {
		return nil, err
	}
	return entry.coll, nil
}

func (db *DB) collectionLocked(name string) (*collEntry, error) {
	if entry, ok := db.collections[name]; ok {
		return entry, nil
	}
	if db.dir == "" {
		return db.wireCollection(name, storage.NewMemory())
	}
	return db.openCollectionFile(name)
}

// Drop permanently removes a collection and its on-disk file, if any.
func (db *DB) Drop(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrNotOpen
	}
	entry, ok := db.collections[name]
	if !ok {
		return nil
	}
	entry.coll.Dispose()
	entry.backend.Close()
	delete(db.collections, name)
	if db.dir != "" {
		return os.Remove(filepath.Join(db.dir, name+heapFileSuffix))
	}
	return nil
}

// Names returns every currently open collection's name, sorted.
func (db *DB) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checkpoint flushes every collection's dirty pages and truncates the WAL,
// shrinking future recovery time (spec.md §4.1).
func (db *DB) Checkpoint() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, entry := range db.collections {
		if err := entry.bm.FlushAll(); err != nil {
			return err
		}
	}
	if db.wal != nil {
		return db.wal.Checkpoint()
	}
	return nil
}

// Close flushes and closes every collection and the shared WAL.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if db.wal != nil {
		for _, entry := range db.collections {
			if err := entry.bm.FlushAll(); err != nil {
				return err
			}
		}
		if err := db.wal.Checkpoint(); err != nil {
			return err
		}
	}

	for _, entry := range db.collections {
		entry.coll.Dispose()
		if err := entry.backend.Close(); err != nil {
			return err
		}
	}
	if db.wal != nil {
		return db.wal.Close()
	}
	return nil
}

// routedWrite pairs a collection's own opaque txn.PreparedWrite with the
// collEntry it belongs to, so DB.AppendWAL/Apply can dispatch back to the
// right collection without the transaction manager ever knowing there is
// more than one. All collections under one DB share db.wal, so BeginWAL/
// CommitWAL act on it directly rather than through any one collection.
type routedWrite struct {
	entry *collEntry
	inner txn.PreparedWrite
}

// Prepare implements txn.Applier, routing op to the collection it targets
// and validating it there, before anything is logged.
func (db *DB) Prepare(op txn.WriteOp) (txn.PreparedWrite, error) {
	db.mu.Lock()
	entry, err := db.collectionLocked(op.Collection)
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	inner, err := entry.coll.Prepare(op)
	if err != nil {
		return nil, err
	}
	return &routedWrite{entry: entry, inner: inner}, nil
}

// BeginWAL implements txn.Applier, appending the transaction's single
// BEGIN record to the database's shared WAL (spec.md §4.8 step 3).
func (db *DB) BeginWAL(txnID uint64) error {
	if db.wal == nil {
		return nil
	}
	_, err := db.wal.Append(txnID, storage.WALBegin, nil)
	return err
}

// AppendWAL implements txn.Applier, logging w's record through the
// collection that prepared it.
func (db *DB) AppendWAL(txnID uint64, w txn.PreparedWrite) error {
	rw, ok := w.(*routedWrite)
	if !ok {
		return fmt.Errorf("engine: unexpected prepared write type %T", w)
	}
	return rw.entry.coll.AppendWAL(txnID, rw.inner)
}

// CommitWAL implements txn.Applier, appending the transaction's single
// COMMIT record to the database's shared WAL.
func (db *DB) CommitWAL(txnID uint64) error {
	if db.wal == nil {
		return nil
	}
	_, err := db.wal.Append(txnID, storage.WALCommit, nil)
	return err
}

// Apply implements txn.Applier, applying w to the heap, locator, and
// indexes of the collection that prepared it.
func (db *DB) Apply(w txn.PreparedWrite) (uint64, error) {
	rw, ok := w.(*routedWrite)
	if !ok {
		return 0, fmt.Errorf("engine: unexpected prepared write type %T", w)
	}
	return rw.entry.coll.Apply(rw.inner)
}

// CurrentVersion implements txn.Applier, used by Serializable commit
// validation to detect a read-set entity that changed underneath a
// transaction.
func (db *DB) CurrentVersion(collectionName, entityID string) (uint64, bool) {
	db.mu.RLock()
	entry, ok := db.collections[collectionName]
	db.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return entry.coll.CurrentVersionLocal(entityID)
}
