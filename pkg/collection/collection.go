// Package collection implements the typed CRUD surface over one heap and
// its indexes: optimistic per-entity versioning, index maintenance, and
// query execution (spec.md §4.9).
//
// There is no teacher equivalent for a document collection — the closest
// analog is pkg/catalog/catalog.go's CRUD dispatch over SQL tables, whose
// "find the table, branch on statement kind, touch the btree" shape this
// package imitates with a collection, a heap, and an index manager in
// place of a table, a btree, and row storage.
package collection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nestdb/nestdb/pkg/entity"
	"github.com/nestdb/nestdb/pkg/heap"
	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/query"
	"github.com/nestdb/nestdb/pkg/storage"
	"github.com/nestdb/nestdb/pkg/txn"
	"github.com/nestdb/nestdb/pkg/value"
)

// planCacheCapacity/resultCacheCapacity and planCacheTTL bound the plan and
// result caches every collection carries (spec.md §4.9 "LRU with a
// configurable capacity and TTL"). Per-collection rather than global: each
// collection's query shapes and index set are independent.
const (
	planCacheCapacity   = 256
	resultCacheCapacity = 256
	planCacheTTL        = 5 * time.Minute
)

var (
	ErrNotFound           = errors.New("collection: entity not found")
	ErrDuplicateKey       = errors.New("collection: entity id already exists")
	ErrConcurrencyConflict = errors.New("collection: expected version does not match current version")
	ErrDisposed           = errors.New("collection: collection has been disposed")
)

// locatorEntry is the primary locator's value: where an entity's current
// record lives in the heap, and its version (spec.md §3 "id → (page_id,
// slot, version)").
type locatorEntry struct {
	Loc     heap.Locator
	Version uint64
}

// Collection is a named, typed set of entities backed by a heap, zero or
// more indexes, and the database's shared WAL (spec.md §3).
type Collection struct {
	Name string

	bm       *storage.BufferManager
	heap     *heap.Heap
	indexes  *index.Manager
	codec    value.Codec
	wal      *storage.WAL
	txnMgr   *txn.Manager
	pageSize int

	planCache   *query.PlanCache
	resultCache *query.ResultCache

	mu       sync.RWMutex
	locator  map[string]locatorEntry
	disposed bool
}

// New creates a collection over an already-open heap and index manager.
// The caller (pkg/engine) is responsible for wiring the shared WAL and
// transaction manager, since both span every collection in the database.
func New(name string, bm *storage.BufferManager, h *heap.Heap, idx *index.Manager, wal *storage.WAL, txnMgr *txn.Manager, codec value.Codec, pageSize int) *Collection {
	return &Collection{
		Name:        name,
		bm:          bm,
		heap:        h,
		indexes:     idx,
		codec:       codec,
		wal:         wal,
		txnMgr:      txnMgr,
		pageSize:    pageSize,
		planCache:   query.NewPlanCache(planCacheCapacity, int64(planCacheTTL), func() int64 { return time.Now().UnixNano() }),
		resultCache: query.NewResultCache(resultCacheCapacity),
		locator:     make(map[string]locatorEntry),
	}
}

// Heap exposes the underlying heap, for recovery/rebuild callers in
// pkg/engine.
func (c *Collection) Heap() *heap.Heap { return c.heap }

// Indexes exposes the index manager, for recovery/rebuild callers.
func (c *Collection) Indexes() *index.Manager { return c.indexes }

// Insert generates an id if fields has none, appends a WAL+heap record,
// and indexes it (spec.md §4.9 "generates id if absent; fails with
// DuplicateKey if id exists").
func (c *Collection) Insert(fields map[string]value.Value) (entity.Entity, error) {
	id, ok := fields["id"]
	var entityID string
	if ok && id.Kind == value.KindString && id.Str != "" {
		entityID = id.Str
	} else {
		entityID = entity.NewID()
	}

	c.mu.RLock()
	_, exists := c.locator[entityID]
	c.mu.RUnlock()
	if exists {
		return entity.Entity{}, ErrDuplicateKey
	}

	tx := c.txnMgr.Begin(txn.DefaultOptions())
	tx.Write(txn.WriteOp{Kind: txn.WriteInsert, Collection: c.Name, EntityID: entityID, Fields: cloneFields(fields)})
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, err
	}

	c.mu.RLock()
	le := c.locator[entityID]
	c.mu.RUnlock()
	return entity.Entity{ID: entityID, Fields: cloneFields(fields), Version: le.Version}, nil
}

// InsertMany inserts every entry in fields atomically within one implicit
// transaction: either all entries commit, or none of them are visible
// (spec.md §4.9 "insert_many(entities) — atomic within one implicit
// transaction").
func (c *Collection) InsertMany(fields []map[string]value.Value) ([]entity.Entity, error) {
	ids := make([]string, len(fields))
	clones := make([]map[string]value.Value, len(fields))

	tx := c.txnMgr.Begin(txn.DefaultOptions())
	for i, f := range fields {
		id, ok := f["id"]
		var entityID string
		if ok && id.Kind == value.KindString && id.Str != "" {
			entityID = id.Str
		} else {
			entityID = entity.NewID()
		}
		ids[i] = entityID
		clones[i] = cloneFields(f)
		tx.Write(txn.WriteOp{Kind: txn.WriteInsert, Collection: c.Name, EntityID: entityID, Fields: clones[i]})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]entity.Entity, len(fields))
	c.mu.RLock()
	for i, id := range ids {
		out[i] = entity.Entity{ID: id, Fields: clones[i], Version: c.locator[id].Version}
	}
	c.mu.RUnlock()
	return out, nil
}

// Update replaces id's fields if expectedVersion matches its current
// version (spec.md §4.9 optimistic concurrency).
func (c *Collection) Update(id string, newFields map[string]value.Value, expectedVersion uint64) (entity.Entity, error) {
	tx := c.txnMgr.Begin(txn.DefaultOptions())
	tx.Write(txn.WriteOp{
		Kind:            txn.WriteUpdate,
		Collection:      c.Name,
		EntityID:        id,
		Fields:          cloneFields(newFields),
		ExpectedVersion: expectedVersion,
	})
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, err
	}

	c.mu.RLock()
	le := c.locator[id]
	c.mu.RUnlock()
	return entity.Entity{ID: id, Fields: cloneFields(newFields), Version: le.Version}, nil
}

// Upsert inserts id if absent, otherwise updates it unconditionally
// (reading the current version first to satisfy the optimistic check).
func (c *Collection) Upsert(id string, fields map[string]value.Value) (entity.Entity, error) {
	c.mu.RLock()
	le, exists := c.locator[id]
	c.mu.RUnlock()
	if !exists {
		withID := cloneFields(fields)
		withID["id"] = value.String(id)
		return c.Insert(withID)
	}
	return c.Update(id, fields, le.Version)
}

// Delete tombstones id's record and removes it from every index.
func (c *Collection) Delete(id string) error {
	tx := c.txnMgr.Begin(txn.DefaultOptions())
	tx.Write(txn.WriteOp{Kind: txn.WriteDelete, Collection: c.Name, EntityID: id})
	return tx.Commit()
}

// DeleteAll deletes every entity currently in the collection.
func (c *Collection) DeleteAll() (int, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.locator))
	for id := range c.locator {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := c.Delete(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Get returns the current record for id.
func (c *Collection) Get(id string) (entity.Entity, error) {
	c.mu.RLock()
	le, exists := c.locator[id]
	c.mu.RUnlock()
	if !exists {
		return entity.Entity{}, ErrNotFound
	}

	body, err := c.heap.Get(le.Loc)
	if err != nil {
		if errors.Is(err, heap.ErrNotFound) {
			return entity.Entity{}, ErrNotFound
		}
		return entity.Entity{}, err
	}
	fields, err := c.codec.Decode(body)
	if err != nil {
		return entity.Entity{}, err
	}
	return entity.Entity{ID: id, Fields: fields, Version: le.Version}, nil
}

// Exists reports whether id currently exists in the collection.
func (c *Collection) Exists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locator[id]
	return ok
}

// Count returns how many live entities match pred (nil matches all).
func (c *Collection) Count(pred query.Predicate) (int, error) {
	n := 0
	err := c.Find(pred, func(entity.Entity) bool {
		n++
		return true
	})
	return n, err
}

// VisitFunc is invoked once per matching entity during Find; returning
// false stops iteration early.
type VisitFunc func(entity.Entity) bool

// Find evaluates pred (nil matches everything) against the collection,
// using an index when the optimizer selects one, falling back to a full
// heap scan otherwise (spec.md §4.9 query execution).
func (c *Collection) Find(pred query.Predicate, visit VisitFunc) error {
	if pred == nil {
		return c.scanAll(visit)
	}

	shape := query.FingerprintOf(pred)
	fields := make(map[string]struct{})
	for path := range query.ReferencedFields(pred) {
		if parts := value.ParsePath(path); len(parts) > 0 {
			fields[parts[0]] = struct{}{}
		}
	}

	cached, planHit := c.planCache.Get(shape)
	if !planHit {
		cached = query.PlanCacheEntry{Plan: query.ChoosePlan(pred, c.indexes), Fields: fields}
		c.planCache.Put(shape, cached)
	}
	plan := cached.Plan
	if planHit && plan.Kind != query.PlanFullScan {
		// a cached plan carries the literal values of the query that first
		// chose it; rebuild it so the index probe uses this query's values
		plan = query.ChoosePlan(pred, c.indexes)
	}

	if plan.Kind == query.PlanFullScan {
		return c.scanAll(func(e entity.Entity) bool {
			if pred.Matches(e.Fields) {
				return visit(e)
			}
			return true
		})
	}

	resultKey := query.ResultKey{Shape: shape, Literal: query.LiteralFingerprint(query.LiteralValuesOf(pred)...)}
	ids, ok := c.resultCache.Get(resultKey)
	if !ok {
		var err error
		ids, err = plan.Execute(c.indexes)
		if err != nil {
			return err
		}
		c.resultCache.Put(resultKey, ids, fields)
	}
	for _, id := range ids {
		e, err := c.Get(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if !pred.Matches(e.Fields) {
			continue
		}
		if !visit(e) {
			return nil
		}
	}
	return nil
}

// All returns every live entity (equivalent to Find(nil, ...) collected
// into a slice), used by simple callers and tests.
func (c *Collection) All() ([]entity.Entity, error) {
	var out []entity.Entity
	err := c.Find(nil, func(e entity.Entity) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

func (c *Collection) scanAll(visit VisitFunc) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.locator))
	for id := range c.locator {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		e, err := c.Get(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if !visit(e) {
			return nil
		}
	}
	return nil
}

// CreateIndex builds a new index of kind over path, populated from a full
// scan of the collection's current state.
func (c *Collection) CreateIndex(path string, kind index.Kind) error {
	if err := c.indexes.Create(path, kind); err != nil {
		return err
	}
	c.mu.RLock()
	entries := make(map[string]locatorEntry, len(c.locator))
	for id, le := range c.locator {
		entries[id] = le
	}
	c.mu.RUnlock()

	for id, le := range entries {
		body, err := c.heap.Get(le.Loc)
		if err != nil {
			continue
		}
		fields, err := c.codec.Decode(body)
		if err != nil {
			continue
		}
		c.indexes.IndexEntity(id, fields)
	}
	return nil
}

// DropIndex removes the index on path.
func (c *Collection) DropIndex(path string) error {
	return c.indexes.Drop(path)
}

// Flush writes every dirty page belonging to this collection's heap
// through the buffer manager.
func (c *Collection) Flush() error {
	return c.bm.FlushAll()
}

// Dispose marks the collection disposed, after which Prepare rejects every
// write; reads are not blocked. pkg/engine is responsible for actually
// releasing its pages.
func (c *Collection) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	return nil
}

// preparedWrite is the opaque value Collection hands back from Prepare and
// consumes in AppendWAL/Apply: the WAL record to log, and the closure that
// applies it to the heap, locator, and indexes. Building this closure in
// Prepare (before anything is logged) is what lets a failed Prepare abort a
// transaction without ever touching the WAL or in-memory state (spec.md
// §4.8 steps 3-4: validate, then BEGIN, then write records, then COMMIT,
// then apply).
type preparedWrite struct {
	recordType storage.WALRecordType
	payload    []byte
	apply      func() (uint64, error)
}

// Prepare validates op against the collection's current state and builds
// the WAL record and apply closure for it, without logging or mutating
// anything yet. It implements the per-collection half of txn.Applier;
// pkg/engine.DB dispatches to it by op.Collection.
func (c *Collection) Prepare(op txn.WriteOp) (txn.PreparedWrite, error) {
	c.mu.RLock()
	disposed := c.disposed
	c.mu.RUnlock()
	if disposed {
		return nil, ErrDisposed
	}

	switch op.Kind {
	case txn.WriteInsert:
		return c.prepareInsert(op)
	case txn.WriteUpdate:
		return c.prepareUpdate(op)
	case txn.WriteDelete:
		return c.prepareDelete(op)
	}
	return nil, fmt.Errorf("collection: unknown write kind %d", op.Kind)
}

func (c *Collection) prepareInsert(op txn.WriteOp) (*preparedWrite, error) {
	c.mu.RLock()
	_, exists := c.locator[op.EntityID]
	c.mu.RUnlock()
	if exists {
		return nil, ErrDuplicateKey
	}

	fields := cloneFields(op.Fields)
	fields["id"] = value.String(op.EntityID)
	fields[entity.VersionField] = value.Int(1)

	body, err := c.codec.Encode(fields)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if c.wal != nil {
		payload, err = storage.EncodePayload(storage.WALPayload{Collection: c.Name, EntityID: op.EntityID, Body: body})
		if err != nil {
			return nil, err
		}
	}

	return &preparedWrite{
		recordType: storage.WALInsert,
		payload:    payload,
		apply: func() (uint64, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			loc, err := c.heap.Put(body, c.pageSize)
			if err != nil {
				return 0, err
			}
			c.locator[op.EntityID] = locatorEntry{Loc: loc, Version: 1}
			c.indexes.IndexEntity(op.EntityID, fields)
			c.invalidateFields(fields)
			return 1, nil
		},
	}, nil
}

func (c *Collection) prepareUpdate(op txn.WriteOp) (*preparedWrite, error) {
	c.mu.RLock()
	le, exists := c.locator[op.EntityID]
	c.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	if le.Version != op.ExpectedVersion {
		return nil, ErrConcurrencyConflict
	}

	oldBody, err := c.heap.Get(le.Loc)
	if err != nil {
		return nil, err
	}
	oldFields, err := c.codec.Decode(oldBody)
	if err != nil {
		return nil, err
	}

	newVersion := le.Version + 1
	fields := cloneFields(op.Fields)
	fields["id"] = value.String(op.EntityID)
	fields[entity.VersionField] = value.Int(int64(newVersion))

	body, err := c.codec.Encode(fields)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if c.wal != nil {
		payload, err = storage.EncodePayload(storage.WALPayload{Collection: c.Name, EntityID: op.EntityID, Body: body})
		if err != nil {
			return nil, err
		}
	}

	return &preparedWrite{
		recordType: storage.WALUpdate,
		payload:    payload,
		apply: func() (uint64, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			newLoc, err := c.heap.Update(le.Loc, body, c.pageSize)
			if err != nil {
				return 0, err
			}
			c.locator[op.EntityID] = locatorEntry{Loc: newLoc, Version: newVersion}
			c.indexes.UnindexEntity(op.EntityID, oldFields)
			c.indexes.IndexEntity(op.EntityID, fields)
			c.invalidateFields(oldFields)
			c.invalidateFields(fields)
			return newVersion, nil
		},
	}, nil
}

func (c *Collection) prepareDelete(op txn.WriteOp) (*preparedWrite, error) {
	c.mu.RLock()
	le, exists := c.locator[op.EntityID]
	c.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}

	body, err := c.heap.Get(le.Loc)
	if err != nil {
		return nil, err
	}
	fields, err := c.codec.Decode(body)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if c.wal != nil {
		payload, err = storage.EncodePayload(storage.WALPayload{Collection: c.Name, EntityID: op.EntityID})
		if err != nil {
			return nil, err
		}
	}

	return &preparedWrite{
		recordType: storage.WALDelete,
		payload:    payload,
		apply: func() (uint64, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err := c.heap.Delete(le.Loc); err != nil {
				return 0, err
			}
			delete(c.locator, op.EntityID)
			c.indexes.UnindexEntity(op.EntityID, fields)
			c.invalidateFields(fields)
			return 0, nil
		},
	}, nil
}

// invalidateFields drops every cached plan/result that references any field
// in fields. Keyed by top-level field name only: Find tags each cached
// entry with the top-level segment of every path its predicate references.
func (c *Collection) invalidateFields(fields map[string]value.Value) {
	for field := range fields {
		c.planCache.InvalidateField(field)
		c.resultCache.InvalidateField(field)
	}
}

// BeginWAL appends the transaction's single BEGIN record (spec.md §4.8
// step 3: "the WAL receives a BEGIN on first write").
func (c *Collection) BeginWAL(txnID uint64) error {
	if c.wal == nil {
		return nil
	}
	_, err := c.wal.Append(txnID, storage.WALBegin, nil)
	return err
}

// AppendWAL logs w's record. w must be a *preparedWrite produced by this
// same Collection's Prepare.
func (c *Collection) AppendWAL(txnID uint64, w txn.PreparedWrite) error {
	if c.wal == nil {
		return nil
	}
	pw, ok := w.(*preparedWrite)
	if !ok {
		return fmt.Errorf("collection: unexpected prepared write type %T", w)
	}
	_, err := c.wal.Append(txnID, pw.recordType, pw.payload)
	return err
}

// CommitWAL appends the transaction's single COMMIT record, durably
// closing the BEGIN...COMMIT span Apply is about to replay into memory.
func (c *Collection) CommitWAL(txnID uint64) error {
	if c.wal == nil {
		return nil
	}
	_, err := c.wal.Append(txnID, storage.WALCommit, nil)
	return err
}

// Apply runs w's apply closure against the heap, locator, and indexes. w
// must be a *preparedWrite produced by this same Collection's Prepare.
func (c *Collection) Apply(w txn.PreparedWrite) (uint64, error) {
	pw, ok := w.(*preparedWrite)
	if !ok {
		return 0, fmt.Errorf("collection: unexpected prepared write type %T", w)
	}
	return pw.apply()
}

// CurrentVersionLocal returns entityID's current version, for Serializable
// commit validation.
func (c *Collection) CurrentVersionLocal(entityID string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	le, ok := c.locator[entityID]
	return le.Version, ok
}

// RestoreLocator is used only during recovery/rebuild to directly install
// a locator entry without going through the WAL/index pipeline (the WAL
// replay itself is the durability record; this just catches up the
// in-memory locator to match).
func (c *Collection) RestoreLocator(entityID string, loc heap.Locator, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locator[entityID] = locatorEntry{Loc: loc, Version: version}
}

// RemoveLocator removes entityID from the in-memory locator during replay
// of a delete record.
func (c *Collection) RemoveLocator(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locator, entityID)
}

// RestoreInsert replays an already-logged insert directly into the heap,
// locator, and indexes, without appending another WAL record (the record
// being replayed IS the durability record). Used only by pkg/engine's
// crash-recovery WAL scan.
func (c *Collection) RestoreInsert(entityID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, err := c.codec.Decode(body)
	if err != nil {
		return err
	}
	loc, err := c.heap.Put(body, c.pageSize)
	if err != nil {
		return err
	}
	version := uint64(1)
	if v, ok := fields[entity.VersionField]; ok && v.Kind == value.KindInt {
		version = uint64(v.Int)
	}
	c.locator[entityID] = locatorEntry{Loc: loc, Version: version}
	c.indexes.IndexEntity(entityID, fields)
	return nil
}

// RestoreUpdate replays an already-logged update the same way RestoreInsert
// replays an insert, unindexing the prior body first.
func (c *Collection) RestoreUpdate(entityID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, err := c.codec.Decode(body)
	if err != nil {
		return err
	}

	var oldFields map[string]value.Value
	if le, exists := c.locator[entityID]; exists {
		if oldBody, err := c.heap.Get(le.Loc); err == nil {
			oldFields, _ = c.codec.Decode(oldBody)
		}
		loc, err := c.heap.Update(le.Loc, body, c.pageSize)
		if err != nil {
			return err
		}
		version := le.Version + 1
		if v, ok := fields[entity.VersionField]; ok && v.Kind == value.KindInt {
			version = uint64(v.Int)
		}
		c.locator[entityID] = locatorEntry{Loc: loc, Version: version}
	} else {
		loc, err := c.heap.Put(body, c.pageSize)
		if err != nil {
			return err
		}
		version := uint64(1)
		if v, ok := fields[entity.VersionField]; ok && v.Kind == value.KindInt {
			version = uint64(v.Int)
		}
		c.locator[entityID] = locatorEntry{Loc: loc, Version: version}
	}

	if oldFields != nil {
		c.indexes.UnindexEntity(entityID, oldFields)
	}
	c.indexes.IndexEntity(entityID, fields)
	return nil
}

// RestoreDelete replays an already-logged delete the same way RestoreInsert
// replays an insert.
func (c *Collection) RestoreDelete(entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	le, exists := c.locator[entityID]
	if !exists {
		return nil
	}
	var oldFields map[string]value.Value
	if body, err := c.heap.Get(le.Loc); err == nil {
		oldFields, _ = c.codec.Decode(body)
	}
	if err := c.heap.Delete(le.Loc); err != nil {
		return err
	}
	delete(c.locator, entityID)
	if oldFields != nil {
		c.indexes.UnindexEntity(entityID, oldFields)
	}
	return nil
}

// LocatorCount returns how many live entities the collection currently
// tracks.
func (c *Collection) LocatorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.locator)
}

func cloneFields(fields map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
