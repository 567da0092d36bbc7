package collection

import (
	"testing"

	"github.com/nestdb/nestdb/pkg/heap"
	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/query"
	"github.com/nestdb/nestdb/pkg/storage"
	"github.com/nestdb/nestdb/pkg/txn"
	"github.com/nestdb/nestdb/pkg/value"
)

// singleCollectionApplier dispatches every write straight to one
// collection, standing in for pkg/engine.DB's multi-collection routing.
type singleCollectionApplier struct {
	coll *Collection
}

func (a *singleCollectionApplier) Prepare(op txn.WriteOp) (txn.PreparedWrite, error) {
	return a.coll.Prepare(op)
}

func (a *singleCollectionApplier) BeginWAL(txnID uint64) error {
	return a.coll.BeginWAL(txnID)
}

func (a *singleCollectionApplier) AppendWAL(txnID uint64, w txn.PreparedWrite) error {
	return a.coll.AppendWAL(txnID, w)
}

func (a *singleCollectionApplier) CommitWAL(txnID uint64) error {
	return a.coll.CommitWAL(txnID)
}

func (a *singleCollectionApplier) Apply(w txn.PreparedWrite) (uint64, error) {
	return a.coll.Apply(w)
}

func (a *singleCollectionApplier) CurrentVersion(collectionName, entityID string) (uint64, bool) {
	return a.coll.CurrentVersionLocal(entityID)
}

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	pager, err := storage.OpenPager(storage.NewMemory(), storage.PageSize, true)
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	bm := storage.NewBufferManager(pager, 32)
	h, err := heap.Open(bm, nil)
	if err != nil {
		t.Fatalf("heap.Open: %v", err)
	}
	idx := index.NewManager()

	applier := &singleCollectionApplier{}
	txnMgr := txn.NewManager(applier)
	coll := New("users", bm, h, idx, nil, txnMgr, value.Codec{}, storage.PageSize)
	applier.coll = coll
	return coll
}

func TestInsertGeneratesIDAndGet(t *testing.T) {
	c := newTestCollection(t)
	e, err := c.Insert(map[string]value.Value{"name": value.String("Ada")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected a generated id")
	}
	got, err := c.Get(e.ID)
	if err != nil || got.Fields["name"].Str != "Ada" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u1"), "name": value.String("Ada")})
	_, err := c.Insert(map[string]value.Value{"id": value.String("u1"), "name": value.String("Bob")})
	if err != ErrDuplicateKey {
		t.Fatalf("second Insert error = %v; want ErrDuplicateKey", err)
	}
}

func TestInsertManyInsertsEveryEntity(t *testing.T) {
	c := newTestCollection(t)
	out, err := c.InsertMany([]map[string]value.Value{
		{"id": value.String("u1"), "name": value.String("Ada")},
		{"id": value.String("u2"), "name": value.String("Grace")},
	})
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d; want 2", len(out))
	}
	if !c.Exists("u1") || !c.Exists("u2") {
		t.Fatal("expected both entities to exist")
	}
}

func TestInsertManyIsAtomicOnDuplicateID(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u2"), "name": value.String("Eve")})

	_, err := c.InsertMany([]map[string]value.Value{
		{"id": value.String("u1"), "name": value.String("Ada")},
		{"id": value.String("u2"), "name": value.String("Grace")}, // duplicate: u2 already exists
	})
	if err != ErrDuplicateKey {
		t.Fatalf("InsertMany error = %v; want ErrDuplicateKey", err)
	}
	if c.Exists("u1") {
		t.Fatal("u1 should not be visible: the whole batch must fail atomically")
	}
}

func TestUpdateWithCorrectVersion(t *testing.T) {
	c := newTestCollection(t)
	e, _ := c.Insert(map[string]value.Value{"id": value.String("u1"), "name": value.String("Ada")})
	updated, err := c.Update("u1", map[string]value.Value{"name": value.String("Grace")}, e.Version)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != e.Version+1 {
		t.Fatalf("Version = %d; want %d", updated.Version, e.Version+1)
	}
	got, _ := c.Get("u1")
	if got.Fields["name"].Str != "Grace" {
		t.Fatalf("name = %q; want Grace", got.Fields["name"].Str)
	}
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	c := newTestCollection(t)
	e, _ := c.Insert(map[string]value.Value{"id": value.String("u1"), "name": value.String("Ada")})
	c.Update("u1", map[string]value.Value{"name": value.String("Grace")}, e.Version)

	_, err := c.Update("u1", map[string]value.Value{"name": value.String("Eve")}, e.Version)
	if err != ErrConcurrencyConflict {
		t.Fatalf("Update with stale version error = %v; want ErrConcurrencyConflict", err)
	}
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	c := newTestCollection(t)
	e1, err := c.Upsert("u1", map[string]value.Value{"name": value.String("Ada")})
	if err != nil {
		t.Fatalf("Upsert (insert): %v", err)
	}
	if e1.Version != 1 {
		t.Fatalf("Version = %d; want 1", e1.Version)
	}

	e2, err := c.Upsert("u1", map[string]value.Value{"name": value.String("Grace")})
	if err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	if e2.Version != 2 {
		t.Fatalf("Version = %d; want 2", e2.Version)
	}
}

func TestDeleteRemovesEntity(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u1"), "name": value.String("Ada")})
	if err := c.Delete("u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c.Exists("u1") {
		t.Fatal("entity should no longer exist after Delete")
	}
	if _, err := c.Get("u1"); err != ErrNotFound {
		t.Fatalf("Get after Delete error = %v; want ErrNotFound", err)
	}
}

func TestDeleteAllRemovesEverything(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u1")})
	c.Insert(map[string]value.Value{"id": value.String("u2")})

	n, err := c.DeleteAll()
	if err != nil || n != 2 {
		t.Fatalf("DeleteAll = %d, %v; want 2, nil", n, err)
	}
	if c.LocatorCount() != 0 {
		t.Fatalf("LocatorCount() = %d; want 0", c.LocatorCount())
	}
}

func TestFindWithoutIndexFallsBackToScan(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u1"), "age": value.Int(30)})
	c.Insert(map[string]value.Value{"id": value.String("u2"), "age": value.Int(40)})

	n, err := c.Count(nil)
	if err != nil || n != 2 {
		t.Fatalf("Count(nil) = %d, %v; want 2, nil", n, err)
	}
}

func TestCreateIndexBackfillsExistingEntities(t *testing.T) {
	c := newTestCollection(t)
	c.Insert(map[string]value.Value{"id": value.String("u1"), "age": value.Int(30)})
	c.Insert(map[string]value.Value{"id": value.String("u2"), "age": value.Int(40)})

	if err := c.CreateIndex("age", index.KindOrdered); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	ids, err := c.Indexes().Equals("age", value.Int(30))
	if err != nil || len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("Equals(age=30) = %v, %v; want [u1], nil", ids, err)
	}
}

func TestFindResultCacheInvalidatesOnMutation(t *testing.T) {
	c := newTestCollection(t)
	c.CreateIndex("age", index.KindOrdered)
	e, _ := c.Insert(map[string]value.Value{"id": value.String("u1"), "age": value.Int(30)})

	pred := query.Eq{Path: "age", Value: value.Int(30)}
	n, err := c.Count(pred)
	if err != nil || n != 1 {
		t.Fatalf("Count before update = %d, %v; want 1, nil", n, err)
	}

	if _, err := c.Update("u1", map[string]value.Value{"age": value.Int(99)}, e.Version); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err = c.Count(pred)
	if err != nil || n != 0 {
		t.Fatalf("Count after update = %d, %v; want 0, nil (stale cached result)", n, err)
	}
}

func TestDropIndexRemovesIt(t *testing.T) {
	c := newTestCollection(t)
	c.CreateIndex("age", index.KindOrdered)
	if err := c.DropIndex("age"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if _, err := c.Indexes().Equals("age", value.Int(1)); err != index.ErrIndexNotFound {
		t.Fatalf("Equals after DropIndex error = %v; want ErrIndexNotFound", err)
	}
}

func TestRestoreInsertSkipsDuplicateLogging(t *testing.T) {
	c := newTestCollection(t)
	fields := map[string]value.Value{"id": value.String("u1"), "name": value.String("Ada")}
	body, err := c.codec.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := c.RestoreInsert("u1", body); err != nil {
		t.Fatalf("RestoreInsert: %v", err)
	}
	got, err := c.Get("u1")
	if err != nil || got.Fields["name"].Str != "Ada" {
		t.Fatalf("Get after RestoreInsert = %+v, %v", got, err)
	}
}

func TestRestoreDeleteIsNoopWhenAbsent(t *testing.T) {
	c := newTestCollection(t)
	if err := c.RestoreDelete("missing"); err != nil {
		t.Fatalf("RestoreDelete on a missing entity: %v", err)
	}
}

func TestDisposedCollectionRejectsWrites(t *testing.T) {
	c := newTestCollection(t)
	c.Dispose()
	_, err := c.Insert(map[string]value.Value{"id": value.String("u1")})
	if err != ErrDisposed {
		t.Fatalf("Insert on a disposed collection error = %v; want ErrDisposed", err)
	}
}
