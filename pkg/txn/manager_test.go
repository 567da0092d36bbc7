package txn

import (
	"errors"
	"testing"

	"github.com/nestdb/nestdb/pkg/value"
)

// fakeApplier is a minimal txn.Applier: Prepare hands back the WriteOp
// itself as its own PreparedWrite (a plain value satisfies the opaque
// interface{} alias just as well as a struct would), BeginWAL/AppendWAL/
// CommitWAL just record that they ran, and Apply is where versions and
// applied writes are actually tracked.
type fakeApplier struct {
	versions  map[string]uint64
	applied   []WriteOp
	began     []uint64
	committed []uint64
	failNext  bool
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{versions: make(map[string]uint64)}
}

func (f *fakeApplier) Prepare(op WriteOp) (PreparedWrite, error) {
	if f.failNext {
		f.failNext = false
		return nil, errors.New("applier: forced failure")
	}
	return op, nil
}

func (f *fakeApplier) BeginWAL(txnID uint64) error {
	f.began = append(f.began, txnID)
	return nil
}

func (f *fakeApplier) AppendWAL(txnID uint64, w PreparedWrite) error {
	return nil
}

func (f *fakeApplier) CommitWAL(txnID uint64) error {
	f.committed = append(f.committed, txnID)
	return nil
}

func (f *fakeApplier) Apply(w PreparedWrite) (uint64, error) {
	op := w.(WriteOp)
	key := Key(op.Collection, op.EntityID)
	f.versions[key]++
	f.applied = append(f.applied, op)
	return f.versions[key], nil
}

func (f *fakeApplier) CurrentVersion(collection, entityID string) (uint64, bool) {
	v, ok := f.versions[Key(collection, entityID)]
	return v, ok
}

func TestBeginAssignsDistinctIDs(t *testing.T) {
	m := NewManager(newFakeApplier())
	t1 := m.Begin(nil)
	t2 := m.Begin(nil)
	if t1.ID == t2.ID {
		t.Fatal("expected distinct transaction ids")
	}
	if t1.Isolation != RepeatableRead {
		t.Fatalf("DefaultOptions isolation = %v; want RepeatableRead", t1.Isolation)
	}
}

func TestCommitAppliesWritesInOrder(t *testing.T) {
	applier := newFakeApplier()
	m := NewManager(applier)
	tx := m.Begin(&Options{Isolation: ReadCommitted})

	tx.Write(WriteOp{Kind: WriteInsert, Collection: "users", EntityID: "1"})
	tx.Write(WriteOp{Kind: WriteUpdate, Collection: "users", EntityID: "2"})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("applied %d writes; want 2", len(applier.applied))
	}
	if applier.applied[0].EntityID != "1" || applier.applied[1].EntityID != "2" {
		t.Fatal("writes should be applied in the order they were issued")
	}
}

func TestCommitTwiceFails(t *testing.T) {
	m := NewManager(newFakeApplier())
	tx := m.Begin(nil)
	if err := tx.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := tx.Commit(); err != ErrTxnCommitted {
		t.Fatalf("second Commit error = %v; want ErrTxnCommitted", err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	applier := newFakeApplier()
	m := NewManager(applier)
	tx := m.Begin(nil)
	tx.Write(WriteOp{Kind: WriteInsert, Collection: "users", EntityID: "1"})

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(applier.applied) != 0 {
		t.Fatal("rolled-back writes should never reach the applier")
	}
	if err := tx.Commit(); err != ErrTxnAborted {
		t.Fatalf("Commit after Rollback error = %v; want ErrTxnAborted", err)
	}
}

func TestReadUncommittedAndReadCommittedDoNotPinReads(t *testing.T) {
	m := NewManager(newFakeApplier())
	for _, level := range []IsolationLevel{ReadUncommitted, ReadCommitted} {
		tx := m.Begin(&Options{Isolation: level})
		tx.RecordRead("users", "1", 5, value.Int(1))
		if _, ok := tx.PinnedRead("users", "1"); ok {
			t.Fatalf("isolation %v should not pin reads", level)
		}
	}
}

func TestRepeatableReadPinsFirstReadValue(t *testing.T) {
	m := NewManager(newFakeApplier())
	tx := m.Begin(&Options{Isolation: RepeatableRead})
	tx.RecordRead("users", "1", 1, value.Int(100))
	tx.RecordRead("users", "1", 2, value.Int(200)) // should be ignored: first-read-wins

	v, ok := tx.PinnedRead("users", "1")
	if !ok || v.Int != 100 {
		t.Fatalf("PinnedRead = %v, %v; want Int(100), true", v, ok)
	}
}

func TestSerializableDetectsConflictOnCommit(t *testing.T) {
	applier := newFakeApplier()
	applier.versions[Key("users", "1")] = 1
	m := NewManager(applier)

	tx := m.Begin(&Options{Isolation: Serializable})
	tx.RecordRead("users", "1", 1, value.Int(1))

	// another write bumps the version behind this transaction's back
	applier.versions[Key("users", "1")] = 2

	tx.Write(WriteOp{Kind: WriteUpdate, Collection: "users", EntityID: "1"})
	if err := tx.Commit(); err != ErrTransactionConflict {
		t.Fatalf("Commit error = %v; want ErrTransactionConflict", err)
	}
}

func TestSerializableCommitsWhenNoConflict(t *testing.T) {
	applier := newFakeApplier()
	applier.versions[Key("users", "1")] = 1
	m := NewManager(applier)

	tx := m.Begin(&Options{Isolation: Serializable})
	tx.RecordRead("users", "1", 1, value.Int(1))
	tx.Write(WriteOp{Kind: WriteUpdate, Collection: "users", EntityID: "1"})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestPendingWriteReadYourOwnWrites(t *testing.T) {
	m := NewManager(newFakeApplier())
	tx := m.Begin(nil)
	op := WriteOp{Kind: WriteInsert, Collection: "users", EntityID: "1", Fields: map[string]value.Value{"x": value.Int(1)}}
	tx.Write(op)

	got, ok := tx.PendingWrite("users", "1")
	if !ok || got.EntityID != "1" {
		t.Fatalf("PendingWrite = %v, %v; want the buffered insert", got, ok)
	}
}

func TestManagerGetUnknownTransaction(t *testing.T) {
	m := NewManager(newFakeApplier())
	if _, err := m.Get(999); err != ErrTxnNotFound {
		t.Fatalf("Get error = %v; want ErrTxnNotFound", err)
	}
}

func TestCommitFailureAbortsTransaction(t *testing.T) {
	applier := newFakeApplier()
	applier.failNext = true
	m := NewManager(applier)
	tx := m.Begin(nil)
	tx.Write(WriteOp{Kind: WriteInsert, Collection: "users", EntityID: "1"})

	if err := tx.Commit(); err == nil {
		t.Fatal("expected Commit to fail")
	}
	if tx.State != TxnAborted {
		t.Fatalf("State = %v; want TxnAborted after a failed prepare", tx.State)
	}
}
