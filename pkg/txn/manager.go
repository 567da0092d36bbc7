// Package txn implements the transaction manager: four isolation levels,
// per-transaction read/write sets, and an optimistic commit protocol that
// hands buffered writes to an injected Applier (spec.md §4.7/§4.8).
package txn

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nestdb/nestdb/pkg/value"
)

var (
	ErrTxnCommitted       = errors.New("txn: transaction already committed")
	ErrTxnAborted         = errors.New("txn: transaction already aborted")
	ErrTxnNotFound        = errors.New("txn: transaction not found")
	ErrTransactionConflict = errors.New("txn: transaction conflict: a read entity's version changed before commit")
)

// IsolationLevel is one of the four levels a transaction can run under
// (spec.md §4.7).
type IsolationLevel uint8

const (
	// ReadUncommitted never tracks a read-set and never conflict-checks;
	// reads simply observe whatever is currently committed.
	ReadUncommitted IsolationLevel = 0x01
	// ReadCommitted re-reads the current committed value on every Get,
	// still without a persisted read-set check at commit.
	ReadCommitted IsolationLevel = 0x02
	// RepeatableRead pins every value read for the remainder of the
	// transaction to the version observed on first read, but does not
	// abort commit over a stale read.
	RepeatableRead IsolationLevel = 0x03
	// Serializable behaves like RepeatableRead, and additionally records
	// the version counter of every entity read; commit re-checks each
	// against the entity's current version and aborts with
	// ErrTransactionConflict on any mismatch (spec.md §4.7, scenario S3).
	Serializable IsolationLevel = 0x04
)

// TxnState is a transaction's lifecycle state.
type TxnState uint8

const (
	TxnActive    TxnState = 0x01
	TxnCommitted TxnState = 0x02
	TxnAborted   TxnState = 0x03
)

// Options configures a new transaction.
type Options struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// DefaultOptions returns RepeatableRead, read-write.
func DefaultOptions() *Options {
	return &Options{Isolation: RepeatableRead, ReadOnly: false}
}

// WriteKind distinguishes the three mutation forms buffered in a
// transaction's write set.
type WriteKind uint8

const (
	WriteInsert WriteKind = iota
	WriteUpdate
	WriteDelete
)

// WriteOp is one buffered mutation, applied at commit in the order it was
// issued (spec.md §4.8).
type WriteOp struct {
	Kind            WriteKind
	Collection      string
	EntityID        string
	Fields          map[string]value.Value
	ExpectedVersion uint64 // used by WriteUpdate for optimistic concurrency
}

// Key returns the read/write-set key for an entity: its collection and id
// joined so entities with the same id in different collections don't alias.
func Key(collection, entityID string) string {
	return collection + "\x00" + entityID
}

// PreparedWrite is an opaque value produced by Applier.Prepare and handed
// back to Applier.AppendWAL/Apply; its contents are private to whichever
// Applier implementation created it. The transaction manager only ever
// threads it through, never inspects it.
type PreparedWrite interface{}

// Applier is implemented by whatever owns the record heap, indexes, and
// WAL (pkg/collection, pkg/engine) so the transaction manager's commit
// protocol can validate, log, and apply a transaction's buffered writes
// as one atomic unit without importing storage or index packages itself.
//
// Commit calls these in a fixed sequence per transaction (spec.md §4.8
// steps 3-4: one BEGIN, then every write's record, then one COMMIT, only
// then apply): Prepare for every write, then (if any write prepared)
// BeginWAL once, AppendWAL once per write, CommitWAL once, and only after
// CommitWAL succeeds, Apply for every write. A transaction that fails
// Prepare for any write aborts before anything is logged.
type Applier interface {
	// Prepare validates op against current committed state (duplicate id,
	// expected version, existence) and returns a staged write ready to
	// log and apply. Prepare must not append to the WAL or mutate
	// heap/locator/index state.
	Prepare(op WriteOp) (PreparedWrite, error)
	// BeginWAL appends the single BEGIN record opening txnID's durability
	// window. A no-op for an Applier with no WAL.
	BeginWAL(txnID uint64) error
	// AppendWAL logs one prepared write's record under txnID.
	AppendWAL(txnID uint64, w PreparedWrite) error
	// CommitWAL appends the single COMMIT record that durably closes
	// txnID, after every one of its writes has been logged via AppendWAL.
	CommitWAL(txnID uint64) error
	// Apply performs one prepared write's heap/locator/index mutation.
	// Called only after CommitWAL has returned successfully.
	Apply(w PreparedWrite) (newVersion uint64, err error)
	// CurrentVersion returns the live version of collection/entityID, or
	// (0, false) if it does not exist.
	CurrentVersion(collection, entityID string) (uint64, bool)
}

// Transaction is a single unit of work: a read-set (for RepeatableRead and
// Serializable), a write-set of buffered mutations, and an isolation level
// governing both (spec.md §4.7).
type Transaction struct {
	ID        uint64
	State     TxnState
	Isolation IsolationLevel
	ReadOnly  bool

	mu       sync.Mutex
	readSet  map[string]uint64   // key -> version observed at first read
	readVals map[string]value.Value
	writeSet map[string]WriteOp  // key -> most recent buffered write
	writeOrd []string            // insertion order of writeSet keys

	manager *Manager
}

// RecordRead pins the version/value observed for key under
// RepeatableRead/Serializable. Isolation levels below RepeatableRead do not
// record anything; Get call sites re-read current state on every access.
func (t *Transaction) RecordRead(collection, entityID string, version uint64, val value.Value) {
	if t.Isolation < RepeatableRead {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := Key(collection, entityID)
	if _, seen := t.readSet[key]; seen {
		return // first-read-wins: keep the originally observed snapshot
	}
	if t.readSet == nil {
		t.readSet = make(map[string]uint64)
		t.readVals = make(map[string]value.Value)
	}
	t.readSet[key] = version
	t.readVals[key] = val
}

// PinnedRead returns a previously recorded read for key, if this
// transaction's isolation level pins reads.
func (t *Transaction) PinnedRead(collection, entityID string) (value.Value, bool) {
	if t.Isolation < RepeatableRead {
		return value.Value{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.readVals[Key(collection, entityID)]
	return v, ok
}

// Write buffers a mutation. Writes from the same transaction are visible
// to its own subsequent reads via PendingWrite.
func (t *Transaction) Write(op WriteOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := Key(op.Collection, op.EntityID)
	if _, exists := t.writeSet[key]; !exists {
		t.writeOrd = append(t.writeOrd, key)
	}
	if t.writeSet == nil {
		t.writeSet = make(map[string]WriteOp)
	}
	t.writeSet[key] = op
}

// PendingWrite returns a buffered write this transaction has not yet
// committed, for read-your-own-writes semantics.
func (t *Transaction) PendingWrite(collection, entityID string) (WriteOp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.writeSet[Key(collection, entityID)]
	return op, ok
}

// Commit validates (for Serializable) and applies the transaction's write
// set, then marks it committed (spec.md §4.7 commit protocol, step order:
// lock, re-check read-set, append+apply writes, release).
func (t *Transaction) Commit() error {
	return t.manager.commit(t)
}

// Rollback discards the transaction's buffered state without applying it.
func (t *Transaction) Rollback() error {
	return t.manager.rollback(t)
}

// Manager owns the global commit lock and the active-transaction table. It
// keeps no version state of its own: optimistic update checks and
// Serializable read-set validation read current versions through
// Applier.CurrentVersion.
type Manager struct {
	counter uint64

	mu      sync.Mutex
	active  map[uint64]*Transaction
	applier Applier
}

// NewManager creates a transaction manager that applies committed writes
// through applier.
func NewManager(applier Applier) *Manager {
	return &Manager{
		active:  make(map[uint64]*Transaction),
		applier: applier,
	}
}

// Begin starts a new transaction under opts (DefaultOptions if nil).
func (m *Manager) Begin(opts *Options) *Transaction {
	if opts == nil {
		opts = DefaultOptions()
	}
	id := atomic.AddUint64(&m.counter, 1)
	t := &Transaction{
		ID:        id,
		State:     TxnActive,
		Isolation: opts.Isolation,
		ReadOnly:  opts.ReadOnly,
		manager:   m,
	}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t
}

// Get looks up an active transaction by id.
func (m *Manager) Get(id uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return t, nil
}

func (m *Manager) commit(t *Transaction) error {
	t.mu.Lock()
	if t.State == TxnCommitted {
		t.mu.Unlock()
		return ErrTxnCommitted
	}
	if t.State == TxnAborted {
		t.mu.Unlock()
		return ErrTxnAborted
	}
	readSet := t.readSet
	order := append([]string(nil), t.writeOrd...)
	writes := t.writeSet
	isolation := t.Isolation
	t.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if isolation == Serializable {
		for key, readVersion := range readSet {
			parts := splitKey(key)
			current, exists := m.applier.CurrentVersion(parts[0], parts[1])
			if !exists {
				continue // deleted since read: the write against it will surface NotFound/ConcurrencyConflict
			}
			if current != readVersion {
				t.mu.Lock()
				t.State = TxnAborted
				t.mu.Unlock()
				delete(m.active, t.ID)
				return ErrTransactionConflict
			}
		}
	}

	abort := func(err error) error {
		t.mu.Lock()
		t.State = TxnAborted
		t.mu.Unlock()
		delete(m.active, t.ID)
		return err
	}

	prepared := make([]PreparedWrite, 0, len(order))
	for _, key := range order {
		w, err := m.applier.Prepare(writes[key])
		if err != nil {
			return abort(err)
		}
		prepared = append(prepared, w)
	}

	if len(prepared) > 0 {
		if err := m.applier.BeginWAL(t.ID); err != nil {
			return abort(err)
		}
		for _, w := range prepared {
			if err := m.applier.AppendWAL(t.ID, w); err != nil {
				return abort(err)
			}
		}
		if err := m.applier.CommitWAL(t.ID); err != nil {
			return abort(err)
		}
	}

	// The single COMMIT record above is now durable: every prepared write
	// is applied to in-memory state, not interleaved with logging. The
	// transaction is committed regardless of what happens from here on;
	// an Apply failure here means in-memory state lags the WAL and is
	// recovered by replay, not by retrying inside this call.
	t.mu.Lock()
	t.State = TxnCommitted
	t.mu.Unlock()
	delete(m.active, t.ID)

	for _, w := range prepared {
		if _, err := m.applier.Apply(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rollback(t *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == TxnCommitted {
		return ErrTxnCommitted
	}
	if t.State == TxnAborted {
		return nil
	}
	t.State = TxnAborted
	t.writeSet = nil
	t.writeOrd = nil
	t.readSet = nil
	t.readVals = nil

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

func splitKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, ""}
}
