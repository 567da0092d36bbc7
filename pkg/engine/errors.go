package engine

import (
	"errors"

	"github.com/nestdb/nestdb/pkg/collection"
	"github.com/nestdb/nestdb/pkg/heap"
	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/storage"
	"github.com/nestdb/nestdb/pkg/txn"
	"github.com/nestdb/nestdb/pkg/value"
)

// Kind classifies an engine-level failure into the canonical outcomes a
// caller programs against (spec.md §7), independent of which internal
// package actually produced the underlying error.
type Kind uint8

const (
	KindNone Kind = iota
	KindNotOpen
	KindDisposed
	KindIoError
	KindCorruptionError
	KindInvalidPageSize
	KindBufferExhausted
	KindDuplicateKey
	KindNotFound
	KindConcurrencyConflict
	KindTransactionConflict
	KindEntityTooLarge
	KindIndexNotFound
	KindTypeMismatch
	KindEncryptionError
	KindChecksumMismatch
	KindWalCorruption
)

func (k Kind) String() string {
	switch k {
	case KindNotOpen:
		return "NotOpen"
	case KindDisposed:
		return "Disposed"
	case KindIoError:
		return "IoError"
	case KindCorruptionError:
		return "CorruptionError"
	case KindInvalidPageSize:
		return "InvalidPageSize"
	case KindBufferExhausted:
		return "BufferExhausted"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindNotFound:
		return "NotFound"
	case KindConcurrencyConflict:
		return "ConcurrencyConflict"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindEntityTooLarge:
		return "EntityTooLarge"
	case KindIndexNotFound:
		return "IndexNotFound"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindEncryptionError:
		return "EncryptionError"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindWalCorruption:
		return "WalCorruption"
	default:
		return "Unknown"
	}
}

// ErrNotOpen is returned by DB methods called after Close.
var ErrNotOpen = errors.New("engine: database is not open")

// ErrTypeMismatch is returned when a collection already holds entities
// shaped by a different registered Go type than the one now requested
// (spec.md §7: "collection re-open with a different entity type").
var ErrTypeMismatch = errors.New("engine: collection was opened with a different entity type")

// classification is checked in order; earlier entries win on errors.Is
// ambiguity (there is none in practice, since these sentinels are disjoint).
var classification = []struct {
	err  error
	kind Kind
}{
	{ErrNotOpen, KindNotOpen},
	{ErrTypeMismatch, KindTypeMismatch},
	{collection.ErrDisposed, KindDisposed},
	{collection.ErrNotFound, KindNotFound},
	{collection.ErrDuplicateKey, KindDuplicateKey},
	{collection.ErrConcurrencyConflict, KindConcurrencyConflict},
	{heap.ErrNotFound, KindNotFound},
	{heap.ErrRecordTooLarge, KindEntityTooLarge},
	{index.ErrIndexNotFound, KindIndexNotFound},
	{txn.ErrTransactionConflict, KindTransactionConflict},
	{storage.ErrChecksumMismatch, KindChecksumMismatch},
	{storage.ErrPageCorrupted, KindCorruptionError},
	{storage.ErrWALCorrupted, KindWalCorruption},
	{storage.ErrBufferFull, KindBufferExhausted},
	{value.ErrEncryptionNeeded, KindEncryptionError},
	{value.ErrInvalidKeySize, KindEncryptionError},
}

// Classify maps err onto a Kind by walking its chain with errors.Is against
// every sentinel the storage engine can surface. Unrecognized errors
// (including I/O errors from the backend, which retain whatever *PathError
// or os-level type they came with) classify as KindIoError if non-nil, or
// KindNone if err is nil.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var invalidSize *storage.ErrInvalidPageSize
	if errors.As(err, &invalidSize) {
		return KindInvalidPageSize
	}
	for _, c := range classification {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindIoError
}
