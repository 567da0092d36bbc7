package engine

import (
	"fmt"
	"reflect"

	"github.com/nestdb/nestdb/pkg/collection"
	"github.com/nestdb/nestdb/pkg/entity"
	"github.com/nestdb/nestdb/pkg/query"
	"github.com/nestdb/nestdb/pkg/value"
	"github.com/vmihailenco/msgpack/v5"
)

// TypedCollection is a generic view over a Collection that marshals T to
// and from the field maps the untyped engine actually stores (spec.md §7's
// "TypeMismatch (collection re-open with a different entity type)" implies
// collections remember the Go type they were first opened with).
type TypedCollection[T any] struct {
	coll *collection.Collection
}

// Typed opens (or creates) the collection named name as a TypedCollection
// of T. Reopening the same name with a different T returns ErrTypeMismatch.
func Typed[T any](db *DB, name string) (*TypedCollection[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()

	db.mu.Lock()
	entry, err := db.collectionLocked(name)
	if err != nil {
		db.mu.Unlock()
		return nil, err
	}
	if entry.typ == nil {
		entry.typ = t
	} else if entry.typ != t {
		db.mu.Unlock()
		return nil, ErrTypeMismatch
	}
	coll := entry.coll
	db.mu.Unlock()

	return &TypedCollection[T]{coll: coll}, nil
}

func structToFields[T any](v T) (map[string]value.Value, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal %T: %w", v, err)
	}
	var generic map[string]interface{}
	if err := msgpack.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("engine: unmarshal %T into field map: %w", v, err)
	}
	fields := make(map[string]value.Value, len(generic))
	for k, item := range generic {
		val, err := value.FromInterface(item)
		if err != nil {
			return nil, err
		}
		fields[k] = val
	}
	return fields, nil
}

func fieldsToStruct[T any](fields map[string]value.Value) (T, error) {
	var out T
	generic := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		generic[k] = v.Interface()
	}
	raw, err := msgpack.Marshal(generic)
	if err != nil {
		return out, fmt.Errorf("engine: marshal field map: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("engine: unmarshal field map into %T: %w", out, err)
	}
	return out, nil
}

// Insert inserts v, returning the stored entity's id.
func (tc *TypedCollection[T]) Insert(v T) (string, error) {
	fields, err := structToFields(v)
	if err != nil {
		return "", err
	}
	e, err := tc.coll.Insert(fields)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Get fetches id and decodes it into a T.
func (tc *TypedCollection[T]) Get(id string) (T, error) {
	var zero T
	e, err := tc.coll.Get(id)
	if err != nil {
		return zero, err
	}
	return fieldsToStruct[T](e.Fields)
}

// Update replaces id's value if expectedVersion matches.
func (tc *TypedCollection[T]) Update(id string, v T, expectedVersion uint64) error {
	fields, err := structToFields(v)
	if err != nil {
		return err
	}
	_, err = tc.coll.Update(id, fields, expectedVersion)
	return err
}

// Delete removes id.
func (tc *TypedCollection[T]) Delete(id string) error {
	return tc.coll.Delete(id)
}

// Find evaluates pred against every entity, decoding matches into T.
func (tc *TypedCollection[T]) Find(pred query.Predicate, visit func(id string, v T) bool) error {
	return tc.coll.Find(pred, func(e entity.Entity) bool {
		v, err := fieldsToStruct[T](e.Fields)
		if err != nil {
			return true
		}
		return visit(e.ID, v)
	})
}
