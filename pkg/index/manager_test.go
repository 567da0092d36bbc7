package index

import (
	"testing"

	"github.com/nestdb/nestdb/pkg/value"
)

func TestManagerCreateDropDuplicate(t *testing.T) {
	m := NewManager()
	if err := m.Create("age", KindOrdered); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create("age", KindOrdered); err != ErrIndexExists {
		t.Fatalf("second Create error = %v; want ErrIndexExists", err)
	}
	if err := m.Drop("age"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := m.Drop("age"); err != ErrIndexNotFound {
		t.Fatalf("Drop of missing index error = %v; want ErrIndexNotFound", err)
	}
}

func TestManagerIndexEntityAndEquals(t *testing.T) {
	m := NewManager()
	m.Create("email", KindHashOnly)
	m.Create("age", KindOrdered)

	fields := map[string]value.Value{
		"email": value.String("ada@x.com"),
		"age":   value.Int(36),
	}
	m.IndexEntity("e1", fields)

	ids, err := m.Equals("email", value.String("ada@x.com"))
	if err != nil || len(ids) != 1 || ids[0] != "e1" {
		t.Fatalf("Equals(email) = %v, %v; want [e1], nil", ids, err)
	}

	rangeIDs, err := m.Range("age", RangeBounds{Low: value.Int(30), HasLow: true, LowInclusive: true})
	if err != nil || len(rangeIDs) != 1 {
		t.Fatalf("Range(age>=30) = %v, %v", rangeIDs, err)
	}
}

func TestManagerUnindexEntity(t *testing.T) {
	m := NewManager()
	m.Create("age", KindOrdered)
	fields := map[string]value.Value{"age": value.Int(30)}
	m.IndexEntity("e1", fields)
	m.UnindexEntity("e1", fields)

	ids, _ := m.Equals("age", value.Int(30))
	if len(ids) != 0 {
		t.Fatalf("Equals(age) after Unindex = %v; want empty", ids)
	}
}

func TestManagerRangeRequiresOrderedIndex(t *testing.T) {
	m := NewManager()
	m.Create("email", KindHashOnly)
	if _, err := m.Range("email", RangeBounds{}); err != ErrIndexNotFound {
		t.Fatalf("Range on a hash index error = %v; want ErrIndexNotFound", err)
	}
}

func TestManagerRebuildFromScan(t *testing.T) {
	m := NewManager()
	m.Create("age", KindOrdered)

	data := map[string]map[string]value.Value{
		"e1": {"age": value.Int(10)},
		"e2": {"age": value.Int(20)},
	}
	scan := func(fn func(entityID string, fields map[string]value.Value) bool) error {
		for id, fields := range data {
			if !fn(id, fields) {
				break
			}
		}
		return nil
	}

	if err := m.RebuildFrom(scan, 42); err != nil {
		t.Fatalf("RebuildFrom: %v", err)
	}
	ids, err := m.Equals("age", value.Int(20))
	if err != nil || len(ids) != 1 || ids[0] != "e2" {
		t.Fatalf("Equals(age=20) after RebuildFrom = %v, %v", ids, err)
	}
	if m.Stale(42) {
		t.Fatal("index should not be stale right after RebuildFrom(..., 42)")
	}
	if !m.Stale(43) {
		t.Fatal("index should be stale once the heap LSN advances past its rebuild LSN")
	}
}
