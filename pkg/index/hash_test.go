package index

import (
	"testing"

	"github.com/nestdb/nestdb/pkg/value"
)

func TestHashInsertEquals(t *testing.T) {
	h := NewHash()
	h.Insert(value.String("a@x.com"), "1")
	h.Insert(value.String("a@x.com"), "2")
	h.Insert(value.String("b@x.com"), "3")

	ids := h.Equals(value.String("a@x.com"))
	if len(ids) != 2 || !containsID(ids, "1") || !containsID(ids, "2") {
		t.Fatalf("Equals(a@x.com) = %v; want [1 2]", ids)
	}
}

func TestHashRemove(t *testing.T) {
	h := NewHash()
	h.Insert(value.Int(7), "a")
	h.Remove(value.Int(7), "a")
	if ids := h.Equals(value.Int(7)); len(ids) != 0 {
		t.Fatalf("Equals(7) after Remove = %v; want empty", ids)
	}
}

func TestHashIn(t *testing.T) {
	h := NewHash()
	h.Insert(value.Bool(true), "a")
	h.Insert(value.Bool(false), "b")
	ids := h.In([]value.Value{value.Bool(true), value.Bool(false)})
	if len(ids) != 2 {
		t.Fatalf("In([true,false]) = %v; want 2 matches", ids)
	}
}

func TestHashCardinality(t *testing.T) {
	h := NewHash()
	h.Insert(value.Int(1), "a")
	h.Insert(value.Int(1), "b")
	h.Insert(value.Int(2), "c")
	if h.Cardinality() != 2 {
		t.Fatalf("Cardinality() = %d; want 2", h.Cardinality())
	}
}

func TestHashDistinctKindsDoNotCollide(t *testing.T) {
	h := NewHash()
	h.Insert(value.Int(1), "int-one")
	h.Insert(value.String("1"), "string-one")

	ids := h.Equals(value.Int(1))
	if len(ids) != 1 || ids[0] != "int-one" {
		t.Fatalf("Equals(Int(1)) = %v; want only [int-one]", ids)
	}
}
