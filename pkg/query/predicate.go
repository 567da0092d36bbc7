// Package query implements the predicate tree collections are filtered
// by, a small textual filter language compiling to it, and a cost-based
// planner choosing between an index lookup and a full heap scan
// (spec.md §4.9).
//
// Grounded on the shape of the teacher's query/ast.go statement nodes
// (an interface with concrete struct implementations dispatched by type
// switch), generalized from SQL statements to a document filter tree.
package query

import (
	"github.com/nestdb/nestdb/pkg/value"
)

// Predicate evaluates to true or false against one entity's fields.
type Predicate interface {
	Matches(fields map[string]value.Value) bool
}

// Eq matches when the field at Path equals Value.
type Eq struct {
	Path  string
	Value value.Value
}

func (p Eq) Matches(fields map[string]value.Value) bool {
	v, ok := value.GetPath(value.Map(fields), p.Path)
	if !ok {
		return false
	}
	return value.Equal(v, p.Value)
}

// RangeOp matches when the field at Path falls within [Low, High] per the
// inclusive flags (spec.md §4.7 range semantics reused as a predicate).
type RangeOp struct {
	Path          string
	Low           value.Value
	HasLow        bool
	LowInclusive  bool
	High          value.Value
	HasHigh       bool
	HighInclusive bool
}

func (p RangeOp) Matches(fields map[string]value.Value) bool {
	v, ok := value.GetPath(value.Map(fields), p.Path)
	if !ok {
		return false
	}
	if p.HasLow {
		cmp := value.Compare(v, p.Low)
		if cmp < 0 || (cmp == 0 && !p.LowInclusive) {
			return false
		}
	}
	if p.HasHigh {
		cmp := value.Compare(v, p.High)
		if cmp > 0 || (cmp == 0 && !p.HighInclusive) {
			return false
		}
	}
	return true
}

// In matches when the field at Path equals any of Values.
type In struct {
	Path   string
	Values []value.Value
}

func (p In) Matches(fields map[string]value.Value) bool {
	v, ok := value.GetPath(value.Map(fields), p.Path)
	if !ok {
		return false
	}
	for _, candidate := range p.Values {
		if value.Equal(v, candidate) {
			return true
		}
	}
	return false
}

// PrefixOp matches when the string field at Path starts with Prefix.
type PrefixOp struct {
	Path   string
	Prefix string
}

func (p PrefixOp) Matches(fields map[string]value.Value) bool {
	v, ok := value.GetPath(value.Map(fields), p.Path)
	if !ok || v.Kind != value.KindString {
		return false
	}
	return len(v.Str) >= len(p.Prefix) && v.Str[:len(p.Prefix)] == p.Prefix
}

// ContainsOp matches when the field at Path structurally contains Needle
// (spec.md's document-subset containment, see value.Contains).
type ContainsOp struct {
	Path   string
	Needle value.Value
}

func (p ContainsOp) Matches(fields map[string]value.Value) bool {
	v, ok := value.GetPath(value.Map(fields), p.Path)
	if !ok {
		return false
	}
	return value.Contains(v, p.Needle)
}

// And matches when every sub-predicate matches.
type And []Predicate

func (p And) Matches(fields map[string]value.Value) bool {
	for _, sub := range p {
		if !sub.Matches(fields) {
			return false
		}
	}
	return true
}

// Or matches when at least one sub-predicate matches.
type Or []Predicate

func (p Or) Matches(fields map[string]value.Value) bool {
	for _, sub := range p {
		if sub.Matches(fields) {
			return true
		}
	}
	return false
}

// Not inverts its sub-predicate.
type Not struct{ Pred Predicate }

func (p Not) Matches(fields map[string]value.Value) bool {
	return !p.Pred.Matches(fields)
}
