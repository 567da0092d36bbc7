// Package value implements the tagged union used for entity field values
// along with JSON-path navigation over it. A custom value is a type name
// plus an opaque payload; the package keeps no registry of custom types.
//
// This replaces the teacher's map[string]interface{}-backed json.Value
// with an explicit tagged union (spec.md's redesign note on dynamic
// typing), while keeping the same dot/bracket path-navigation algorithm.
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindCustom
)

// Value is a JSON-compatible primitive plus user-tagged custom types.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	List   []Value
	Map    map[string]Value
	TypeName string // set when Kind == KindCustom
	Payload  []byte // custom type's serialized payload, carried opaquely
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value            { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value        { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value         { return Value{Kind: KindBytes, Bytes: b} }
func List(items []Value) Value     { return Value{Kind: KindList, List: items} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
func Custom(typeName string, payload []byte) Value {
	return Value{Kind: KindCustom, TypeName: typeName, Payload: payload}
}

// IsNull reports whether v is the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports deep equality between two values.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		// allow numeric cross-comparison (Int vs Float) the way JSON numbers do
		if (a.Kind == KindInt && b.Kind == KindFloat) {
			return float64(a.Int) == b.Float
		}
		if a.Kind == KindFloat && b.Kind == KindInt {
			return a.Float == float64(b.Int)
		}
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindCustom:
		return a.TypeName == b.TypeName && string(a.Payload) == string(b.Payload)
	}
	return false
}

// Compare provides a total order over Values of comparable kinds, used by
// the ordered index. Values of differing, non-numeric kinds order by Kind.
func Compare(a, b Value) int {
	if a.Kind == KindInt && b.Kind == KindFloat {
		return compareFloat(float64(a.Int), b.Float)
	}
	if a.Kind == KindFloat && b.Kind == KindInt {
		return compareFloat(a.Float, float64(b.Int))
	}
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case KindInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	case KindFloat:
		return compareFloat(a.Float, b.Float)
	case KindString:
		return strings.Compare(a.Str, b.Str)
	case KindBytes:
		return strings.Compare(string(a.Bytes), string(b.Bytes))
	default:
		// Lists, maps, and custom values have no natural total order;
		// compare their canonical string forms for stable (if arbitrary) ordering.
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FromInterface converts a plain Go value (as produced by encoding/json or
// hand-built test data) into a Value.
func FromInterface(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case []interface{}:
		items := make([]Value, len(x))
		for i, item := range x {
			cv, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return List(items), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			cv, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported Go type %T", v)
	}
}

// Interface converts a Value back into a plain Go value.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindList:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, item := range v.Map {
			out[k] = item.Interface()
		}
		return out
	case KindCustom:
		return map[string]interface{}{"__type": v.TypeName, "__value": v.Payload}
	}
	return nil
}

// ParsePath splits a dotted/bracketed field path such as "a.b[0].c" into
// its segments. Kept close to the teacher's json.parsePath algorithm.
func ParsePath(path string) []string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	var parts []string
	var current strings.Builder

	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch ch {
		case '.':
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		case '[':
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			j := i + 1
			for j < len(path) && path[j] != ']' {
				j++
			}
			if j < len(path) {
				parts = append(parts, path[i+1:j])
				i = j
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// GetPath navigates v by a dotted/bracketed field path and returns the
// value found there, or false if the path does not resolve.
func GetPath(v Value, path string) (Value, bool) {
	parts := ParsePath(path)
	current := v
	for _, part := range parts {
		switch current.Kind {
		case KindMap:
			next, ok := current.Map[part]
			if !ok {
				return Value{}, false
			}
			current = next
		case KindList:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(current.List) {
				return Value{}, false
			}
			current = current.List[idx]
		default:
			return Value{}, false
		}
	}
	return current, true
}

// SetPath returns a copy of v with the value at path replaced by newVal,
// creating intermediate maps as needed.
func SetPath(v Value, path string, newVal Value) (Value, error) {
	parts := ParsePath(path)
	if len(parts) == 0 {
		return newVal, nil
	}
	return setPath(v, parts, newVal)
}

func setPath(v Value, parts []string, newVal Value) (Value, error) {
	if v.Kind != KindMap {
		if v.Kind == KindNull {
			v = Map(map[string]Value{})
		} else {
			return Value{}, fmt.Errorf("value: cannot set field %q in %v", parts[0], v.Kind)
		}
	}
	out := make(map[string]Value, len(v.Map))
	for k, val := range v.Map {
		out[k] = val
	}
	if len(parts) == 1 {
		out[parts[0]] = newVal
		return Map(out), nil
	}
	child, ok := out[parts[0]]
	if !ok {
		child = Map(map[string]Value{})
	}
	updated, err := setPath(child, parts[1:], newVal)
	if err != nil {
		return Value{}, err
	}
	out[parts[0]] = updated
	return Map(out), nil
}

// Contains reports whether container structurally contains needle, the
// way MongoDB-style $contains / document-subset matching works. Grounded
// on the teacher's json.Value.Contains recursive algorithm.
func Contains(container, needle Value) bool {
	switch container.Kind {
	case KindMap:
		if needle.Kind != KindMap {
			return false
		}
		for k, nv := range needle.Map {
			cv, ok := container.Map[k]
			if !ok || !Contains(cv, nv) {
				return false
			}
		}
		return true
	case KindList:
		if needle.Kind != KindList {
			for _, elem := range container.List {
				if Contains(elem, needle) {
					return true
				}
			}
			return false
		}
		for _, nv := range needle.List {
			found := false
			for _, cv := range container.List {
				if Contains(cv, nv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return Equal(container, needle)
	}
}
