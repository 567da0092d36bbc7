// Package index implements the two secondary-index kinds collections can
// build over a field path: an ordered, B+tree-shaped multimap supporting
// range/prefix/in queries, and a hash index for equality-only lookups
// (spec.md §4.7).
package index

import (
	"errors"
	"sort"
	"sync"

	"github.com/nestdb/nestdb/pkg/value"
)

var (
	ErrInvalidKey = errors.New("index: invalid key")
)

// idSet is a small ordered set of entity ids mapped to by one key, since
// duplicate keys are common (spec.md §4.7 "duplicate keys map to a set
// of ids").
type idSet map[string]struct{}

func (s idSet) slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// node is a B+tree node over value.Value keys. Grounded directly on
// pkg/btree/btree.go's node/split/insert shape, generalized from
// []byte keys and single []byte values to value.Value keys and
// multi-id leaf values.
type node struct {
	leaf     bool
	keys     []value.Value
	ids      []idSet // parallel to keys, leaves only
	children []*node
}

// Ordered is an in-memory ordered index keyed by value.Value, supporting
// equality, range, prefix, and set ("in") lookups (spec.md §4.7).
type Ordered struct {
	mu       sync.RWMutex
	root     *node
	order    int
	cardinality int // distinct keys
	total       int // total (key,id) pairs
	lastAppliedLSN uint64
}

// NewOrdered creates an empty ordered index.
func NewOrdered() *Ordered {
	return &Ordered{
		root:  &node{leaf: true},
		order: 64,
	}
}

// Insert adds id under key.
func (t *Ordered) Insert(key value.Value, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newKey, newChild, added := t.insert(t.root, key, id)
	if added {
		t.total++
	}
	if newChild != nil {
		t.root = &node{
			leaf:     false,
			keys:     []value.Value{newKey},
			children: []*node{t.root, newChild},
		}
	}
}

func (t *Ordered) insert(n *node, key value.Value, id string) (value.Value, *node, bool) {
	i := findKey(n.keys, key)

	if n.leaf {
		if i < len(n.keys) && value.Equal(n.keys[i], key) {
			if _, exists := n.ids[i][id]; !exists {
				n.ids[i][id] = struct{}{}
				return value.Value{}, nil, true
			}
			return value.Value{}, nil, false
		}

		n.keys = insertKeyAt(n.keys, i, key)
		n.ids = insertIDsAt(n.ids, i, idSet{id: struct{}{}})
		t.cardinality++

		if len(n.keys) > t.order {
			nk, nn := t.splitLeaf(n)
			return nk, nn, true
		}
		return value.Value{}, nil, true
	}

	if i < len(n.keys) && value.Equal(n.keys[i], key) {
		i++
	}
	newKey, newChild, added := t.insert(n.children[i], key, id)
	if newChild != nil {
		n.keys = insertKeyAt(n.keys, i, newKey)
		n.children = insertChildAt(n.children, i+1, newChild)
		if len(n.keys) > t.order {
			nk, nn := t.splitInternal(n)
			return nk, nn, added
		}
	}
	return value.Value{}, nil, added
}

func (t *Ordered) splitLeaf(n *node) (value.Value, *node) {
	mid := len(n.keys) / 2
	newNode := &node{
		leaf: true,
		keys: append([]value.Value{}, n.keys[mid:]...),
		ids:  append([]idSet{}, n.ids[mid:]...),
	}
	n.keys = n.keys[:mid]
	n.ids = n.ids[:mid]
	return newNode.keys[0], newNode
}

func (t *Ordered) splitInternal(n *node) (value.Value, *node) {
	mid := len(n.keys) / 2
	promoted := n.keys[mid]
	newNode := &node{
		leaf:     false,
		keys:     append([]value.Value{}, n.keys[mid+1:]...),
		children: append([]*node{}, n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return promoted, newNode
}

// Remove drops id from key's id set. If that empties the set, the key
// itself is not physically removed (left as an empty entry) — kept
// simple since the index is rebuilt wholesale on staleness anyway.
func (t *Ordered) Remove(key value.Value, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remove(t.root, key, id) {
		t.total--
	}
}

func (t *Ordered) remove(n *node, key value.Value, id string) bool {
	i := findKey(n.keys, key)
	if n.leaf {
		if i < len(n.keys) && value.Equal(n.keys[i], key) {
			if _, ok := n.ids[i][id]; ok {
				delete(n.ids[i], id)
				return true
			}
		}
		return false
	}
	if i < len(n.keys) && value.Equal(n.keys[i], key) {
		i++
	}
	return t.remove(n.children[i], key, id)
}

// Equals returns all ids stored under key.
func (t *Ordered) Equals(key value.Value) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	for !n.leaf {
		i := findKey(n.keys, key)
		if i < len(n.keys) && value.Equal(n.keys[i], key) {
			i++
		}
		n = n.children[i]
	}
	i := findKey(n.keys, key)
	if i < len(n.keys) && value.Equal(n.keys[i], key) {
		return n.ids[i].slice()
	}
	return nil
}

// RangeBounds selects which end(s) of a range are bounded and whether
// they are inclusive (spec.md §4.7 "range(low, high, inclusive_flags)").
type RangeBounds struct {
	Low          value.Value
	HasLow       bool
	LowInclusive bool

	High          value.Value
	HasHigh       bool
	HighInclusive bool
}

// Range returns ids whose key falls within bounds, in ascending key
// order, terminating the walk as soon as the upper bound is exceeded.
func (t *Ordered) Range(bounds RangeBounds) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	done := false
	var walk func(n *node)
	walk = func(n *node) {
		if n.leaf {
			for i, k := range n.keys {
				if bounds.HasLow {
					cmp := value.Compare(k, bounds.Low)
					if cmp < 0 || (cmp == 0 && !bounds.LowInclusive) {
						continue
					}
				}
				if bounds.HasHigh {
					cmp := value.Compare(k, bounds.High)
					if cmp > 0 || (cmp == 0 && !bounds.HighInclusive) {
						done = true
						return
					}
				}
				out = append(out, n.ids[i].slice()...)
			}
			return
		}
		for _, child := range n.children {
			walk(child)
			if done {
				return
			}
		}
	}
	walk(t.root)
	return out
}

// Prefix returns ids whose (string) key starts with prefix.
func (t *Ordered) Prefix(prefix string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	var walk func(n *node)
	walk = func(n *node) {
		if n.leaf {
			for i, k := range n.keys {
				if k.Kind == value.KindString && len(k.Str) >= len(prefix) && k.Str[:len(prefix)] == prefix {
					out = append(out, n.ids[i].slice()...)
				}
			}
			return
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	return out
}

// In returns the union of ids stored under any of keys.
func (t *Ordered) In(keys []value.Value) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		for _, id := range t.Equals(k) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Cardinality returns the number of distinct keys.
func (t *Ordered) Cardinality() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cardinality
}

// Total returns the number of (key, id) pairs.
func (t *Ordered) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// LastAppliedLSN returns the LSN last recorded by SetLastAppliedLSN
// (Manager.RebuildFrom stamps it), which Manager.Stale compares. The index
// lives in memory only, so the stamp does not survive a restart.
func (t *Ordered) LastAppliedLSN() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastAppliedLSN
}

// SetLastAppliedLSN records the LSN up to which this index is current.
func (t *Ordered) SetLastAppliedLSN(lsn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAppliedLSN = lsn
}

func findKey(keys []value.Value, key value.Value) int {
	return sort.Search(len(keys), func(i int) bool {
		return value.Compare(key, keys[i]) <= 0
	})
}

func insertKeyAt(keys []value.Value, i int, key value.Value) []value.Value {
	keys = append(keys, value.Value{})
	copy(keys[i+1:], keys[i:])
	keys[i] = key
	return keys
}

func insertIDsAt(ids []idSet, i int, s idSet) []idSet {
	ids = append(ids, nil)
	copy(ids[i+1:], ids[i:])
	ids[i] = s
	return ids
}

func insertChildAt(children []*node, i int, c *node) []*node {
	children = append(children, nil)
	copy(children[i+1:], children[i:])
	children[i] = c
	return children
}
