package index

import (
	"errors"
	"sync"

	"github.com/nestdb/nestdb/pkg/value"
)

var (
	ErrIndexNotFound = errors.New("index: no such index")
	ErrIndexExists   = errors.New("index: index already exists on this path")
)

// Kind selects which index structure a field path is built with.
type Kind uint8

const (
	KindOrdered Kind = iota
	KindHashOnly
)

// definition pairs one field path with its backing structure.
type definition struct {
	path    string
	kind    Kind
	ordered *Ordered
	hash    *Hash
}

// Manager owns every secondary index for one collection, dispatching
// Insert/Remove/query calls by field path (spec.md §4.7 "index manager").
type Manager struct {
	mu    sync.RWMutex
	byPath map[string]*definition
}

// NewManager creates an index manager with no indexes defined.
func NewManager() *Manager {
	return &Manager{byPath: make(map[string]*definition)}
}

// Create builds a new, empty index of kind on path.
func (m *Manager) Create(path string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPath[path]; exists {
		return ErrIndexExists
	}
	def := &definition{path: path, kind: kind}
	switch kind {
	case KindOrdered:
		def.ordered = NewOrdered()
	case KindHashOnly:
		def.hash = NewHash()
	}
	m.byPath[path] = def
	return nil
}

// Drop removes the index on path.
func (m *Manager) Drop(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPath[path]; !exists {
		return ErrIndexNotFound
	}
	delete(m.byPath, path)
	return nil
}

// Paths returns every indexed field path.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.byPath))
	for p := range m.byPath {
		paths = append(paths, p)
	}
	return paths
}

// IndexEntity inserts entityID under every index whose path resolves
// against fields, called on insert/update (spec.md §4.9).
func (m *Manager) IndexEntity(entityID string, fields map[string]value.Value) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root := value.Map(fields)
	for _, def := range m.byPath {
		v, ok := value.GetPath(root, def.path)
		if !ok {
			continue
		}
		switch def.kind {
		case KindOrdered:
			def.ordered.Insert(v, entityID)
		case KindHashOnly:
			def.hash.Insert(v, entityID)
		}
	}
}

// UnindexEntity removes entityID from every index, called on delete or
// before re-indexing an update.
func (m *Manager) UnindexEntity(entityID string, fields map[string]value.Value) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root := value.Map(fields)
	for _, def := range m.byPath {
		v, ok := value.GetPath(root, def.path)
		if !ok {
			continue
		}
		switch def.kind {
		case KindOrdered:
			def.ordered.Remove(v, entityID)
		case KindHashOnly:
			def.hash.Remove(v, entityID)
		}
	}
}

// Equals returns ids whose field at path equals key, via whichever index
// is defined there (ordered indexes also serve equality lookups).
func (m *Manager) Equals(path string, key value.Value) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byPath[path]
	if !ok {
		return nil, ErrIndexNotFound
	}
	switch def.kind {
	case KindOrdered:
		return def.ordered.Equals(key), nil
	case KindHashOnly:
		return def.hash.Equals(key), nil
	}
	return nil, ErrIndexNotFound
}

// Range returns ids whose field at path falls within bounds. Requires an
// ordered index on path.
func (m *Manager) Range(path string, bounds RangeBounds) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byPath[path]
	if !ok || def.kind != KindOrdered {
		return nil, ErrIndexNotFound
	}
	return def.ordered.Range(bounds), nil
}

// Prefix returns ids whose string field at path starts with prefix.
// Requires an ordered index on path.
func (m *Manager) Prefix(path string, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byPath[path]
	if !ok || def.kind != KindOrdered {
		return nil, ErrIndexNotFound
	}
	return def.ordered.Prefix(prefix), nil
}

// In returns the union of ids whose field at path matches any of keys.
func (m *Manager) In(path string, keys []value.Value) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byPath[path]
	if !ok {
		return nil, ErrIndexNotFound
	}
	switch def.kind {
	case KindOrdered:
		return def.ordered.In(keys), nil
	case KindHashOnly:
		return def.hash.In(keys), nil
	}
	return nil, ErrIndexNotFound
}

// RebuildFrom discards and rebuilds every defined index from a full heap
// scan and stamps each with lsn. pkg/engine's Recover calls it on every
// open without consulting Stale.
func (m *Manager) RebuildFrom(scan func(fn func(entityID string, fields map[string]value.Value) bool) error, lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]*definition, len(m.byPath))
	for path, def := range m.byPath {
		nd := &definition{path: path, kind: def.kind}
		switch def.kind {
		case KindOrdered:
			nd.ordered = NewOrdered()
		case KindHashOnly:
			nd.hash = NewHash()
		}
		fresh[path] = nd
	}

	err := scan(func(entityID string, fields map[string]value.Value) bool {
		root := value.Map(fields)
		for _, def := range fresh {
			v, ok := value.GetPath(root, def.path)
			if !ok {
				continue
			}
			switch def.kind {
			case KindOrdered:
				def.ordered.Insert(v, entityID)
			case KindHashOnly:
				def.hash.Insert(v, entityID)
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, def := range fresh {
		switch def.kind {
		case KindOrdered:
			def.ordered.SetLastAppliedLSN(lsn)
		case KindHashOnly:
			def.hash.SetLastAppliedLSN(lsn)
		}
	}
	m.byPath = fresh
	return nil
}

// Stale reports whether any index's last-applied LSN is behind heapLSN.
func (m *Manager) Stale(heapLSN uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.byPath {
		switch def.kind {
		case KindOrdered:
			if def.ordered.LastAppliedLSN() < heapLSN {
				return true
			}
		case KindHashOnly:
			if def.hash.LastAppliedLSN() < heapLSN {
				return true
			}
		}
	}
	return false
}
