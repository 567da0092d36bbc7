// Package entity defines the Entity value carried by collections: a
// stable id, a field map, and a monotonic version counter (spec.md §3).
package entity

import (
	"github.com/google/uuid"

	"github.com/nestdb/nestdb/pkg/value"
)

// VersionField is the reserved field name the version counter is stored
// under alongside user fields in the persisted record (spec.md §4.9).
const VersionField = "__version"

// Entity is an opaque value with a stable id and a field→value map, plus
// an internal monotonically increasing version.
type Entity struct {
	ID      string
	Fields  map[string]value.Value
	Version uint64
}

// NewID generates a 128-bit time-ordered UUID (v7), rendered as a 36-char
// string, per spec.md §3.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG is broken; fall back to
		// a pure-random v4 rather than surfacing an error from an id
		// generator callers expect to be infallible.
		return uuid.New().String()
	}
	return id.String()
}

// Clone returns a copy of e with its own top-level Fields map, so setting or
// deleting a field on the clone leaves e unchanged. Nested Map, List and
// Bytes values are shared between e and the clone, not copied.
func (e Entity) Clone() Entity {
	fields := make(map[string]value.Value, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return Entity{ID: e.ID, Fields: fields, Version: e.Version}
}

// WithVersion returns a copy of e carrying the given version, with
// __version mirrored into Fields for serialization (spec.md §4.9).
func (e Entity) WithVersion(version uint64) Entity {
	clone := e.Clone()
	clone.Version = version
	clone.Fields[VersionField] = value.Int(int64(version))
	return clone
}

// Get returns the value at a (possibly nested) field path within e.
func (e Entity) Get(path string) (value.Value, bool) {
	return value.GetPath(value.Map(e.Fields), path)
}
