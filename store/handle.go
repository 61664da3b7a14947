// Package store is the persistence substrate: typed handles, per-entity
// tables, and transactional providers. The engine only ever touches entities
// through a Table bound to a Tx, so swapping the backing provider never
// touches engine code.
package store

import (
	"fmt"
	"strconv"
)

// Handle is an opaque identifier for one stored entity. The type parameter
// pins the entity kind, so passing a model handle where a node-instance
// handle is expected fails at compile time. The zero handle is invalid.
// Handles are never reused, even after the entity is invalidated.
type Handle[E any] struct {
	id uint64
}

// HandleFor wraps a raw id into a typed handle. Intended for transport
// boundaries that move ids as integers.
func HandleFor[E any](id uint64) Handle[E] {
	return Handle[E]{id: id}
}

// ID exposes the raw id for transport boundaries.
func (h Handle[E]) ID() uint64 { return h.id }

// Valid reports whether the handle references anything.
func (h Handle[E]) Valid() bool { return h.id != 0 }

func (h Handle[E]) String() string {
	var e E
	return fmt.Sprintf("%T#%d", e, h.id)
}

// MarshalJSON encodes the handle as its raw id.
func (h Handle[E]) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(h.id, 10)), nil
}

// UnmarshalJSON decodes a raw id back into a typed handle.
func (h *Handle[E]) UnmarshalJSON(data []byte) error {
	id, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return err
	}
	h.id = id
	return nil
}
