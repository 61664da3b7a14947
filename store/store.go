package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goliatone/go-process"
)

// ErrVersionConflict indicates a transaction commit observed rows changed by
// a concurrent committer. Callers retry the whole transaction.
var ErrVersionConflict = errors.New("store: version conflict")

// Provider opens transactions over a shared store. WithTransaction runs fn
// inside one transaction, committing when fn returns nil and rolling back on
// any error or context cancellation. Reads inside the transaction observe
// its own writes.
type Provider interface {
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional boundary tables operate through. Implementations
// live in this package; entities cross it only as encoded bytes.
type Tx interface {
	insert(table string, data []byte) (uint64, error)
	fetch(table string, id uint64) ([]byte, error)
	replace(table string, id uint64, data []byte) error
	remove(table string, id uint64) error
}

// Codec encodes entities for storage. JSON is the default; providers never
// interpret the bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }

// Table is the typed CRUD surface over one entity kind. Tables are cheap
// values; bind one per entity type and share it freely.
type Table[E any] struct {
	name  string
	codec Codec
}

// NewTable binds a typed table to its storage name.
func NewTable[E any](name string) Table[E] {
	return Table[E]{name: name, codec: jsonCodec{}}
}

// WithCodec returns a copy of the table using a different entity codec.
func (t Table[E]) WithCodec(c Codec) Table[E] {
	if c != nil {
		t.codec = c
	}
	return t
}

// Name returns the table's storage name.
func (t Table[E]) Name() string { return t.name }

// Put stores a new entity and returns its handle.
func (t Table[E]) Put(tx Tx, e E) (Handle[E], error) {
	data, err := t.codec.Marshal(e)
	if err != nil {
		return Handle[E]{}, err
	}
	id, err := tx.insert(t.name, data)
	if err != nil {
		return Handle[E]{}, err
	}
	return Handle[E]{id: id}, nil
}

// Get resolves a handle inside the transaction.
func (t Table[E]) Get(tx Tx, h Handle[E]) (E, error) {
	var e E
	if !h.Valid() {
		return e, t.notFound(h)
	}
	data, err := t.fetchRaw(tx, h)
	if err != nil {
		return e, err
	}
	if err := t.codec.Unmarshal(data, &e); err != nil {
		return e, err
	}
	return e, nil
}

// Update replaces the entity the handle references. The handle stays valid
// and keeps identifying the entity after the update.
func (t Table[E]) Update(tx Tx, h Handle[E], e E) error {
	if !h.Valid() {
		return t.notFound(h)
	}
	if _, err := t.fetchRaw(tx, h); err != nil {
		return err
	}
	data, err := t.codec.Marshal(e)
	if err != nil {
		return err
	}
	return tx.replace(t.name, h.id, data)
}

// Invalidate removes the entity. The handle never resolves again and its id
// is never reissued.
func (t Table[E]) Invalidate(tx Tx, h Handle[E]) error {
	if !h.Valid() {
		return t.notFound(h)
	}
	if _, err := t.fetchRaw(tx, h); err != nil {
		return err
	}
	return tx.remove(t.name, h.id)
}

func (t Table[E]) fetchRaw(tx Tx, h Handle[E]) ([]byte, error) {
	data, err := tx.fetch(t.name, h.id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, t.notFound(h)
	}
	return data, nil
}

func (t Table[E]) notFound(h Handle[E]) error {
	e := process.ErrNotFound.Clone()
	e.Message = "no " + t.name + " entity for handle"
	return e.WithMetadata(map[string]any{
		"table": t.name,
		"id":    h.id,
	})
}
