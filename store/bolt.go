package store

import (
	"context"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a bbolt-backed provider. One bucket per table; ids come from the
// bucket sequence, so they survive restarts and are never reissued. bbolt
// serializes writers, which gives every instance the total transaction
// order the engine relies on.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// NewBolt wraps an already-open database.
func NewBolt(db *bolt.DB) *Bolt {
	return &Bolt{db: db}
}

// Close releases the underlying database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// WithTransaction maps onto one bbolt update transaction; bbolt rolls back
// on any returned error.
func (b *Bolt) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(btx *bolt.Tx) error {
		if err := fn(&boltTx{btx: btx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

type boltTx struct {
	btx *bolt.Tx
}

func (tx *boltTx) bucket(table string) (*bolt.Bucket, error) {
	return tx.btx.CreateBucketIfNotExists([]byte(table))
}

func (tx *boltTx) insert(table string, data []byte) (uint64, error) {
	b, err := tx.bucket(table)
	if err != nil {
		return 0, err
	}
	id, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	if err := b.Put(itob(id), data); err != nil {
		return 0, err
	}
	return id, nil
}

func (tx *boltTx) fetch(table string, id uint64) ([]byte, error) {
	b, err := tx.bucket(table)
	if err != nil {
		return nil, err
	}
	return b.Get(itob(id)), nil
}

func (tx *boltTx) replace(table string, id uint64, data []byte) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

func (tx *boltTx) remove(table string, id uint64) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(itob(id))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
