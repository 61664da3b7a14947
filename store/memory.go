package store

import (
	"context"
	"sync"
)

// Memory is a thread-safe in-memory provider with optimistic transactions.
// Reads record the row versions they observed; commit validates every
// observed version and fails with ErrVersionConflict when a concurrent
// transaction got there first.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	nextID uint64
	rows   map[uint64]memRow
}

type memRow struct {
	data    []byte
	version uint64
}

// NewMemory constructs an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// WithTransaction runs fn inside an optimistic transaction. fn returning an
// error discards every buffered write; a clean return commits atomically.
func (m *Memory) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return nil
	}
	tx := &memTx{
		m:      m,
		reads:  make(map[rowKey]uint64),
		writes: make(map[rowKey][]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (m *Memory) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{rows: make(map[uint64]memRow)}
		m.tables[name] = t
	}
	return t
}

type rowKey struct {
	table string
	id    uint64
}

// memTx buffers writes and tracks observed versions. Inserted ids are
// allocated eagerly so handles are usable inside the transaction; an
// aborted transaction burns its ids, which keeps them from ever being
// reused.
type memTx struct {
	m      *Memory
	reads  map[rowKey]uint64
	writes map[rowKey][]byte // nil value marks a tombstone
}

func (tx *memTx) insert(table string, data []byte) (uint64, error) {
	tx.m.mu.Lock()
	t := tx.m.table(table)
	t.nextID++
	id := t.nextID
	tx.m.mu.Unlock()

	key := rowKey{table, id}
	tx.reads[key] = 0
	tx.writes[key] = data
	return id, nil
}

func (tx *memTx) fetch(table string, id uint64) ([]byte, error) {
	key := rowKey{table, id}
	if data, ok := tx.writes[key]; ok {
		return data, nil
	}

	tx.m.mu.Lock()
	row, ok := tx.m.table(table).rows[id]
	tx.m.mu.Unlock()

	if _, seen := tx.reads[key]; !seen {
		if ok {
			tx.reads[key] = row.version
		} else {
			tx.reads[key] = 0
		}
	}
	if !ok || row.data == nil {
		return nil, nil
	}
	return row.data, nil
}

func (tx *memTx) replace(table string, id uint64, data []byte) error {
	tx.observe(table, id)
	tx.writes[rowKey{table, id}] = data
	return nil
}

func (tx *memTx) remove(table string, id uint64) error {
	tx.observe(table, id)
	tx.writes[rowKey{table, id}] = nil
	return nil
}

// observe pins the row's current version so blind writes still participate
// in conflict detection.
func (tx *memTx) observe(table string, id uint64) {
	key := rowKey{table, id}
	if _, seen := tx.reads[key]; seen {
		return
	}
	tx.m.mu.Lock()
	row, ok := tx.m.table(table).rows[id]
	tx.m.mu.Unlock()
	if ok {
		tx.reads[key] = row.version
	} else {
		tx.reads[key] = 0
	}
}

func (tx *memTx) commit() error {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()

	for key, observed := range tx.reads {
		row, ok := tx.m.table(key.table).rows[key.id]
		current := uint64(0)
		if ok {
			current = row.version
		}
		if current != observed {
			return ErrVersionConflict
		}
	}

	for key, data := range tx.writes {
		t := tx.m.table(key.table)
		version := t.rows[key.id].version + 1
		t.rows[key.id] = memRow{data: data, version: version}
	}
	return nil
}
