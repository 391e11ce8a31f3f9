package storage

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-memory result store.
type MemoryStore struct {
	records []*Record
	byQuery map[string][]int // query -> indexes into records
	nextSeq int64
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byQuery: make(map[string][]int), nextSeq: 1}
}

func (m *MemoryStore) Append(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(r)
	return nil
}

func (m *MemoryStore) appendLocked(r *Record) {
	stamp(r)
	r.Seq = m.nextSeq
	m.nextSeq++
	m.byQuery[r.Query] = append(m.byQuery[r.Query], len(m.records))
	m.records = append(m.records, copyRecord(r))
}

func (m *MemoryStore) List(query string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.byQuery[query]
	out := make([]*Record, len(idx))
	for i, n := range idx {
		out[i] = copyRecord(m.records[n])
	}
	return out, nil
}

func (m *MemoryStore) Last(query string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.byQuery[query]
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w for query %s", ErrNotFound, query)
	}
	return copyRecord(m.records[idx[len(idx)-1]]), nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.byQuery = make(map[string][]int)
	return nil
}

// BeginTransaction buffers appends until Commit.
func (m *MemoryStore) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{store: m}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type memoryTransaction struct {
	store   *MemoryStore
	pending []*Record
	done    bool
}

func (t *memoryTransaction) Append(r *Record) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.pending = append(t.pending, r)
	return nil
}

func (t *memoryTransaction) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, r := range t.pending {
		t.store.appendLocked(r)
	}
	t.pending = nil
	return nil
}

func (t *memoryTransaction) Rollback() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.pending = nil
	return nil
}
