package kvstore

import (
	"context"
	"fmt"
	"sync"
)

type entry struct {
	valueType string
	s         string
	i         int64
	b         bool
}

type entryKey struct {
	namespace, key string
}

// MemoryStore is an in-process Store. Values are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]entry)}
}

func (m *MemoryStore) get(namespace, key, wantType string) (entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryKey{namespace, key}]
	if !ok {
		return entry{}, fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	if e.valueType != wantType {
		return entry{}, fmt.Errorf("%s/%s holds %s, want %s: %w", namespace, key, e.valueType, wantType, ErrTypeMismatch)
	}
	return e, nil
}

// GetString returns a string value.
func (m *MemoryStore) GetString(_ context.Context, namespace, key string) (string, error) {
	e, err := m.get(namespace, key, typeString)
	return e.s, err
}

// GetInt returns an integer value.
func (m *MemoryStore) GetInt(_ context.Context, namespace, key string) (int64, error) {
	e, err := m.get(namespace, key, typeInt)
	return e.i, err
}

// GetBool returns a boolean value.
func (m *MemoryStore) GetBool(_ context.Context, namespace, key string) (bool, error) {
	e, err := m.get(namespace, key, typeBool)
	return e.b, err
}

// SetString stores a string value.
func (m *MemoryStore) SetString(ctx context.Context, namespace, key, value string) error {
	return m.Update(ctx, func(w Writer) error { return w.SetString(ctx, namespace, key, value) })
}

// SetInt stores an integer value.
func (m *MemoryStore) SetInt(ctx context.Context, namespace, key string, value int64) error {
	return m.Update(ctx, func(w Writer) error { return w.SetInt(ctx, namespace, key, value) })
}

// SetBool stores a boolean value.
func (m *MemoryStore) SetBool(ctx context.Context, namespace, key string, value bool) error {
	return m.Update(ctx, func(w Writer) error { return w.SetBool(ctx, namespace, key, value) })
}

// Delete removes a key.
func (m *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	return m.Update(ctx, func(w Writer) error { return w.Delete(ctx, namespace, key) })
}

// Update stages the writes made by fn and applies them together if fn
// returns nil.
func (m *MemoryStore) Update(ctx context.Context, fn func(w Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := &stagedWriter{}
	if err := fn(staged); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range staged.ops {
		if op.delete {
			delete(m.entries, op.key)
			continue
		}
		m.entries[op.key] = op.entry
	}
	return nil
}

type stagedOp struct {
	key    entryKey
	entry  entry
	delete bool
}

type stagedWriter struct {
	ops []stagedOp
}

func (w *stagedWriter) SetString(_ context.Context, namespace, key, value string) error {
	w.ops = append(w.ops, stagedOp{key: entryKey{namespace, key}, entry: entry{valueType: typeString, s: value}})
	return nil
}

func (w *stagedWriter) SetInt(_ context.Context, namespace, key string, value int64) error {
	w.ops = append(w.ops, stagedOp{key: entryKey{namespace, key}, entry: entry{valueType: typeInt, i: value}})
	return nil
}

func (w *stagedWriter) SetBool(_ context.Context, namespace, key string, value bool) error {
	w.ops = append(w.ops, stagedOp{key: entryKey{namespace, key}, entry: entry{valueType: typeBool, b: value}})
	return nil
}

func (w *stagedWriter) Delete(_ context.Context, namespace, key string) error {
	w.ops = append(w.ops, stagedOp{key: entryKey{namespace, key}, delete: true})
	return nil
}
