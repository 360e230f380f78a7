package docstore

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-memory implementation of Store, used in tests and for
// local development. The single mutex makes every Update trivially atomic.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, nil
	}

	cp := make([]byte, len(doc))
	copy(cp, doc)

	return cp, nil
}

func (m *Memory) Put(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.docs[key] = cp

	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.docs[key]
	if !ok {
		current = nil
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}

	if updated != nil {
		m.docs[key] = updated
	}

	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry

	for key, doc := range m.docs {
		if strings.HasPrefix(key, prefix) {
			cp := make([]byte, len(doc))
			copy(cp, doc)
			entries = append(entries, Entry{Key: key, Doc: cp})
		}
	}

	return entries, nil
}

func (m *Memory) DeleteBatch(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.docs, key)
	}

	return nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.docs)
}

// Compile-time check.
var _ Store = (*Memory)(nil)
