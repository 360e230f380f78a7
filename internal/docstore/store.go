package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConflict is returned by Update when the bounded optimistic-retry loop
// exhausts its attempts without committing.
var ErrConflict = errors.New("docstore: too many conflicting writers")

// Entry is a single document returned by Scan.
type Entry struct {
	Key string
	Doc []byte
}

// UpdateFunc transforms a document inside an atomic read-modify-write.
// current is nil when no document exists for the key. Returning a nil
// document with a nil error leaves the stored state untouched.
type UpdateFunc func(current []byte) (updated []byte, err error)

// Store is a transactional document store keyed by composite string keys.
//
// Get returns (nil, nil) for an absent key; errors always mean the store
// itself failed, never "not found". Update guarantees linearizable per-key
// read-modify-write: concurrent callers touching the same key never lose an
// update. Keys are independent; there is no cross-key ordering.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, doc []byte) error
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Scan returns every document whose key starts with prefix.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// DeleteBatch removes the given keys as a single atomic batch.
	// Callers are responsible for respecting the backend's batch ceiling.
	DeleteBatch(ctx context.Context, keys []string) error
}

// GetAs loads and decodes a typed document. Returns (nil, nil) when absent.
func GetAs[T any](ctx context.Context, s Store, key string) (*T, error) {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", key, err)
	}

	return &v, nil
}

// PutAs encodes and stores a typed document.
func PutAs[T any](ctx context.Context, s Store, key string, v *T) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", key, err)
	}

	return s.Put(ctx, key, doc)
}
