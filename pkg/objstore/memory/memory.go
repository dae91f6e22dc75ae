// Package memory provides an in-memory object store for tests and local
// development.
package memory

import (
	"context"
	"sync"

	"github.com/driftlake/deltawal/pkg/objstore"
)

// Store is a map-backed object store.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	closed  bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Write stores a copy of data under key.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return objstore.ErrStoreClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

// ReadRange reads a byte range of the object at key.
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, objstore.ErrStoreClosed
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, objstore.ErrObjectNotFound
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, objstore.ErrObjectNotFound
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	cp := make([]byte, end-offset)
	copy(cp, data[offset:end])
	return cp, nil
}

// Delete removes the object at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return objstore.ErrStoreClosed
	}
	delete(s.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure Store implements objstore.Store.
var _ objstore.Store = (*Store)(nil)
