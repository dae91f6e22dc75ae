// Package objstore defines the object store contract used by the upload
// pipeline and the block cache.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("objstore: store closed")

	// ErrObjectNotFound is returned when a requested object doesn't exist.
	ErrObjectNotFound = errors.New("objstore: object not found")
)

// Store writes and reads immutable objects by key.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Write stores data under key, overwriting any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// ReadRange reads length bytes of the object at key starting at offset.
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases client resources.
	Close() error
}

// ObjectKey derives the remote key for an object id. The leading hash
// fragment spreads keys across S3 partitions.
func ObjectKey(id uint64) string {
	return fmt.Sprintf("%02x/%020d", id%256, id)
}
