// Package blockcache defines the remote block cache consulted by the read
// path for records that have left the log cache.
package blockcache

import (
	"context"

	"github.com/driftlake/deltawal/pkg/record"
)

// BlockCache serves records that have been committed to remote objects.
//
// Implementations return records in offset order, starting with the record
// covering start when one exists, bounded by end (exclusive) and maxBytes
// (inclusive of the overflowing record). Returned records carry one
// reference owned by the caller.
type BlockCache interface {
	// Read returns committed records overlapping [start, end).
	Read(ctx context.Context, streamID, start, end uint64, maxBytes int) ([]*record.Record, error)

	// Put feeds committed records into the cache. One reference per record
	// is consumed, completing the ownership hand-off from the upload task.
	Put(recs []*record.Record) error

	// Close releases cache resources.
	Close() error
}

// Noop is a BlockCache that caches nothing and serves nothing. Used when no
// local cache directory is configured and in tests exercising cache-only
// reads.
type Noop struct{}

// Read always returns no records.
func (Noop) Read(ctx context.Context, streamID, start, end uint64, maxBytes int) ([]*record.Record, error) {
	return nil, nil
}

// Put releases the records and discards them.
func (Noop) Put(recs []*record.Record) error {
	for _, r := range recs {
		r.Release()
	}
	return nil
}

// Close is a no-op.
func (Noop) Close() error { return nil }

// Ensure Noop implements BlockCache.
var _ BlockCache = Noop{}
