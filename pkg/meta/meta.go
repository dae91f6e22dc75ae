// Package meta defines the metadata contracts the storage core depends on:
// object id allocation and commit, and stream lifecycle queries.
//
// The storage core never interprets metadata beyond these interfaces; the
// default implementation in meta/sqlite keeps everything in a local SQLite
// database for single-node deployments.
package meta

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStreamNotFound is returned for lookups of unknown streams.
	ErrStreamNotFound = errors.New("meta: stream not found")

	// ErrEpochMismatch is returned when a close carries a stale epoch.
	ErrEpochMismatch = errors.New("meta: epoch mismatch")

	// ErrObjectExists is returned when committing an already committed id.
	ErrObjectExists = errors.New("meta: object already committed")
)

// StreamMetadata describes one stream as known to the metadata service.
type StreamMetadata struct {
	StreamID    uint64
	Epoch       uint64
	StartOffset uint64

	// EndOffset is the exclusive end of the committed range: the base
	// offset the next record must carry.
	EndOffset uint64
}

// ObjectRange is the extent of one stream's records within an object.
type ObjectRange struct {
	StreamID   uint64
	BaseOffset uint64

	// LastOffset is inclusive.
	LastOffset uint64

	// ByteOffset and ByteLength locate the stream's frames within the
	// object body, enabling ranged reads.
	ByteOffset int64
	ByteLength int64
}

// ObjectManifest describes a stream-set object: records of multiple streams
// aggregated into one remote object.
type ObjectManifest struct {
	ObjectID uint64
	Key      string
	Size     int64
	Ranges   []ObjectRange
}

// StreamObjectManifest describes an object holding records of one stream.
type StreamObjectManifest struct {
	ObjectID   uint64
	Key        string
	Size       int64
	StreamID   uint64
	BaseOffset uint64
	LastOffset uint64
}

// LocatedRange pairs an object key with the extent it holds, for reads.
type LocatedRange struct {
	ObjectKey string
	Range     ObjectRange
}

// ObjectManager allocates and commits remote object metadata.
//
// Prepare hands out a contiguous id range; commits publish objects
// atomically. Implementations must allocate ids monotonically so that the
// upload pipeline's ordering guarantee (earlier blocks get smaller ids)
// holds.
type ObjectManager interface {
	// Prepare reserves count contiguous object ids with the given TTL and
	// returns the first id.
	Prepare(ctx context.Context, count int, ttl time.Duration) (uint64, error)

	// CommitSetObject atomically publishes a stream-set object together
	// with any stream objects produced by the same upload, and removes the
	// compacted source objects.
	CommitSetObject(ctx context.Context, set ObjectManifest, streamObjects []StreamObjectManifest, compactedIDs []uint64) error

	// CommitStreamObject atomically publishes a single-stream object
	// derived from the given source objects.
	CommitStreamObject(ctx context.Context, obj StreamObjectManifest, sourceIDs []uint64) error

	// LookupRanges returns the committed extents overlapping
	// [start, end) for a stream, ordered by base offset.
	LookupRanges(ctx context.Context, streamID, start, end uint64) ([]LocatedRange, error)
}

// StreamManager exposes stream lifecycle state.
type StreamManager interface {
	// OpeningStreams lists streams currently open on this node.
	OpeningStreams(ctx context.Context) ([]StreamMetadata, error)

	// CloseStream closes a stream previously opened with the given epoch.
	CloseStream(ctx context.Context, streamID, epoch uint64) error
}
