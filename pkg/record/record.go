// Package record defines the immutable record batch that flows through the
// storage pipeline, along with its wire encoding.
//
// A Record is encoded exactly once, before admission to the append pipeline,
// so client buffers are never held past the append call. The same encoded
// frame is written to the WAL and later flushed into remote objects.
//
// Records are reference counted. Ownership moves client -> gateway -> cache
// -> upload task -> block cache; each holder retains before handing off and
// releases when done. When the count reaches zero the backing buffer is
// returned to the buffer pool.
package record

import (
	"fmt"
	"sync/atomic"

	"github.com/driftlake/deltawal/pkg/bufpool"
)

// Record is an immutable batch of records belonging to one stream.
//
// BaseOffset and LastOffset are both inclusive; LastOffset >= BaseOffset
// always holds for a valid record.
type Record struct {
	StreamID   uint64
	BaseOffset uint64
	LastOffset uint64

	encoded []byte
	refs    atomic.Int32
}

// New builds a record from a client payload, copying it into a pooled,
// fully encoded frame. The caller's payload buffer is not retained.
//
// The returned record has a reference count of one; the caller owns that
// reference and must Release it (directly or by handing ownership off).
func New(streamID, baseOffset, lastOffset uint64, payload []byte) (*Record, error) {
	if lastOffset < baseOffset {
		return nil, fmt.Errorf("record: last offset %d precedes base offset %d", lastOffset, baseOffset)
	}
	if delta := lastOffset - baseOffset; delta > maxOffsetDelta {
		return nil, fmt.Errorf("record: offset delta %d exceeds maximum %d", delta, maxOffsetDelta)
	}

	r := &Record{
		StreamID:   streamID,
		BaseOffset: baseOffset,
		LastOffset: lastOffset,
	}
	r.encoded = encodeFrame(r, payload)
	r.refs.Store(1)
	return r, nil
}

// Encoded returns the full encoded frame (header plus payload).
// The slice must not be modified or used after the last Release.
func (r *Record) Encoded() []byte {
	return r.encoded
}

// Payload returns the opaque payload bytes within the encoded frame.
func (r *Record) Payload() []byte {
	return r.encoded[headerSize:]
}

// Size returns the encoded frame size in bytes.
func (r *Record) Size() int {
	return len(r.encoded)
}

// Retain increments the reference count. Each Retain obligates exactly one
// Release.
func (r *Record) Retain() {
	if r.refs.Add(1) <= 1 {
		panic("record: retain on released record")
	}
}

// Release decrements the reference count and returns the backing buffer to
// the pool when it reaches zero.
func (r *Record) Release() {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		buf := r.encoded
		r.encoded = nil
		bufpool.Put(buf)
	case n < 0:
		panic("record: release of freed record")
	}
}

// Refs reports the current reference count. Intended for tests and leak
// accounting at shutdown.
func (r *Record) Refs() int32 {
	return r.refs.Load()
}
