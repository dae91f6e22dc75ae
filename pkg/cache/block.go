package cache

import (
	"github.com/driftlake/deltawal/pkg/record"
)

// BlockState represents the lifecycle state of a cache block.
type BlockState int

const (
	// BlockActive indicates the block accepts inserts.
	BlockActive BlockState = iota

	// BlockArchived indicates the block is sealed and awaiting upload.
	BlockArchived

	// BlockFreed indicates the block's records have been released.
	BlockFreed
)

// String returns the string representation of BlockState.
func (s BlockState) String() string {
	switch s {
	case BlockActive:
		return "Active"
	case BlockArchived:
		return "Archived"
	case BlockFreed:
		return "Freed"
	default:
		return "Unknown"
	}
}

// Block is one generation of the log cache: a per-stream index of records
// inserted while the block was active.
//
// Per stream, records are strictly contiguous in offset space; the caller
// (the callback sequencer) guarantees insertion in offset order, so the
// per-stream slices are append-only.
type Block struct {
	streams       map[uint64][]*record.Record
	size          int64
	confirmOffset int64
	state         BlockState
}

func newBlock() *Block {
	return &Block{
		streams:       make(map[uint64][]*record.Record),
		confirmOffset: -1,
	}
}

// put appends a record to its stream's slice. Caller holds the cache lock.
func (b *Block) put(r *record.Record) {
	b.streams[r.StreamID] = append(b.streams[r.StreamID], r)
	b.size += int64(r.Size())
}

// Records returns the block's records for one stream, in offset order.
// The slice is owned by the block; callers must not mutate it.
func (b *Block) Records(streamID uint64) []*record.Record {
	return b.streams[streamID]
}

// StreamIDs returns the ids of all streams with records in this block.
func (b *Block) StreamIDs() []uint64 {
	ids := make([]uint64, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	return ids
}

// StreamBytes returns the byte count of one stream's records in this block.
func (b *Block) StreamBytes(streamID uint64) int64 {
	var n int64
	for _, r := range b.streams[streamID] {
		n += int64(r.Size())
	}
	return n
}

// Size returns the block's total byte size.
func (b *Block) Size() int64 {
	return b.size
}

// ConfirmOffset returns the WAL offset through which every record contained
// in this block is durable. -1 until the block is archived.
func (b *Block) ConfirmOffset() int64 {
	return b.confirmOffset
}

// State returns the block's lifecycle state.
func (b *Block) State() BlockState {
	return b.state
}

// free releases every record exactly once. Caller holds the cache lock.
func (b *Block) free() {
	if b.state == BlockFreed {
		return
	}
	b.state = BlockFreed
	for _, recs := range b.streams {
		for _, r := range recs {
			r.Release()
		}
	}
	b.streams = nil
}
