// Package cache implements the two-generation in-memory record cache.
//
// The cache holds recently appended records, keyed by stream, in generations
// called blocks. Exactly one block is active and accepts inserts; when the
// active block crosses the flush threshold it is archived and a fresh active
// block takes its place. Archived blocks feed the upload pipeline in archive
// order and are freed after their records are committed to remote objects.
//
// Thread Safety:
// All structural mutation (insert, rotation, free) is serialized by a single
// mutex. Record reference counts are atomic, so readers returned by Get can
// release their references without holding the cache lock.
package cache

import (
	"math"
	"sort"
	"sync"

	"github.com/driftlake/deltawal/pkg/bufpool"
	"github.com/driftlake/deltawal/pkg/record"
)

// AnyStream is the wildcard stream id accepted by ArchiveCurrent.
const AnyStream = uint64(math.MaxUint64)

// LogCache indexes recently appended records for reads and flushes.
type LogCache struct {
	mu             sync.Mutex
	active         *Block
	archived       []*Block
	softCap        int64
	flushThreshold int64
	confirmOffset  int64
}

// New creates a log cache with the given soft cap and flush threshold.
func New(softCap, flushThreshold int64) *LogCache {
	return &LogCache{
		active:         newBlock(),
		softCap:        softCap,
		flushThreshold: flushThreshold,
		confirmOffset:  -1,
	}
}

// InstallLowMemoryHandler registers this cache as the buffer pool's reclaim
// handler: when the pool runs past its budget, the cache frees its oldest
// archived blocks. Call once at startup.
func (c *LogCache) InstallLowMemoryHandler() {
	bufpool.SetReclaimHandler(func(needed int) int {
		return int(c.ForceFree(int64(needed)))
	})
}

// Put inserts a record into the active block. The record's reference is
// taken over by the cache; it is released when the containing block is
// freed.
//
// Returns true when the active block's size has reached the flush
// threshold, signalling the caller to initiate an upload.
func (c *LogCache) Put(r *record.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active.put(r)
	return c.active.size >= c.flushThreshold
}

// Get returns the longest contiguous run of cached records for the stream
// that covers start, bounded by end (exclusive) and maxBytes.
//
// The byte budget is inclusive: the record that pushes the accumulated size
// past maxBytes is still returned, so a hit always yields at least one
// record. If no cached record covers start, the result either is empty or
// begins strictly after start; the reader falls back to remote storage for
// the head.
//
// Each returned record is retained on behalf of the caller, who owes one
// Release per record.
func (c *LogCache) Get(streamID, start, end uint64, maxBytes int) []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Blocks are ordered oldest to newest and per-stream inserts arrive in
	// offset order, so concatenating per-stream slices yields an
	// offset-ordered list. Gaps can only appear where an archived block was
	// freed, which the continuity walk below handles.
	var all []*record.Record
	for _, b := range c.archived {
		all = append(all, b.Records(streamID)...)
	}
	all = append(all, c.active.Records(streamID)...)
	if len(all) == 0 {
		return nil
	}

	// First record whose range reaches start.
	idx := sort.Search(len(all), func(i int) bool {
		return all[i].LastOffset >= start
	})
	if idx == len(all) {
		return nil
	}

	var out []*record.Record
	var bytes int
	for i := idx; i < len(all); i++ {
		r := all[i]
		if r.BaseOffset >= end {
			break
		}
		if len(out) > 0 && out[len(out)-1].LastOffset+1 != r.BaseOffset {
			break
		}
		if bytes >= maxBytes {
			break
		}
		r.Retain()
		out = append(out, r)
		bytes += r.Size()
	}
	return out
}

// SetConfirmOffset records the WAL offset through which all cached records
// are durable. Stamped onto the active block when it is archived.
func (c *LogCache) SetConfirmOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.confirmOffset {
		c.confirmOffset = offset
	}
}

// ConfirmOffset returns the current WAL confirm offset, -1 if none.
func (c *LogCache) ConfirmOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmOffset
}

// ArchiveCurrent seals the active block and returns it if it contains any
// record for streamID (or any record at all when streamID is AnyStream).
// Returns nil without rotating otherwise.
//
// The archived block carries the confirm offset captured at rotation time.
func (c *LogCache) ArchiveCurrent(streamID uint64) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active.size == 0 {
		return nil
	}
	if streamID != AnyStream {
		if len(c.active.Records(streamID)) == 0 {
			return nil
		}
	}

	b := c.active
	b.state = BlockArchived
	b.confirmOffset = c.confirmOffset
	c.archived = append(c.archived, b)
	c.active = newBlock()
	return b
}

// Archived returns the archived blocks in archive order.
// The returned slice is a copy; the blocks are shared.
func (c *LogCache) Archived() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Block, len(c.archived))
	copy(out, c.archived)
	return out
}

// MarkFree releases an archived block's records and removes it from the
// archive list. Freeing an already freed block is a no-op.
func (c *LogCache) MarkFree(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeLocked(b)
}

func (c *LogCache) freeLocked(b *Block) {
	if b.state != BlockArchived {
		return
	}
	for i, ab := range c.archived {
		if ab == b {
			c.archived = append(c.archived[:i], c.archived[i+1:]...)
			break
		}
	}
	b.free()
}

// ForceFree frees the oldest archived blocks until at least bytes have been
// reclaimed or no archived block remains. Returns the bytes actually freed.
//
// Upload tasks retain their own references to the records they carry, so
// freeing a block out from under an in-flight upload only drops the cache's
// references.
func (c *LogCache) ForceFree(bytes int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freed int64
	for freed < bytes && len(c.archived) > 0 {
		b := c.archived[0]
		freed += b.size
		c.freeLocked(b)
	}
	return freed
}

// Size returns total bytes across the active and archived blocks.
func (c *LogCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.active.size
	for _, b := range c.archived {
		total += b.size
	}
	return total
}

// SoftCap returns the configured soft cap in bytes.
func (c *LogCache) SoftCap() int64 {
	return c.softCap
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	// ActiveBytes is the active block's size.
	ActiveBytes int64

	// ArchivedBytes is the total size of archived blocks.
	ArchivedBytes int64

	// ArchivedBlocks is the number of blocks awaiting upload.
	ArchivedBlocks int

	// ConfirmOffset is the current WAL confirm offset.
	ConfirmOffset int64
}

// Snapshot returns current cache statistics.
func (c *LogCache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ActiveBytes:   c.active.size,
		ConfirmOffset: c.confirmOffset,
	}
	for _, b := range c.archived {
		s.ArchivedBytes += b.size
	}
	s.ArchivedBlocks = len(c.archived)
	return s
}
