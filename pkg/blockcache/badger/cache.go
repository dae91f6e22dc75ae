// Package badger implements the remote block cache on a local Badger store,
// filling misses from the object store via metadata extent lookups.
//
// Record frames are keyed by (stream id, base offset). A read first
// assembles what the local store holds; gaps are filled by locating the
// committed objects covering the missing range, issuing ranged reads
// against the object store, and caching the decoded frames for subsequent
// reads.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/driftlake/deltawal/pkg/blockcache"
	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/objstore"
	"github.com/driftlake/deltawal/pkg/record"
)

const frameKeySize = 1 + 8 + 8

// Config holds configuration for the Badger block cache.
type Config struct {
	// Path is the Badger database directory.
	Path string

	// Size caps Badger's in-memory tables (bytes). 0 uses Badger defaults.
	Size int64

	// TTL bounds how long cached frames live. 0 disables expiry.
	TTL time.Duration
}

// Cache is the Badger-backed remote block cache.
type Cache struct {
	db     *badgerdb.DB
	store  objstore.Store
	meta   meta.ObjectManager
	ttl    time.Duration
}

// Open opens the cache at cfg.Path, backed by store for misses and m for
// extent lookups.
func Open(cfg Config, store objstore.Store, m meta.ObjectManager) (*Cache, error) {
	opts := badgerdb.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.Size > 0 {
		opts = opts.WithMemTableSize(cfg.Size / 8)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open block cache: %w", err)
	}
	return &Cache{db: db, store: store, meta: m, ttl: cfg.TTL}, nil
}

func frameKey(streamID, baseOffset uint64) []byte {
	key := make([]byte, frameKeySize)
	key[0] = 'f'
	binary.BigEndian.PutUint64(key[1:9], streamID)
	binary.BigEndian.PutUint64(key[9:17], baseOffset)
	return key
}

// Put stores committed record frames, consuming one reference per record.
func (c *Cache) Put(recs []*record.Record) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range recs {
		entry := badgerdb.NewEntry(frameKey(r.StreamID, r.BaseOffset), append([]byte(nil), r.Encoded()...))
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		if err := wb.SetEntry(entry); err != nil {
			return fmt.Errorf("block cache put: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("block cache flush: %w", err)
	}

	for _, r := range recs {
		r.Release()
	}
	return nil
}

// Read assembles committed records overlapping [start, end), local first,
// filling gaps from the object store.
func (c *Cache) Read(ctx context.Context, streamID, start, end uint64, maxBytes int) ([]*record.Record, error) {
	var out []*record.Record
	bytes := 0
	next := start

	release := func() {
		for _, r := range out {
			r.Release()
		}
	}

	for next < end && bytes < maxBytes {
		local, err := c.readLocal(streamID, next, end, maxBytes-bytes)
		if err != nil {
			release()
			return nil, err
		}

		if len(local) > 0 && local[0].BaseOffset <= next {
			out = append(out, local...)
			last := local[len(local)-1]
			next = last.LastOffset + 1
			for _, r := range local {
				bytes += r.Size()
			}
			continue
		}

		// Local miss at next. Bound the remote fetch by the first local hit
		// so we don't re-fetch what the cache already holds.
		gapEnd := end
		if len(local) > 0 {
			gapEnd = local[0].BaseOffset
		}
		for _, r := range local {
			r.Release()
		}

		fetched, err := c.fetchRemote(ctx, streamID, next, gapEnd)
		if err != nil {
			release()
			return nil, err
		}
		if len(fetched) == 0 {
			// Nothing committed past next; the caller decides whether the
			// result is complete.
			break
		}

		for _, r := range fetched {
			if next < end && bytes < maxBytes {
				out = append(out, r)
				next = r.LastOffset + 1
				bytes += r.Size()
			} else {
				r.Release()
			}
		}
	}
	return out, nil
}

// readLocal collects a contiguous run of cached frames covering start, or a
// run beginning after start when the head is missing.
func (c *Cache) readLocal(streamID, start, end uint64, maxBytes int) ([]*record.Record, error) {
	var out []*record.Record
	err := c.db.View(func(txn *badgerdb.Txn) error {
		// The frame covering start may begin before it: probe backwards
		// one step with a reverse iterator first.
		seek := frameKey(streamID, start)
		rev := txn.NewIterator(badgerdb.IteratorOptions{Reverse: true})
		rev.Seek(seek)
		startKey := seek
		if rev.ValidForPrefix(frameKey(streamID, 0)[:9]) {
			item := rev.Item()
			base := binary.BigEndian.Uint64(item.Key()[9:17])
			var covers bool
			err := item.Value(func(val []byte) error {
				r, err := record.Decode(val)
				if err != nil {
					return err
				}
				covers = r.LastOffset >= start
				if covers {
					out = append(out, r)
				} else {
					r.Release()
				}
				return nil
			})
			if err != nil {
				rev.Close()
				return err
			}
			if covers {
				startKey = frameKey(streamID, base+1)
			}
		}
		rev.Close()

		bytes := 0
		for _, r := range out {
			bytes += r.Size()
		}

		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := frameKey(streamID, 0)[:9]
		for it.Seek(startKey); it.ValidForPrefix(prefix); it.Next() {
			if bytes >= maxBytes {
				break
			}
			var rec *record.Record
			err := it.Item().Value(func(val []byte) error {
				r, err := record.Decode(val)
				if err != nil {
					return err
				}
				rec = r
				return nil
			})
			if err != nil {
				return err
			}
			if rec.BaseOffset >= end {
				rec.Release()
				break
			}
			if len(out) > 0 && out[len(out)-1].LastOffset+1 != rec.BaseOffset {
				rec.Release()
				break
			}
			out = append(out, rec)
			bytes += rec.Size()
		}
		return nil
	})
	if err != nil {
		for _, r := range out {
			r.Release()
		}
		return nil, fmt.Errorf("block cache read: %w", err)
	}
	return out, nil
}

// fetchRemote locates committed extents overlapping [start, end), reads
// them from the object store, decodes the frames, and caches them locally.
func (c *Cache) fetchRemote(ctx context.Context, streamID, start, end uint64) ([]*record.Record, error) {
	located, err := c.meta.LookupRanges(ctx, streamID, start, end)
	if err != nil {
		return nil, fmt.Errorf("locate committed ranges: %w", err)
	}

	var out []*record.Record
	for _, lr := range located {
		data, err := c.store.ReadRange(ctx, lr.ObjectKey, lr.Range.ByteOffset, lr.Range.ByteLength)
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, fmt.Errorf("read object %s: %w", lr.ObjectKey, err)
		}

		pos := 0
		for pos < len(data) {
			r, err := record.Decode(data[pos:])
			if err != nil {
				for _, o := range out {
					o.Release()
				}
				return nil, fmt.Errorf("decode frame in object %s: %w", lr.ObjectKey, err)
			}
			pos += r.Size()
			if r.LastOffset < start || r.BaseOffset >= end {
				r.Release()
				continue
			}
			out = append(out, r)
		}
	}

	if len(out) > 0 {
		toCache := make([]*record.Record, len(out))
		for i, r := range out {
			r.Retain()
			toCache[i] = r
		}
		if err := c.Put(toCache); err != nil {
			// Caching is best effort; the fetched records are still valid.
			for _, r := range toCache {
				r.Release()
			}
		}
	}
	return out, nil
}

// Close closes the Badger store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Ensure Cache implements blockcache.BlockCache.
var _ blockcache.BlockCache = (*Cache)(nil)
