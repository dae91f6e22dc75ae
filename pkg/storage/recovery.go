package storage

import (
	"context"
	"fmt"

	"github.com/driftlake/deltawal/internal/logger"
	"github.com/driftlake/deltawal/pkg/bufpool"
	"github.com/driftlake/deltawal/pkg/cache"
	"github.com/driftlake/deltawal/pkg/objstore"
	"github.com/driftlake/deltawal/pkg/record"
)

// recover replays the WAL against the metadata service's view of open
// streams, rebuilds the cache, flushes it synchronously, resets the WAL,
// and closes the recovered streams.
//
// A record that does not extend its stream contiguously from the committed
// end offset is an integrity violation and fails startup.
func (s *Storage) recover(ctx context.Context) error {
	entries, err := s.wal.Recover()
	if err != nil {
		return fmt.Errorf("wal recover: %w", err)
	}

	open, err := s.streams.OpeningStreams(ctx)
	if err != nil {
		return fmt.Errorf("query opening streams: %w", err)
	}

	expect := make(map[uint64]uint64, len(open))
	for _, md := range open {
		expect[md.StreamID] = md.EndOffset
	}

	recovered := 0
	highest := int64(-1)
	for _, e := range entries {
		rec, err := record.Decode(e.Data)
		if err != nil {
			return fmt.Errorf("decode wal entry at offset %d: %w", e.Offset, err)
		}

		next, isOpen := expect[rec.StreamID]
		if !isOpen {
			rec.Release()
			continue
		}
		if rec.BaseOffset < next {
			// Committed and forgotten before the crash.
			rec.Release()
			continue
		}
		if rec.BaseOffset != next {
			rec.Release()
			return fmt.Errorf("%w: stream %d expects offset %d, wal has %d",
				ErrRecoveryGap, rec.StreamID, next, rec.BaseOffset)
		}

		expect[rec.StreamID] = rec.LastOffset + 1
		s.cache.Put(rec)
		if e.Offset > highest {
			highest = e.Offset
		}
		recovered++
	}

	if recovered > 0 {
		s.cache.SetConfirmOffset(highest)
		block := s.cache.ArchiveCurrent(cache.AnyStream)
		if block != nil {
			if err := s.uploadBlockSync(ctx, block); err != nil {
				return fmt.Errorf("flush recovered records: %w", err)
			}
		}
		logger.Info("recovered wal records", "count", recovered, "confirm_offset", highest)
	}

	if err := s.wal.Reset(); err != nil {
		return fmt.Errorf("reset wal: %w", err)
	}

	for _, md := range open {
		if err := s.streams.CloseStream(ctx, md.StreamID, md.Epoch); err != nil {
			return fmt.Errorf("close stream %d: %w", md.StreamID, err)
		}
	}
	return nil
}

// uploadBlockSync runs one block through prepare, upload, and commit
// inline. Used only during recovery, before the background executor runs.
func (s *Storage) uploadBlockSync(ctx context.Context, b *cache.Block) error {
	t := s.newUploadTask(b)
	if len(t.objs) == 0 {
		s.cache.MarkFree(b)
		return nil
	}

	first, err := s.objects.Prepare(ctx, len(t.objs), s.cfg.ObjectPrepareTTL)
	if err != nil {
		releasePlan(t.objs)
		return fmt.Errorf("prepare object ids: %w", err)
	}
	for i, o := range t.objs {
		o.objectID = first + uint64(i)
		o.key = objstore.ObjectKey(o.objectID)
	}

	for _, o := range t.objs {
		buf := bufpool.Get(int(o.size))
		pos := 0
		for _, r := range o.recs {
			pos += copy(buf[pos:], r.Encoded())
		}
		err := s.store.Write(ctx, o.key, buf)
		bufpool.Put(buf)
		if err != nil {
			releasePlan(t.objs)
			return fmt.Errorf("upload object %s: %w", o.key, err)
		}
	}

	set, streamObjs := buildManifests(t.objs)
	if err := s.objects.CommitSetObject(ctx, set, streamObjs, nil); err != nil {
		releasePlan(t.objs)
		return fmt.Errorf("commit recovered objects: %w", err)
	}

	var handoff []*record.Record
	for _, o := range t.objs {
		handoff = append(handoff, o.recs...)
		o.recs = nil
	}
	if err := s.blocks.Put(handoff); err != nil {
		logger.Warn("block cache populate failed during recovery", "error", err)
		for _, r := range handoff {
			r.Release()
		}
	}
	s.cache.MarkFree(b)
	return nil
}
