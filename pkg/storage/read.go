package storage

import (
	"context"
	"fmt"

	"github.com/driftlake/deltawal/internal/telemetry"
	"github.com/driftlake/deltawal/pkg/record"
)

// Read returns records of streamID overlapping [start, end), bounded by
// maxBytes. The byte budget is inclusive of the record that crosses it, so
// any satisfiable request returns at least one record.
//
// The log cache is consulted first; records older than the cache come from
// the remote block cache, and the two sources are merged under a
// continuity check. Each returned record carries one reference owned by
// the caller.
func (s *Storage) Read(ctx context.Context, streamID, start, end uint64, maxBytes int) ([]*record.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if start >= end || maxBytes <= 0 {
		return nil, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "storage.read")
	defer span.End()

	cached := s.cache.Get(streamID, start, end, maxBytes)

	// Full cache hit: the head of the requested range is in cache.
	if len(cached) > 0 && cached[0].BaseOffset <= start {
		if err := validateContinuity(cached); err != nil {
			releaseAll(cached)
			return nil, err
		}
		s.m.ObserveRead(totalSize(cached), "cache")
		return cached, nil
	}

	// Partial or no hit: fetch the head from the remote block cache, up to
	// where the cache takes over.
	cacheStart := end
	if len(cached) > 0 {
		cacheStart = cached[0].BaseOffset
	}

	remote, err := s.blocks.Read(ctx, streamID, start, cacheStart, maxBytes)
	if err != nil {
		releaseAll(cached)
		return nil, fmt.Errorf("remote block cache read: %w", err)
	}

	merged := remote
	budget := 0
	for _, r := range merged {
		budget += r.Size()
	}
	consumed := 0
	for i, r := range cached {
		if budget >= maxBytes {
			releaseAll(cached[i:])
			break
		}
		merged = append(merged, r)
		budget += r.Size()
		consumed++
	}

	if err := validateContinuity(merged); err != nil {
		releaseAll(merged)
		return nil, err
	}

	source := "remote"
	if consumed > 0 {
		source = "merged"
	}
	s.m.ObserveRead(budget, source)
	return merged, nil
}

// validateContinuity checks that adjacent records chain without offset
// gaps. A violation is fatal to the request, not the process.
func validateContinuity(recs []*record.Record) error {
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1], recs[i]
		if prev.LastOffset+1 != cur.BaseOffset {
			return fmt.Errorf("%w: stream %d offset %d does not follow %d",
				ErrDiscontinuous, cur.StreamID, cur.BaseOffset, prev.LastOffset)
		}
	}
	return nil
}

func totalSize(recs []*record.Record) int {
	n := 0
	for _, r := range recs {
		n += r.Size()
	}
	return n
}

func releaseAll(recs []*record.Record) {
	for _, r := range recs {
		r.Release()
	}
}
