package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// remoteWith preloads a fake block cache with one record per offset in
// [from, to), each of the given payload size.
func remoteWith(t *testing.T, stream, from, to uint64, size int) *fakeBlockCache {
	t.Helper()
	f := &fakeBlockCache{}
	for i := from; i < to; i++ {
		f.records = append(f.records, testRecord(t, stream, i, i, size))
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadAcrossCacheRemoteBoundary(t *testing.T) {
	remote := remoteWith(t, 1, 40, 50, 256)
	env := newTestStorage(t, Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, func(d *Deps) {
		d.Blocks = remote
	})

	ctx := context.Background()
	for i := uint64(50); i < 100; i++ {
		if err := env.s.Append(ctx, testRecord(t, 1, i, i, 256)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, err := env.s.Read(ctx, 1, 40, 90, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer releaseAll(recs)

	// The remote cache was asked only for the head the log cache misses.
	remote.mu.Lock()
	reads := remote.reads
	remote.mu.Unlock()
	if len(reads) != 1 || reads[0] != [2]uint64{40, 50} {
		t.Fatalf("remote asked for %v, want [[40 50]]", reads)
	}

	if len(recs) != 50 {
		t.Fatalf("merged %d records, want 50", len(recs))
	}
	if recs[0].BaseOffset != 40 || recs[len(recs)-1].LastOffset != 89 {
		t.Errorf("merged range [%d,%d], want [40,89]",
			recs[0].BaseOffset, recs[len(recs)-1].LastOffset)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].LastOffset+1 != recs[i].BaseOffset {
			t.Fatalf("merged list has a gap at index %d", i)
		}
	}
}

func TestReadPureCacheHitSkipsRemote(t *testing.T) {
	remote := &fakeBlockCache{}
	env := newTestStorage(t, Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, func(d *Deps) {
		d.Blocks = remote
	})

	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		if err := env.s.Append(ctx, testRecord(t, 1, i, i, 128)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recs, err := env.s.Read(ctx, 1, 2, 8, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer releaseAll(recs)

	if len(recs) != 6 {
		t.Errorf("read %d records, want 6", len(recs))
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.reads) != 0 {
		t.Errorf("remote consulted %d times on a cache hit", len(remote.reads))
	}
}

func TestReadByteBudgetInclusive(t *testing.T) {
	env := newTestStorage(t, Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, nil)

	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		if err := env.s.Append(ctx, testRecord(t, 1, i, i, 1000)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// The record crossing the budget is included; one record minimum.
	recs, err := env.s.Read(ctx, 1, 0, 10, 1500)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer releaseAll(recs)
	if len(recs) != 2 {
		t.Errorf("read %d records with 1500-byte budget, want 2", len(recs))
	}
}

func TestReadDiscontinuityIsRequestFatal(t *testing.T) {
	// Remote serves [40,44] but [45,49] is missing: the merge with cache
	// records at 50+ has a hole.
	remote := remoteWith(t, 1, 40, 45, 128)
	env := newTestStorage(t, Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, func(d *Deps) {
		d.Blocks = remote
	})

	ctx := context.Background()
	for i := uint64(50); i < 60; i++ {
		if err := env.s.Append(ctx, testRecord(t, 1, i, i, 128)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	_, err := env.s.Read(ctx, 1, 40, 60, 1<<20)
	if !errors.Is(err, ErrDiscontinuous) {
		t.Fatalf("Read error = %v, want ErrDiscontinuous", err)
	}

	// The storage core survives; a well-formed read still works.
	recs, err := env.s.Read(ctx, 1, 50, 60, 1<<20)
	if err != nil {
		t.Fatalf("follow-up Read: %v", err)
	}
	releaseAll(recs)
}

func TestReadEmptyRangeReturnsNothing(t *testing.T) {
	env := newTestStorage(t, Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, nil)

	recs, err := env.s.Read(context.Background(), 1, 10, 10, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("read %d records from an empty range", len(recs))
	}
}
