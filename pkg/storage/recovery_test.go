package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/objstore/memory"
	"github.com/driftlake/deltawal/pkg/record"
	"github.com/driftlake/deltawal/pkg/wal"
)

// seedEntry builds a WAL entry holding one encoded record frame.
func seedEntry(t *testing.T, offset int64, stream, base, last uint64, size int) wal.Entry {
	t.Helper()
	r, err := record.New(stream, base, last, make([]byte, size))
	if err != nil {
		t.Fatalf("record.New: %v", err)
	}
	frame := append([]byte(nil), r.Encoded()...)
	r.Release()
	return wal.Entry{Offset: offset, Data: frame}
}

func newRecoveryEnv(entries []wal.Entry, opening []meta.StreamMetadata) (*Storage, *fakeWAL, *fakeMeta, *memory.Store) {
	w := newFakeWAL()
	w.seeded = entries
	m := newFakeMeta()
	m.opening = opening
	store := memory.New()

	s := New(Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   10 * time.Millisecond,
	}, Deps{WAL: w, Objects: m, Streams: m, Store: store})
	return s, w, m, store
}

func TestRecoveryFlushesAcceptedRecords(t *testing.T) {
	entries := []wal.Entry{
		seedEntry(t, 0, 1, 100, 100, 512),
		seedEntry(t, 1, 1, 101, 101, 512),
		seedEntry(t, 2, 9, 0, 0, 512), // stream not open: dropped
		seedEntry(t, 3, 1, 102, 102, 512),
		seedEntry(t, 4, 1, 103, 103, 512),
		seedEntry(t, 5, 1, 104, 104, 512),
	}
	opening := []meta.StreamMetadata{{StreamID: 1, Epoch: 7, EndOffset: 100}}

	s, w, m, store := newRecoveryEnv(entries, opening)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	if got := m.commitCount(); got != 1 {
		t.Fatalf("commits = %d, want 1 synchronous recovery flush", got)
	}
	commit := m.committed()[0]
	if len(commit.set.Ranges) != 1 {
		t.Fatalf("recovered commit has %d ranges, want 1", len(commit.set.Ranges))
	}
	r := commit.set.Ranges[0]
	if r.StreamID != 1 || r.BaseOffset != 100 || r.LastOffset != 104 {
		t.Errorf("recovered range = %+v, want stream 1 [100,104]", r)
	}

	if store.Len() != 1 {
		t.Errorf("store holds %d objects, want 1", store.Len())
	}
	if w.resets != 1 {
		t.Errorf("wal resets = %d, want 1", w.resets)
	}
	if epoch, ok := m.closed[1]; !ok || epoch != 7 {
		t.Errorf("stream 1 close epoch = %d (present=%t), want 7", epoch, ok)
	}

	// Nothing recovered lingers in the cache.
	snap := s.cache.Snapshot()
	if snap.ActiveBytes != 0 || snap.ArchivedBytes != 0 {
		t.Errorf("cache not empty after recovery flush: %+v", snap)
	}
}

func TestRecoveryDropsCommittedPrefix(t *testing.T) {
	// End offset 103: bases 100-102 were committed and forgotten.
	entries := []wal.Entry{
		seedEntry(t, 0, 1, 100, 100, 128),
		seedEntry(t, 1, 1, 101, 101, 128),
		seedEntry(t, 2, 1, 102, 102, 128),
		seedEntry(t, 3, 1, 103, 103, 128),
	}
	opening := []meta.StreamMetadata{{StreamID: 1, Epoch: 1, EndOffset: 103}}

	s, _, m, _ := newRecoveryEnv(entries, opening)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	commit := m.committed()[0]
	r := commit.set.Ranges[0]
	if r.BaseOffset != 103 || r.LastOffset != 103 {
		t.Errorf("recovered range = [%d,%d], want [103,103]", r.BaseOffset, r.LastOffset)
	}
}

func TestRecoveryGapIsFatal(t *testing.T) {
	// Metadata expects 100; the WAL starts at 101.
	entries := []wal.Entry{
		seedEntry(t, 0, 1, 101, 101, 128),
	}
	opening := []meta.StreamMetadata{{StreamID: 1, Epoch: 1, EndOffset: 100}}

	s, _, _, _ := newRecoveryEnv(entries, opening)
	err := s.Start(context.Background())
	if !errors.Is(err, ErrRecoveryGap) {
		t.Fatalf("Start error = %v, want ErrRecoveryGap", err)
	}
}

func TestRecoveryEmptyWalStillClosesStreams(t *testing.T) {
	opening := []meta.StreamMetadata{{StreamID: 4, Epoch: 2, EndOffset: 0}}

	s, w, m, store := newRecoveryEnv(nil, opening)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	if m.commitCount() != 0 {
		t.Errorf("commits = %d, want 0", m.commitCount())
	}
	if store.Len() != 0 {
		t.Errorf("store objects = %d, want 0", store.Len())
	}
	if w.resets != 1 {
		t.Errorf("wal resets = %d, want 1", w.resets)
	}
	if epoch := m.closed[4]; epoch != 2 {
		t.Errorf("close epoch = %d, want 2", epoch)
	}
}
