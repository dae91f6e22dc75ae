package badger

import (
	"context"
	"testing"
	"time"

	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/objstore"
	"github.com/driftlake/deltawal/pkg/objstore/memory"
	"github.com/driftlake/deltawal/pkg/record"
)

// fullStubMeta serves a fixed extent table and counts lookups.
type fullStubMeta struct {
	located []meta.LocatedRange
	lookups int
}

func (s *fullStubMeta) Prepare(ctx context.Context, count int, ttl time.Duration) (uint64, error) {
	return 0, nil
}

func (s *fullStubMeta) CommitSetObject(ctx context.Context, set meta.ObjectManifest, streamObjs []meta.StreamObjectManifest, compacted []uint64) error {
	return nil
}

func (s *fullStubMeta) CommitStreamObject(ctx context.Context, obj meta.StreamObjectManifest, sources []uint64) error {
	return nil
}

func (s *fullStubMeta) LookupRanges(ctx context.Context, streamID, start, end uint64) ([]meta.LocatedRange, error) {
	s.lookups++
	var out []meta.LocatedRange
	for _, lr := range s.located {
		r := lr.Range
		if r.StreamID == streamID && r.BaseOffset < end && r.LastOffset >= start {
			out = append(out, lr)
		}
	}
	return out, nil
}

func newCache(t *testing.T, store objstore.Store, m meta.ObjectManager) *Cache {
	t.Helper()
	c, err := Open(Config{Path: t.TempDir()}, store, m)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// frames encodes one record per offset in [from, to) and returns the
// concatenated body.
func frames(t *testing.T, stream, from, to uint64, size int) []byte {
	t.Helper()
	var body []byte
	for i := from; i < to; i++ {
		r, err := record.New(stream, i, i, make([]byte, size))
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		body = append(body, r.Encoded()...)
		r.Release()
	}
	return body
}

func TestPutThenReadLocal(t *testing.T) {
	c := newCache(t, memory.New(), &fullStubMeta{})

	var recs []*record.Record
	for i := uint64(0); i < 5; i++ {
		r, err := record.New(1, i, i, make([]byte, 64))
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		recs = append(recs, r)
	}
	if err := c.Put(recs); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Read(context.Background(), 1, 1, 4, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer releaseAll(got)

	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	if got[0].BaseOffset != 1 || got[2].LastOffset != 3 {
		t.Errorf("range [%d,%d], want [1,3]", got[0].BaseOffset, got[2].LastOffset)
	}
}

func TestReadFillsFromObjectStore(t *testing.T) {
	store := memory.New()
	body := frames(t, 1, 10, 20, 64)
	if err := store.Write(context.Background(), "00/7", body); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m := &fullStubMeta{located: []meta.LocatedRange{{
		ObjectKey: "00/7",
		Range: meta.ObjectRange{
			StreamID:   1,
			BaseOffset: 10,
			LastOffset: 19,
			ByteOffset: 0,
			ByteLength: int64(len(body)),
		},
	}}}

	c := newCache(t, store, m)

	got, err := c.Read(context.Background(), 1, 12, 18, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("read %d records, want 6", len(got))
	}
	if got[0].BaseOffset != 12 || got[len(got)-1].LastOffset != 17 {
		t.Errorf("range [%d,%d], want [12,17]", got[0].BaseOffset, got[len(got)-1].LastOffset)
	}
	releaseAll(got)

	// The fetched frames are now cached: a second read needs no lookup.
	m.lookups = 0
	got, err = c.Read(context.Background(), 1, 12, 18, 1<<20)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	defer releaseAll(got)
	if len(got) != 6 {
		t.Fatalf("second read %d records, want 6", len(got))
	}
	if m.lookups != 0 {
		t.Errorf("second read issued %d extent lookups, want 0", m.lookups)
	}
}

func TestReadMissReturnsWhatExists(t *testing.T) {
	c := newCache(t, memory.New(), &fullStubMeta{})

	got, err := c.Read(context.Background(), 1, 0, 10, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("read %d records from empty cache, want 0", len(got))
	}
}

func releaseAll(recs []*record.Record) {
	for _, r := range recs {
		r.Release()
	}
}
