package storage

import (
	"testing"

	"github.com/driftlake/deltawal/pkg/cache"
	"github.com/driftlake/deltawal/pkg/record"
)

// blockWith builds an archived block holding the given (stream, size) loads.
func blockWith(t *testing.T, loads map[uint64]int) *cache.Block {
	t.Helper()
	c := cache.New(1<<30, 1<<30)
	for stream, size := range loads {
		r, err := record.New(stream, 0, 0, make([]byte, size))
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		c.Put(r)
	}
	b := c.ArchiveCurrent(cache.AnyStream)
	if b == nil {
		t.Fatal("archive returned nil")
	}
	return b
}

func TestPlanAggregatesSmallStreams(t *testing.T) {
	b := blockWith(t, map[uint64]int{1: 100, 2: 200, 3: 300})

	objs := planBlock(b, 1<<20, 100)
	defer releasePlan(objs)

	if len(objs) != 1 {
		t.Fatalf("got %d objects, want 1 set object", len(objs))
	}
	set := objs[0]
	if !set.isSet {
		t.Fatal("expected a stream-set object")
	}
	if len(set.ranges) != 3 {
		t.Errorf("set ranges = %d, want 3", len(set.ranges))
	}

	// Byte extents tile the object body without gaps.
	var pos int64
	for _, r := range set.ranges {
		if r.ByteOffset != pos {
			t.Errorf("range for stream %d starts at %d, want %d", r.StreamID, r.ByteOffset, pos)
		}
		pos += r.ByteLength
	}
	if pos != set.size {
		t.Errorf("extents cover %d bytes, object size %d", pos, set.size)
	}
}

func TestPlanSplitsLargeStreams(t *testing.T) {
	b := blockWith(t, map[uint64]int{1: 100, 2: 5000})

	objs := planBlock(b, 4000, 100)
	defer releasePlan(objs)

	if len(objs) != 2 {
		t.Fatalf("got %d objects, want set + stream object", len(objs))
	}
	if !objs[0].isSet {
		t.Error("set object must come first in id-assignment order")
	}
	if objs[1].isSet || objs[1].streamID != 2 {
		t.Errorf("second object should be stream object for stream 2, got %+v", objs[1])
	}
}

func TestPlanPromotesOverSetBudget(t *testing.T) {
	b := blockWith(t, map[uint64]int{1: 100, 2: 200, 3: 300})

	objs := planBlock(b, 1<<20, 2)
	defer releasePlan(objs)

	var setCount, streamCount int
	for _, o := range objs {
		if o.isSet {
			setCount++
			if len(o.ranges) > 2 {
				t.Errorf("set object spans %d streams, budget 2", len(o.ranges))
			}
		} else {
			streamCount++
		}
	}
	if setCount != 1 || streamCount != 1 {
		t.Errorf("got %d set + %d stream objects, want 1 + 1", setCount, streamCount)
	}
}

func TestPlanRetainsRecords(t *testing.T) {
	c := cache.New(1<<30, 1<<30)
	r, _ := record.New(1, 0, 0, make([]byte, 10))
	c.Put(r)
	b := c.ArchiveCurrent(cache.AnyStream)

	objs := planBlock(b, 1<<20, 100)
	if got := r.Refs(); got != 2 {
		t.Errorf("refs after plan = %d, want 2 (cache + task)", got)
	}

	releasePlan(objs)
	c.MarkFree(b)
	if got := r.Refs(); got != 0 {
		t.Errorf("refs after release = %d, want 0", got)
	}
}
