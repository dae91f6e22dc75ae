package storage

import (
	"sort"

	"github.com/driftlake/deltawal/pkg/cache"
	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/record"
)

// plannedObject is one remote object an upload task will produce: either
// the stream-set object aggregating small streams, or a stream object
// holding one large stream.
type plannedObject struct {
	isSet    bool
	streamID uint64 // stream objects only

	// recs are the frames to concatenate, retained on behalf of the task.
	recs []*record.Record

	// ranges are the per-stream byte extents within the object body.
	// Stream objects carry exactly one.
	ranges []meta.ObjectRange

	size int64

	// Assigned during prepare.
	objectID uint64
	key      string
}

// planBlock partitions a block's records into remote objects.
//
// Streams whose byte count in the block exceeds splitSize become dedicated
// stream objects; the remainder aggregates into one stream-set object. When
// the set would span more than maxSetStreams streams, the largest are
// promoted to stream objects until it fits.
//
// Every record referenced by the plan is retained for the task; the task
// owes one release per record, normally discharged by handing the records
// to the block cache at commit.
//
// The returned slice is id-assignment order: the set object first, then
// stream objects by ascending stream id.
func planBlock(b *cache.Block, splitSize int64, maxSetStreams int) []*plannedObject {
	streamIDs := b.StreamIDs()
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	var setStreams, splitStreams []uint64
	for _, id := range streamIDs {
		if b.StreamBytes(id) > splitSize {
			splitStreams = append(splitStreams, id)
		} else {
			setStreams = append(setStreams, id)
		}
	}

	// Keep the set object within its stream budget by promoting the
	// largest members.
	if maxSetStreams > 0 && len(setStreams) > maxSetStreams {
		sort.Slice(setStreams, func(i, j int) bool {
			return b.StreamBytes(setStreams[i]) > b.StreamBytes(setStreams[j])
		})
		promoted := setStreams[:len(setStreams)-maxSetStreams]
		setStreams = setStreams[len(setStreams)-maxSetStreams:]
		splitStreams = append(splitStreams, promoted...)
		sort.Slice(splitStreams, func(i, j int) bool { return splitStreams[i] < splitStreams[j] })
		sort.Slice(setStreams, func(i, j int) bool { return setStreams[i] < setStreams[j] })
	}

	var objs []*plannedObject

	if len(setStreams) > 0 {
		set := &plannedObject{isSet: true}
		var pos int64
		for _, id := range setStreams {
			recs := b.Records(id)
			if len(recs) == 0 {
				continue
			}
			var streamBytes int64
			for _, r := range recs {
				r.Retain()
				set.recs = append(set.recs, r)
				streamBytes += int64(r.Size())
			}
			set.ranges = append(set.ranges, meta.ObjectRange{
				StreamID:   id,
				BaseOffset: recs[0].BaseOffset,
				LastOffset: recs[len(recs)-1].LastOffset,
				ByteOffset: pos,
				ByteLength: streamBytes,
			})
			pos += streamBytes
		}
		set.size = pos
		if len(set.recs) > 0 {
			objs = append(objs, set)
		}
	}

	for _, id := range splitStreams {
		recs := b.Records(id)
		if len(recs) == 0 {
			continue
		}
		obj := &plannedObject{streamID: id}
		var streamBytes int64
		for _, r := range recs {
			r.Retain()
			obj.recs = append(obj.recs, r)
			streamBytes += int64(r.Size())
		}
		obj.size = streamBytes
		obj.ranges = []meta.ObjectRange{{
			StreamID:   id,
			BaseOffset: recs[0].BaseOffset,
			LastOffset: recs[len(recs)-1].LastOffset,
			ByteOffset: 0,
			ByteLength: streamBytes,
		}}
		objs = append(objs, obj)
	}

	return objs
}

// releasePlan releases the plan's record references. Used when a task is
// abandoned before its records were handed to the block cache.
func releasePlan(objs []*plannedObject) {
	for _, o := range objs {
		for _, r := range o.recs {
			r.Release()
		}
		o.recs = nil
	}
}
