package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlake/deltawal/internal/logger"
	"github.com/driftlake/deltawal/pkg/bufpool"
	"github.com/driftlake/deltawal/pkg/cache"
	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/objstore"
	"github.com/driftlake/deltawal/pkg/record"
)

// taskState is an upload task's position in its lifecycle. Mutated only on
// the background goroutine, except that the goroutine running a step owns
// the task exclusively for that step's duration.
type taskState int

const (
	taskCreated taskState = iota
	taskPreparing
	taskPrepared
	taskUploaded
	taskCommitting
	taskCommitted
	taskFailed
)

// uploadTask tracks one archived cache block through prepare, upload, and
// commit.
//
// The two-queue discipline: tasks enter both the prepare queue and the
// commit queue at submit time, in archive order. At most one prepare and at
// most one commit run at a time, but prepare(N+1) may overlap commit(N).
// Prepare allocates object ids, so FIFO prepares give earlier blocks
// smaller ids; FIFO commits complete in the same order, so downstream
// consumers observe a monotone object sequence.
//
// A prepare or upload failure fails the task's waiters and stalls both
// queues at the task. The block stays archived; the next flush retries the
// task in place, reusing already-allocated ids so the id ordering survives
// retries.
type uploadTask struct {
	// id correlates the task's log lines across prepare, upload, and
	// commit.
	id string

	block *cache.Block
	objs  []*plannedObject

	state        taskState
	idsAllocated bool
	size         int64
	createdAt    time.Time

	// waiters receive the task's terminal result. Loop-confined.
	waiters []chan error
}

func (s *Storage) newUploadTask(b *cache.Block) *uploadTask {
	t := &uploadTask{
		id:        uuid.NewString(),
		block:     b,
		objs:      planBlock(b, s.cfg.StreamSplitSize, s.cfg.MaxStreamsPerSetObject),
		createdAt: time.Now(),
	}
	for _, o := range t.objs {
		t.size += o.size
	}
	return t
}

// subscribeTask returns a channel receiving the task's next terminal
// result. Loop-confined.
func (s *Storage) subscribeTask(t *uploadTask) chan error {
	ch := make(chan error, 1)
	switch t.state {
	case taskCommitted:
		ch <- nil
	default:
		t.waiters = append(t.waiters, ch)
	}
	return ch
}

// finishTask delivers a terminal result to all waiters. Loop-confined.
func (s *Storage) finishTask(t *uploadTask, err error) {
	for _, ch := range t.waiters {
		ch <- err
	}
	t.waiters = nil
}

// submitArchivedLocked archives the active block for streamID (AnyStream
// for any) and ensures every archived block has a live upload task,
// retrying failed ones. Returns subscription channels for all involved
// tasks. Loop-confined.
func (s *Storage) submitArchivedLocked(streamID uint64) []chan error {
	s.cache.ArchiveCurrent(streamID)

	var subs []chan error
	for _, b := range s.cache.Archived() {
		t, ok := s.tasks[b]
		switch {
		case !ok:
			t = s.newUploadTask(b)
			s.tasks[b] = t
			s.prepareQ = append(s.prepareQ, t)
			s.commitQ = append(s.commitQ, t)
		case t.state == taskFailed:
			s.retryTask(t)
		}
		subs = append(subs, s.subscribeTask(t))
	}

	s.maybeStartPrepare()
	s.maybeStartCommit()
	return subs
}

// retryTask puts a failed task back into rotation. Tasks that failed before
// id allocation restart from prepare; tasks that failed uploading relaunch
// their part writes with the ids they already hold.
func (s *Storage) retryTask(t *uploadTask) {
	if !t.idsAllocated {
		t.state = taskCreated
		return
	}
	t.state = taskPrepared
	s.startUploads(t)
}

func (s *Storage) maybeStartPrepare() {
	if s.preparing || len(s.prepareQ) == 0 {
		return
	}
	t := s.prepareQ[0]
	if t.state != taskCreated {
		// Failed head awaits a retry; later tasks must not allocate ids
		// ahead of it.
		return
	}
	s.preparing = true
	t.state = taskPreparing
	go s.runPrepare(t)
}

// runPrepare allocates the task's object ids. Runs off-loop; the task is
// owned by this goroutine until the completion event lands back on the
// loop.
func (s *Storage) runPrepare(t *uploadTask) {
	var err error
	if !t.idsAllocated && len(t.objs) > 0 {
		var first uint64
		first, err = s.objects.Prepare(context.Background(), len(t.objs), s.cfg.ObjectPrepareTTL)
		if err == nil {
			for i, o := range t.objs {
				o.objectID = first + uint64(i)
				o.key = objstore.ObjectKey(o.objectID)
			}
		}
	}
	s.post(func() { s.prepareDone(t, err) })
}

func (s *Storage) prepareDone(t *uploadTask, err error) {
	s.preparing = false
	if err != nil {
		logger.Error("upload prepare failed", "task", t.id, "error", err)
		t.state = taskFailed
		s.m.ObserveUpload("failed", 0, time.Since(t.createdAt))
		s.finishTask(t, err)
		return
	}
	t.idsAllocated = true
	t.state = taskPrepared
	s.prepareQ = s.prepareQ[1:]
	s.startUploads(t)
	s.maybeStartPrepare()
}

// startUploads launches the task's part writes. Loop-confined caller.
func (s *Storage) startUploads(t *uploadTask) {
	go s.runUploads(t)
}

// runUploads assembles each planned object's frames into a pooled buffer
// and writes it to the object store, bounded by the upload I/O semaphore.
func (s *Storage) runUploads(t *uploadTask) {
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)

	for _, obj := range t.objs {
		buf := bufpool.Get(int(obj.size))
		pos := 0
		for _, r := range obj.recs {
			pos += copy(buf[pos:], r.Encoded())
		}

		wg.Add(1)
		s.ioSem <- struct{}{}
		go func(obj *plannedObject, buf []byte) {
			defer func() {
				bufpool.Put(buf)
				<-s.ioSem
				wg.Done()
			}()
			if err := s.store.Write(context.Background(), obj.key, buf); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(obj, buf)
	}

	wg.Wait()
	s.post(func() { s.uploadsDone(t, firstErr) })
}

func (s *Storage) uploadsDone(t *uploadTask, err error) {
	if err != nil {
		logger.Error("object upload failed", "task", t.id, "error", err, "block_bytes", t.size)
		t.state = taskFailed
		s.m.ObserveUpload("failed", 0, time.Since(t.createdAt))
		s.finishTask(t, err)
		return
	}
	t.state = taskUploaded
	s.maybeStartCommit()
}

func (s *Storage) maybeStartCommit() {
	if s.committing || len(s.commitQ) == 0 {
		return
	}
	t := s.commitQ[0]
	if t.state != taskUploaded {
		return
	}
	s.committing = true
	t.state = taskCommitting
	go s.runCommit(t)
}

// runCommit publishes the task's objects, trims the WAL, hands the records
// to the block cache, and frees the cache block.
//
// A commit failure after the objects are durably written leaves downstream
// metadata unreasonable about ordering, so it is terminal: the fatal hook
// aborts the process.
func (s *Storage) runCommit(t *uploadTask) {
	set, streamObjs := buildManifests(t.objs)

	if err := s.objects.CommitSetObject(context.Background(), set, streamObjs, nil); err != nil {
		s.fatalf("object commit failed; aborting to preserve ordering guarantees",
			"error", err, "object", set.ObjectID)
		s.post(func() { s.commitDone(t, err) })
		return
	}

	if off := t.block.ConfirmOffset(); off >= 0 {
		s.wal.Trim(off)
	}

	// Ownership hand-off: the task's record references move to the block
	// cache, which serves subsequent reads for these offsets.
	var handoff []*record.Record
	for _, o := range t.objs {
		handoff = append(handoff, o.recs...)
		o.recs = nil
	}
	if err := s.blocks.Put(handoff); err != nil {
		// The commit is already published; the block cache is an
		// optimization, not a correctness dependency.
		logger.Warn("block cache populate failed", "error", err)
		for _, r := range handoff {
			r.Release()
		}
	}

	s.cache.MarkFree(t.block)
	s.post(func() { s.commitDone(t, nil) })
}

func (s *Storage) commitDone(t *uploadTask, err error) {
	s.committing = false
	if err != nil {
		t.state = taskFailed
		s.finishTask(t, err)
		return
	}

	t.state = taskCommitted
	s.commitQ = s.commitQ[1:]
	delete(s.tasks, t.block)
	s.finishTask(t, nil)

	s.m.ObserveUpload("committed", t.size, time.Since(t.createdAt))
	s.m.SetCacheSize(s.cache.Size())
	logger.Debug("cache block committed",
		"task", t.id, "bytes", t.size, "confirm_offset", t.block.ConfirmOffset())

	s.maybeStartCommit()
}

// buildManifests converts a task's planned objects into commit manifests.
func buildManifests(objs []*plannedObject) (meta.ObjectManifest, []meta.StreamObjectManifest) {
	var set meta.ObjectManifest
	var streamObjs []meta.StreamObjectManifest

	for _, o := range objs {
		if o.isSet {
			set = meta.ObjectManifest{
				ObjectID: o.objectID,
				Key:      o.key,
				Size:     o.size,
				Ranges:   o.ranges,
			}
			continue
		}
		r := o.ranges[0]
		streamObjs = append(streamObjs, meta.StreamObjectManifest{
			ObjectID:   o.objectID,
			Key:        o.key,
			Size:       o.size,
			StreamID:   o.streamID,
			BaseOffset: r.BaseOffset,
			LastOffset: r.LastOffset,
		})
	}
	return set, streamObjs
}
