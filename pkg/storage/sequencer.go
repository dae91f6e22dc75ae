package storage

import (
	"math"
	"sync"
)

// callbackSequencer reorders WAL acknowledgements into per-stream offset
// order.
//
// The WAL serializes its own offsets, but acknowledgements reach callers in
// arbitrary order across streams. Clients require per-stream offset-ordered
// completion, so all reordering is localized here: Before registers a
// request on its stream's queue tail, After marks it persisted and pops the
// maximal persisted prefix once it reaches the head. Both operations are
// O(1) amortized.
//
// Thread Safety:
// Internally locked. Callers additionally hold the per-stream callback
// stripe so that cache insertion of popped requests preserves queue order.
type callbackSequencer struct {
	mu      sync.Mutex
	streams map[uint64]*streamQueue

	// maxPopped is the highest WAL offset popped across all streams.
	maxPopped int64
}

// streamQueue is the in-order FIFO of outstanding requests for one stream.
type streamQueue struct {
	pending []*writeRequest

	// confirm is the WAL offset of the last popped request. New queues
	// inherit the sequencer's current confirm offset so an idle stream
	// never drags the global confirm backwards.
	confirm int64
}

func newCallbackSequencer() *callbackSequencer {
	return &callbackSequencer{
		streams:   make(map[uint64]*streamQueue),
		maxPopped: -1,
	}
}

// before registers a request on the tail of its stream's queue. Must be
// called in increasing WAL-offset order per stream; the caller guarantees
// this by holding the stream's callback stripe across the WAL append and
// this call.
func (s *callbackSequencer) before(req *writeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.streams[req.rec.StreamID]
	if !ok {
		q = &streamQueue{confirm: s.walConfirmOffsetLocked()}
		s.streams[req.rec.StreamID] = q
	}
	q.pending = append(q.pending, req)
}

// after marks the request persisted and, if it heads its stream's queue,
// pops and returns the maximal persisted prefix. Returns nil when the
// request is not yet at the head.
func (s *callbackSequencer) after(req *writeRequest) []*writeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.persisted = true

	q, ok := s.streams[req.rec.StreamID]
	if !ok || len(q.pending) == 0 || q.pending[0] != req {
		return nil
	}

	var popped []*writeRequest
	for len(q.pending) > 0 && q.pending[0].persisted {
		head := q.pending[0]
		q.pending = q.pending[1:]
		q.confirm = head.offset
		if head.offset > s.maxPopped {
			s.maxPopped = head.offset
		}
		popped = append(popped, head)
	}
	return popped
}

// walConfirmOffset returns the inclusive WAL offset below which no
// unacknowledged request exists. Non-decreasing over time.
func (s *callbackSequencer) walConfirmOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walConfirmOffsetLocked()
}

func (s *callbackSequencer) walConfirmOffsetLocked() int64 {
	min := int64(math.MaxInt64)
	found := false
	for _, q := range s.streams {
		if len(q.pending) > 0 && q.confirm < min {
			min = q.confirm
			found = true
		}
	}
	if !found {
		return s.maxPopped
	}
	return min
}

// tryFree drops the stream's queue if it has no outstanding requests.
// Garbage collection for inactive streams.
func (s *callbackSequencer) tryFree(streamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.streams[streamID]; ok && len(q.pending) == 0 {
		delete(s.streams, streamID)
	}
}
