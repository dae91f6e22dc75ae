package storage

import (
	"time"

	"github.com/driftlake/deltawal/pkg/record"
)

// writeRequest tracks one append through the pipeline: WAL persistence,
// per-stream re-sequencing, cache insertion, and client completion.
type writeRequest struct {
	rec *record.Record

	// offset is the WAL offset assigned at admission, -1 before.
	offset int64

	// persisted flips to true once the WAL has durably acknowledged the
	// entry. Only the sequencer reads it, under its own lock.
	persisted bool

	// done receives exactly one value: nil after the record has been
	// inserted into the cache in per-stream offset order, or the failure.
	done chan error

	start time.Time
}

func newWriteRequest(rec *record.Record) *writeRequest {
	return &writeRequest{
		rec:    rec,
		offset: -1,
		done:   make(chan error, 1),
		start:  time.Now(),
	}
}

func (r *writeRequest) complete(err error) {
	r.done <- err
}
