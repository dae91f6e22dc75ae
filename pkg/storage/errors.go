package storage

import "errors"

var (
	// ErrShutdown fails requests still parked in the backoff queue when the
	// storage core shuts down.
	ErrShutdown = errors.New("storage: shut down")

	// ErrClosed is returned for operations submitted after shutdown began.
	ErrClosed = errors.New("storage: closed")

	// ErrDiscontinuous is wrapped by read results whose merged record list
	// has an offset gap. Fatal to the request, not the process.
	ErrDiscontinuous = errors.New("storage: discontinuous read result")

	// ErrRecoveryGap is returned when WAL recovery finds a record that does
	// not extend its stream contiguously. Fatal to the process.
	ErrRecoveryGap = errors.New("storage: recovery offset gap")
)
