package logger

import "log/slog"

// Canonical field keys used across the storage core. Keeping them in one
// place keeps log output greppable.
const (
	KeyStream  = "stream"
	KeyOffset  = "offset"
	KeyObject  = "object"
	KeyBlock   = "block"
	KeyBytes   = "bytes"
	KeyError   = "error"
	KeyElapsed = "elapsed_ms"
)

// Stream returns a slog.Attr for a stream id.
func Stream(id uint64) slog.Attr {
	return slog.Uint64(KeyStream, id)
}

// Offset returns a slog.Attr for a stream or WAL offset.
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Object returns a slog.Attr for a remote object id.
func Object(id uint64) slog.Attr {
	return slog.Uint64(KeyObject, id)
}

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
