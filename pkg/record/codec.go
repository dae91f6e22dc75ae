package record

import (
	"encoding/binary"
	"fmt"

	"github.com/driftlake/deltawal/pkg/bufpool"
)

// Frame layout, also the WAL record payload:
//
//	magic/version   1 byte
//	stream id       8 bytes, big-endian
//	base offset     8 bytes, big-endian
//	last offset delta  4 bytes, big-endian (last = base + delta)
//	payload length  4 bytes, big-endian
//	payload         n bytes, opaque
const (
	frameMagic = 0xD1

	headerSize     = 1 + 8 + 8 + 4 + 4
	maxOffsetDelta = uint64(^uint32(0))
)

// HeaderSize is the fixed size of the encoded frame header.
const HeaderSize = headerSize

// Codec errors are value comparisons on the wrapped sentinel.
var (
	ErrBadMagic   = fmt.Errorf("record: unknown magic/version")
	ErrTruncated  = fmt.Errorf("record: truncated frame")
	ErrBadPayload = fmt.Errorf("record: payload length mismatch")
)

// EncodedSize returns the frame size for a payload of the given length.
func EncodedSize(payloadLen int) int {
	return headerSize + payloadLen
}

// encodeFrame serializes the record header and payload into a pooled buffer.
func encodeFrame(r *Record, payload []byte) []byte {
	buf := bufpool.Get(headerSize + len(payload))

	buf[0] = frameMagic
	binary.BigEndian.PutUint64(buf[1:9], r.StreamID)
	binary.BigEndian.PutUint64(buf[9:17], r.BaseOffset)
	binary.BigEndian.PutUint32(buf[17:21], uint32(r.LastOffset-r.BaseOffset))
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	return buf
}

// Decode parses one frame from buf, copying it into a pooled buffer owned by
// the returned record. Used on WAL recovery and block cache reads, where the
// source buffer belongs to the device.
//
// The returned record has a reference count of one.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}
	if buf[0] != frameMagic {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadMagic, buf[0])
	}

	payloadLen := binary.BigEndian.Uint32(buf[21:25])
	total := headerSize + int(payloadLen)
	if len(buf) < total {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBadPayload, total, len(buf))
	}

	r := &Record{
		StreamID:   binary.BigEndian.Uint64(buf[1:9]),
		BaseOffset: binary.BigEndian.Uint64(buf[9:17]),
	}
	r.LastOffset = r.BaseOffset + uint64(binary.BigEndian.Uint32(buf[17:21]))

	frame := bufpool.Get(total)
	copy(frame, buf[:total])
	r.encoded = frame
	r.refs.Store(1)
	return r, nil
}

// FrameLength inspects a frame header and returns the total frame length,
// without copying. Used by WAL recovery to walk concatenated frames.
func FrameLength(buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, ErrTruncated
	}
	if buf[0] != frameMagic {
		return 0, fmt.Errorf("%w: 0x%02x", ErrBadMagic, buf[0])
	}
	payloadLen := binary.BigEndian.Uint32(buf[21:25])
	return headerSize + int(payloadLen), nil
}
