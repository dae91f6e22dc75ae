//go:build unix

// mmap.go provides the memory-mapped log device.
//
// The log file is sized to its configured capacity up front and mapped
// read-write. The OS flushes dirty pages asynchronously, so append latency
// stays close to an in-memory copy; Shutdown and Trim issue an explicit
// msync.
//
// File Format:
//
//	Header (64 bytes):
//	  - Magic: "DWAL" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Reserved: uint16 (2 bytes)
//	  - Next write offset: uint64 (8 bytes)
//	  - Trimmed offset: int64 (8 bytes, -1 when nothing trimmed)
//	  - Entry count: uint32 (4 bytes)
//	  - Reserved: 36 bytes
//
//	Entries (variable):
//	  - Data length: uint32 (4 bytes)
//	  - CRC32 of data: uint32 (4 bytes)
//	  - Data: variable
//
// An entry's offset is the byte position of its length field. Recovery walks
// entries from the header boundary and stops at the first zero-length or
// checksum-failing entry, treating it as a torn tail.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	mmapMagic      = "DWAL"
	mmapVersion    = uint16(1)
	mmapHeaderSize = 64

	entryHeaderSize = 8 // length + crc32

	// DefaultCapacity is used when the configured capacity is zero.
	DefaultCapacity = int64(2 << 30)
)

// MmapDevice implements Device using a memory-mapped, fixed-capacity file.
type MmapDevice struct {
	mu       sync.Mutex
	path     string
	capacity int64
	file     *os.File
	data     []byte
	next     int64
	trimmed  int64
	count    uint32
	started  bool
	closed   bool
}

// NewMmapDevice creates or opens a memory-mapped log at dir/wal.log.
//
// An existing file must match the configured capacity and carry a valid
// header; otherwise ErrCorrupted or ErrVersionMismatch is returned.
func NewMmapDevice(dir string, capacity int64) (*MmapDevice, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	d := &MmapDevice{
		path:     filepath.Join(dir, "wal.log"),
		capacity: capacity,
		trimmed:  -1,
	}

	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *MmapDevice) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := os.Stat(d.path)
	exists := err == nil

	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open wal file: %w", err)
	}

	if !exists {
		if err := f.Truncate(d.capacity); err != nil {
			f.Close()
			return fmt.Errorf("size wal file: %w", err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat wal file: %w", err)
		}
		if info.Size() != d.capacity {
			f.Close()
			return fmt.Errorf("%w: file size %d does not match capacity %d",
				ErrCorrupted, info.Size(), d.capacity)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(d.capacity),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap wal file: %w", err)
	}

	d.file = f
	d.data = data

	if !exists {
		d.next = mmapHeaderSize
		d.count = 0
		d.trimmed = -1
		d.writeHeader()
		return nil
	}
	return d.readHeader()
}

func (d *MmapDevice) writeHeader() {
	copy(d.data[0:4], mmapMagic)
	binary.BigEndian.PutUint16(d.data[4:6], mmapVersion)
	binary.BigEndian.PutUint64(d.data[8:16], uint64(d.next))
	binary.BigEndian.PutUint64(d.data[16:24], uint64(d.trimmed))
	binary.BigEndian.PutUint32(d.data[24:28], d.count)
}

func (d *MmapDevice) readHeader() error {
	if string(d.data[0:4]) != mmapMagic {
		return fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if v := binary.BigEndian.Uint16(d.data[4:6]); v != mmapVersion {
		return fmt.Errorf("%w: version %d", ErrVersionMismatch, v)
	}

	d.next = int64(binary.BigEndian.Uint64(d.data[8:16]))
	d.trimmed = int64(binary.BigEndian.Uint64(d.data[16:24]))
	d.count = binary.BigEndian.Uint32(d.data[24:28])

	if d.next < mmapHeaderSize || d.next > d.capacity {
		return fmt.Errorf("%w: next offset %d out of range", ErrCorrupted, d.next)
	}
	return nil
}

// Start marks the device ready for appends.
func (d *MmapDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.started = true
	return nil
}

// Append writes one entry and acknowledges it on the returned channel.
//
// The acknowledgement is posted before Append returns; durability relies on
// the shared mapping, which survives process crashes (the OS writes dirty
// pages back regardless of process fate).
func (d *MmapDevice) Append(data []byte) (AppendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || !d.started {
		return AppendResult{}, ErrClosed
	}

	need := int64(entryHeaderSize + len(data))
	if d.next+need > d.capacity {
		return AppendResult{}, ErrFull
	}

	offset := d.next
	binary.BigEndian.PutUint32(d.data[offset:offset+4], uint32(len(data)))
	binary.BigEndian.PutUint32(d.data[offset+4:offset+8], crc32.ChecksumIEEE(data))
	copy(d.data[offset+entryHeaderSize:], data)

	d.next += need
	d.count++
	d.writeHeader()

	done := make(chan error, 1)
	done <- nil
	return AppendResult{Offset: offset, Done: done}, nil
}

// Recover walks the log and returns live entries in offset order.
// Entries at or below the trimmed offset are skipped. A zero-length or
// checksum-failing entry terminates the walk as a torn tail.
func (d *MmapDevice) Recover() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	pos := int64(mmapHeaderSize)
	for pos < d.next {
		if pos+entryHeaderSize > d.next {
			break
		}
		length := int64(binary.BigEndian.Uint32(d.data[pos : pos+4]))
		if length == 0 || pos+entryHeaderSize+length > d.next {
			break
		}
		sum := binary.BigEndian.Uint32(d.data[pos+4 : pos+8])
		payload := d.data[pos+entryHeaderSize : pos+entryHeaderSize+length]
		if crc32.ChecksumIEEE(payload) != sum {
			break
		}
		if pos > d.trimmed {
			entries = append(entries, Entry{Offset: pos, Data: payload})
		}
		pos += entryHeaderSize + length
	}
	return entries, nil
}

// Reset discards all entries and trim state.
func (d *MmapDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.next = mmapHeaderSize
	d.count = 0
	d.trimmed = -1
	d.writeHeader()
	return d.msync()
}

// Trim records that all entries up to and including offset are obsolete.
// Trim never moves backwards.
func (d *MmapDevice) Trim(offset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || offset <= d.trimmed {
		return
	}
	d.trimmed = offset
	d.writeHeader()
	_ = d.msync()
}

// TrimOffset returns the highest trimmed offset, -1 if none.
func (d *MmapDevice) TrimOffset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trimmed
}

// Shutdown flushes the mapping and closes the file.
func (d *MmapDevice) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	syncErr := d.msync()
	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil && syncErr == nil {
			syncErr = fmt.Errorf("munmap wal: %w", err)
		}
		d.data = nil
	}
	if d.file != nil {
		if err := d.file.Close(); err != nil && syncErr == nil {
			syncErr = fmt.Errorf("close wal file: %w", err)
		}
		d.file = nil
	}
	return syncErr
}

func (d *MmapDevice) msync() error {
	if d.data == nil {
		return nil
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync wal: %w", err)
	}
	return nil
}

// Ensure MmapDevice implements Device.
var _ Device = (*MmapDevice)(nil)
