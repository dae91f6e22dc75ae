//go:build windows

package wal

import "errors"

// MmapDevice is not supported on Windows. The storage core requires a
// unix-style shared mapping for crash durability.
type MmapDevice struct{}

var errUnsupported = errors.New("wal: mmap device not supported on windows")

// NewMmapDevice always fails on Windows.
func NewMmapDevice(dir string, capacity int64) (*MmapDevice, error) {
	return nil, errUnsupported
}

func (d *MmapDevice) Start() error                          { return errUnsupported }
func (d *MmapDevice) Shutdown() error                       { return errUnsupported }
func (d *MmapDevice) Append(data []byte) (AppendResult, error) { return AppendResult{}, errUnsupported }
func (d *MmapDevice) Recover() ([]Entry, error)             { return nil, errUnsupported }
func (d *MmapDevice) Reset() error                          { return errUnsupported }
func (d *MmapDevice) Trim(offset int64)                     {}
func (d *MmapDevice) TrimOffset() int64                     { return -1 }

var _ Device = (*MmapDevice)(nil)
