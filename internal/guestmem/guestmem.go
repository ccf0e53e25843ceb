// Package guestmem provides guest-physical RAM for device models.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrOutOfRange = errors.New("guestmem: access out of range")

// RAM is a contiguous block of guest-physical memory starting at Base.
// Offsets passed to ReadAt and WriteAt are guest-physical addresses.
type RAM struct {
	base uint64
	data []byte

	release func([]byte) error

	reads  atomic.Uint64
	writes atomic.Uint64
}

// New allocates size bytes of RAM at guest-physical address base. size is
// rounded up to a 4K multiple.
func New(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: zero-size RAM")
	}
	if base&0xfff != 0 {
		return nil, fmt.Errorf("guestmem: base 0x%x is not 4K aligned", base)
	}
	size = (size + 0xfff) &^ 0xfff

	data, release, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %d bytes: %w", size, err)
	}
	return &RAM{base: base, data: data, release: release}, nil
}

func (m *RAM) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if m.release == nil {
		return nil
	}
	return m.release(data)
}

func (m *RAM) MemoryBase() uint64 { return m.base }
func (m *RAM) MemorySize() uint64 { return uint64(len(m.data)) }

// Reads returns the number of ReadAt calls made so far.
func (m *RAM) Reads() uint64 { return m.reads.Load() }

// Writes returns the number of WriteAt calls made so far.
func (m *RAM) Writes() uint64 { return m.writes.Load() }

func (m *RAM) slice(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("%w: negative address", ErrOutOfRange)
	}
	addr := uint64(off)
	if addr < m.base || addr-m.base+uint64(n) > uint64(len(m.data)) || addr-m.base+uint64(n) < addr-m.base {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrOutOfRange, addr, addr+uint64(n))
	}
	start := addr - m.base
	return m.data[start : start+uint64(n)], nil
}

func (m *RAM) ReadAt(p []byte, off int64) (int, error) {
	m.reads.Add(1)
	src, err := m.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

func (m *RAM) WriteAt(p []byte, off int64) (int, error) {
	m.writes.Add(1)
	dst, err := m.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// ReadUint64 reads a little endian quadword at addr.
func (m *RAM) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little endian quadword at addr.
func (m *RAM) WriteUint64(addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// ReadUint32 reads a little endian doubleword at addr.
func (m *RAM) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
