package hv

import (
	"fmt"
	"io"
)

// GuestMemory is guest-physical memory as seen by a device model. Multi-byte
// fields are little endian. Reads and writes are synchronous and either
// complete or fail; they never block on the guest.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// InterruptSink raises message signalled interrupts on behalf of a device.
type InterruptSink interface {
	SendMSI(addr uint64, data uint32) error
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(addr uint64, data uint32) error

func (f InterruptSinkFunc) SendMSI(addr uint64, data uint32) error {
	if f == nil {
		return nil
	}
	return f(addr, data)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SendMSI(uint64, uint32) error { return nil }

// NoopInterruptSink drops every interrupt.
var NoopInterruptSink InterruptSink = noopInterruptSink{}

// Machine is the slice of a virtual machine a device model needs at Init.
type Machine interface {
	GuestMemory

	MemorySize() uint64
	MemoryBase() uint64

	Interrupts() InterruptSink
}

type Device interface {
	Init(m Machine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64, size int) bool {
	return addr >= r.Address && addr+uint64(size) <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(m Machine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
	_ InterruptSink        = InterruptSinkFunc(nil)
)
