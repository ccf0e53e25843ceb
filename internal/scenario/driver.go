package scenario

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vtd/internal/hv"
)

// Register offsets and bits a guest driver uses.
const (
	offECAP   = 0x10
	offGCMD   = 0x18
	offGSTS   = 0x1c
	offRTADDR = 0x20
	offCCMD   = 0x28
	offFSTS   = 0x34
	offIQT    = 0x88
	offIQA    = 0x90
	offIOTLB  = 0x208

	ecapQI = 1 << 1

	gcmdTE   = 1 << 31
	gcmdSRTP = 1 << 30
	gcmdQIE  = 1 << 26
	gcmdIRE  = 1 << 25
	gstsKeep = gcmdTE | gcmdQIE | gcmdIRE

	ccmdGlobalInvalidate  = 1<<63 | 1<<61
	iotlbGlobalInvalidate = 1<<63 | 1<<60

	fstsIQE = 1 << 4

	descContextGlobal = 1 | 1<<4
	descIOTLBGlobal   = 2 | 1<<4
	descPASIDGlobal   = 7 | 3<<4
	descWaitStatus    = 5 | 1<<5
	descSize          = 16
)

// MMIO is a bus the unit's registers are reachable through.
type MMIO interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Driver programs a remapping unit through its register window.
type Driver struct {
	bus  MMIO
	base uint64
	mem  hv.GuestMemory

	tail  uint64
	token uint32
}

func NewDriver(bus MMIO, base uint64, mem hv.GuestMemory) *Driver {
	return &Driver{bus: bus, base: base, mem: mem}
}

func (d *Driver) read32(off uint64) (uint32, error) {
	var buf [4]byte
	if err := d.bus.ReadMMIO(d.base+off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Driver) read64(off uint64) (uint64, error) {
	var buf [8]byte
	if err := d.bus.ReadMMIO(d.base+off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *Driver) write32(off uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.bus.WriteMMIO(d.base+off, buf[:])
}

func (d *Driver) write64(off uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return d.bus.WriteMMIO(d.base+off, buf[:])
}

// command sets bits in GCMD, carrying over the persistent enables, and
// checks they show up in GSTS.
func (d *Driver) command(bits uint32) error {
	sts, err := d.read32(offGSTS)
	if err != nil {
		return err
	}
	if err := d.write32(offGCMD, sts&gstsKeep|bits); err != nil {
		return err
	}
	sts, err = d.read32(offGSTS)
	if err != nil {
		return err
	}
	if sts&bits != bits {
		return fmt.Errorf("scenario: GSTS 0x%x after command 0x%x", sts, bits)
	}
	return nil
}

// Enable installs l's root table, flushes every cache and turns
// translation on.
func (d *Driver) Enable(l *Layout) error {
	if err := d.write64(offRTADDR, l.RootTable); err != nil {
		return err
	}
	if err := d.command(gcmdSRTP); err != nil {
		return err
	}

	if l.Queue != 0 {
		ecap, err := d.read64(offECAP)
		if err != nil {
			return err
		}
		if ecap&ecapQI == 0 {
			return fmt.Errorf("scenario: unit does not support queued invalidation")
		}
		d.tail = 0
		if err := d.write64(offIQA, l.Queue); err != nil {
			return err
		}
		if err := d.command(gcmdQIE); err != nil {
			return err
		}
	}

	if err := d.InvalidateAll(l); err != nil {
		return err
	}
	slog.Debug("scenario: enabling translation", "rtaddr", l.RootTable, "queue", l.Queue)
	return d.command(gcmdTE)
}

// InvalidateAll flushes the context, PASID and IOTLB caches.
func (d *Driver) InvalidateAll(l *Layout) error {
	if l.Queue == 0 {
		if err := d.write64(offCCMD, ccmdGlobalInvalidate); err != nil {
			return err
		}
		return d.write64(offIOTLB, iotlbGlobalInvalidate)
	}

	d.token++
	descs := [][2]uint64{
		{descContextGlobal, 0},
		{descPASIDGlobal, 0},
		{descIOTLBGlobal, 0},
		{descWaitStatus | uint64(d.token)<<32, l.Status},
	}
	if l.RootTable&rtaddrScalable == 0 {
		descs = append(descs[:1], descs[2:]...)
	}
	return d.submit(l, descs)
}

func (d *Driver) submit(l *Layout, descs [][2]uint64) error {
	for _, desc := range descs {
		var buf [descSize]byte
		binary.LittleEndian.PutUint64(buf[:8], desc[0])
		binary.LittleEndian.PutUint64(buf[8:], desc[1])
		if _, err := d.mem.WriteAt(buf[:], int64(l.Queue+d.tail*descSize)); err != nil {
			return fmt.Errorf("scenario: write descriptor: %w", err)
		}
		d.tail = (d.tail + 1) % (size4K / descSize)
	}
	if err := d.write64(offIQT, d.tail*descSize); err != nil {
		return err
	}

	fsts, err := d.read32(offFSTS)
	if err != nil {
		return err
	}
	if fsts&fstsIQE != 0 {
		return fmt.Errorf("scenario: invalidation queue error, FSTS 0x%x", fsts)
	}
	var buf [4]byte
	if _, err := d.mem.ReadAt(buf[:], int64(l.Status)); err != nil {
		return fmt.Errorf("scenario: read wait status: %w", err)
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != d.token {
		return fmt.Errorf("scenario: wait status 0x%x, want 0x%x", got, d.token)
	}
	return nil
}
