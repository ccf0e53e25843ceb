package hv

import (
	"fmt"
	"sort"
	"sync"
)

// AddressSpace is the MMIO side of a machine's physical address space. It
// places device register windows above RAM and routes accesses to them.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next available address for dynamic allocation.
	nextMMIO uint64

	mappings []mmioMapping
}

type mmioMapping struct {
	name   string
	region MMIORegion
	dev    MemoryMappedIODevice
}

// NewAddressSpace creates an address space with RAM at [ramBase, ramBase+ramSize).
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate reserves a 4K aligned window of size bytes above RAM.
func (a *AddressSpace) Allocate(name string, size uint64) (MMIORegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return MMIORegion{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", name)
	}
	base := alignUp(a.nextMMIO, 0x1000)
	size = alignUp(size, 0x1000)
	a.nextMMIO = base + size
	return MMIORegion{Address: base, Size: size}, nil
}

// Map routes every region the device reports to it. Regions may not overlap
// RAM or each other.
func (a *AddressSpace) Map(name string, dev MemoryMappedIODevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, region := range dev.MMIORegions() {
		if region.Size == 0 {
			return fmt.Errorf("address_space: cannot map zero-size region for %s", name)
		}
		end := region.Address + region.Size
		ramEnd := a.ramBase + a.ramSize
		if region.Address < ramEnd && end > a.ramBase {
			return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
				name, region.Address, end, a.ramBase, ramEnd)
		}
		for _, m := range a.mappings {
			if region.Address < m.region.Address+m.region.Size && end > m.region.Address {
				return fmt.Errorf("address_space: region %s overlaps %s at 0x%x", name, m.name, m.region.Address)
			}
		}
		a.mappings = append(a.mappings, mmioMapping{name: name, region: region, dev: dev})
	}
	sort.Slice(a.mappings, func(i, j int) bool {
		return a.mappings[i].region.Address < a.mappings[j].region.Address
	})
	return nil
}

func (a *AddressSpace) lookup(addr uint64, size int) (MemoryMappedIODevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.mappings), func(i int) bool {
		m := a.mappings[i].region
		return m.Address+m.Size > addr
	})
	if i < len(a.mappings) && a.mappings[i].region.Contains(addr, size) {
		return a.mappings[i].dev, nil
	}
	return nil, fmt.Errorf("address_space: no device at 0x%x (size %d)", addr, size)
}

// ReadMMIO dispatches a register read to the device that owns addr.
func (a *AddressSpace) ReadMMIO(addr uint64, data []byte) error {
	dev, err := a.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO dispatches a register write to the device that owns addr.
func (a *AddressSpace) WriteMMIO(addr uint64, data []byte) error {
	dev, err := a.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(addr, data)
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
