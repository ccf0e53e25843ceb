package acpi

import "github.com/tinyrange/vtd/internal/hv"

// Memory is the guest RAM the tables are written into.
type Memory interface {
	hv.GuestMemory

	MemoryBase() uint64
	MemorySize() uint64
}

// Config controls how ACPI tables are laid out and populated inside guest
// memory. All addresses are physical guest addresses.
type Config struct {
	MemoryBase uint64
	MemorySize uint64
	TablesBase uint64
	TablesSize uint64
	RSDPBase   uint64

	DMAR DMAR

	OEM OEMInfo
}

// DMAR describes the DMA remapping hardware of the platform.
type DMAR struct {
	// HostAddressWidth is the maximum DMA physical address width in bits.
	HostAddressWidth uint8

	InterruptRemapping bool
	// X2APICOptOut asks the OS not to enable x2APIC mode, set when the
	// units cannot remap to 32-bit APIC ids.
	X2APICOptOut bool

	Units []RemappingUnit

	// ATSSegments lists the PCI segments whose root ports all support
	// address translation services.
	ATSSegments []uint16
}

// RemappingUnit is one DRHD entry.
type RemappingUnit struct {
	Segment      uint16
	RegisterBase uint64
	// IncludeAll puts every device of the segment not claimed by another
	// unit behind this one.
	IncludeAll bool
	Scopes     []DeviceScope
}

type ScopeType uint8

const (
	ScopePCIEndpoint     ScopeType = 1
	ScopePCISubHierarchy ScopeType = 2
	ScopeIOAPIC          ScopeType = 3
	ScopeHPET            ScopeType = 4
	ScopeNamespace       ScopeType = 5
)

// DeviceScope names a device behind a remapping unit by its path from
// StartBus.
type DeviceScope struct {
	Type          ScopeType
	EnumerationID uint8
	StartBus      uint8
	Path          []PCIPath
}

type PCIPath struct {
	Device   uint8
	Function uint8
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the default table header metadata used by the VMM.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'I', 'N', 'Y', 'R', ' '},
		OEMTableID:      [8]byte{'T', 'I', 'N', 'Y', 'R', 'D', 'E', 'F'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'R', 'Y', 'N'},
		CreatorRevision: 1,
	}
}

// x86_64 memory layout constant
const x86PCIHoleStart uint64 = 0xC0000000 // 3GB - start of PCI/MMIO hole

func (c *Config) normalize(mem Memory) {
	if c.MemoryBase == 0 {
		c.MemoryBase = mem.MemoryBase()
	}
	if c.MemorySize == 0 {
		c.MemorySize = mem.MemorySize()
	}
	if c.TablesSize == 0 {
		c.TablesSize = 0x1000
	}
	if c.TablesBase == 0 {
		memEnd := c.MemoryBase + c.MemorySize
		c.TablesBase = memEnd - c.TablesSize
		// On x86_64, if memory extends into the PCI hole (above 3GB),
		// place tables just below the PCI hole to avoid MMIO region (3GB-4GB).
		if memEnd > x86PCIHoleStart {
			c.TablesBase = x86PCIHoleStart - c.TablesSize
		}
	}
	if c.RSDPBase == 0 {
		c.RSDPBase = c.MemoryBase + 0x000E0000
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
