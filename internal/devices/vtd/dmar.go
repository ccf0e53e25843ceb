package vtd

import "github.com/tinyrange/vtd/internal/acpi"

// IOAPICSourceID is the requester id of the platform IOAPIC: device 0 on
// the pseudo bus 0xff.
const IOAPICSourceID = 0xff00

// DMAR describes the unit to the guest: one DRHD covering every PCI device
// of segment 0, with the IOAPIC in its scope.
func (c Config) DMAR() acpi.DMAR {
	d := acpi.DMAR{
		HostAddressWidth:   uint8(c.AWBits),
		InterruptRemapping: c.InterruptRemapping,
		X2APICOptOut:       c.InterruptRemapping && !c.ExtendedInterruptMode,
		Units: []acpi.RemappingUnit{{
			RegisterBase: c.MMIOBase,
			IncludeAll:   true,
			Scopes: []acpi.DeviceScope{{
				Type:     acpi.ScopeIOAPIC,
				StartBus: IOAPICSourceID >> 8,
				Path:     []acpi.PCIPath{{Device: 0, Function: 0}},
			}},
		}},
	}
	if c.DeviceIOTLB {
		d.ATSSegments = []uint16{0}
	}
	return d
}
