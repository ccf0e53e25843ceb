package scenario

import (
	"fmt"

	"github.com/tinyrange/vtd/internal/acpi"
	"github.com/tinyrange/vtd/internal/devices/vtd"
	"github.com/tinyrange/vtd/internal/hv"
)

// Firmware tables live in the legacy BIOS area, below TableBase.
const (
	FirmwareRSDP   = 0xe0000
	firmwareTables = 0xe1000
	firmwareEnd    = 0xe2000
)

// InstallFirmware publishes the unit described by cfg to the guest through
// an ACPI DMAR table.
func InstallFirmware(mem acpi.Memory, cfg vtd.Config) error {
	return acpi.Install(mem, acpi.Config{
		TablesBase: firmwareTables,
		TablesSize: firmwareEnd - firmwareTables,
		RSDPBase:   FirmwareRSDP,
		DMAR:       cfg.DMAR(),
	})
}

// Discover returns the register base of the remapping unit covering every
// device of segment 0, as the firmware at rsdp reports it.
func Discover(mem hv.GuestMemory, rsdp uint64) (uint64, error) {
	dmar, err := acpi.FindDMAR(mem, rsdp)
	if err != nil {
		return 0, err
	}
	for _, u := range dmar.Units {
		if u.Segment == 0 && u.IncludeAll {
			return u.RegisterBase, nil
		}
	}
	return 0, fmt.Errorf("scenario: firmware lists no remapping unit for segment 0")
}
