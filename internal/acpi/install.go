// Package acpi writes the firmware tables that describe the DMA remapping
// hardware to a guest, and reads them back the way guest firmware
// consumers do.
package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vtd/internal/hv"
)

// Install writes the DMAR table, an XSDT pointing at it and the RSDP into
// guest memory.
func Install(mem Memory, cfg Config) error {
	cfg.normalize(mem)

	if cfg.TablesBase < cfg.MemoryBase || cfg.TablesBase+cfg.TablesSize > cfg.MemoryBase+cfg.MemorySize {
		return fmt.Errorf("acpi: table region out of guest RAM")
	}
	if cfg.RSDPBase < cfg.MemoryBase || cfg.RSDPBase+36 > cfg.MemoryBase+cfg.MemorySize {
		return fmt.Errorf("acpi: RSDP location out of guest RAM")
	}
	if cfg.DMAR.HostAddressWidth == 0 {
		return fmt.Errorf("acpi: DMAR host address width not set")
	}

	writer := newTableWriter(cfg.TablesBase, cfg.TablesSize, cfg.OEM)

	dmarAddr, err := writer.add("DMAR", dmarRevision, "TINYRDMR", buildDMARBody(cfg.DMAR))
	if err != nil {
		return err
	}
	xsdtAddr, err := writer.add("XSDT", xsdtRevision, "TINYRXSD", buildXSDTBody([]uint64{dmarAddr}))
	if err != nil {
		return err
	}

	if _, err := mem.WriteAt(writer.bytes(), int64(cfg.TablesBase)); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}

	rsdp := buildRSDP(xsdtAddr, cfg.OEM)
	if _, err := mem.WriteAt(rsdp, int64(cfg.RSDPBase)); err != nil {
		return fmt.Errorf("acpi: write RSDP: %w", err)
	}

	return nil
}

func buildXSDTBody(entries []uint64) []byte {
	buf := &bytes.Buffer{}
	for _, entry := range entries {
		binary.Write(buf, binary.LittleEndian, entry)
	}
	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, 36)
	copy(rsdp[0:], []byte("RSD PTR "))
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}

// FindDMAR follows the RSDP at rsdpAddr to the XSDT and returns the first
// DMAR table it lists.
func FindDMAR(mem hv.GuestMemory, rsdpAddr uint64) (DMAR, error) {
	rsdp := make([]byte, 36)
	if _, err := mem.ReadAt(rsdp, int64(rsdpAddr)); err != nil {
		return DMAR{}, fmt.Errorf("acpi: read RSDP: %w", err)
	}
	if string(rsdp[:8]) != "RSD PTR " {
		return DMAR{}, fmt.Errorf("acpi: no RSDP at 0x%x", rsdpAddr)
	}
	if checksum(rsdp[:20]) != 0 || checksum(rsdp) != 0 {
		return DMAR{}, fmt.Errorf("acpi: RSDP checksum mismatch")
	}

	xsdt, err := readTable(mem, binary.LittleEndian.Uint64(rsdp[24:]))
	if err != nil {
		return DMAR{}, err
	}
	if _, err := verifyTable(xsdt, "XSDT"); err != nil {
		return DMAR{}, err
	}

	for entries := xsdt[headerLen:]; len(entries) >= 8; entries = entries[8:] {
		table, err := readTable(mem, binary.LittleEndian.Uint64(entries))
		if err != nil {
			return DMAR{}, err
		}
		if string(table[:4]) == "DMAR" {
			return ParseDMAR(table)
		}
	}
	return DMAR{}, fmt.Errorf("acpi: no DMAR table")
}

// maxTableLen bounds the length field of tables read from guest memory.
const maxTableLen = 1 << 20

func readTable(mem hv.GuestMemory, addr uint64) ([]byte, error) {
	buf := make([]byte, headerLen)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read table header at 0x%x: %w", addr, err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Length < headerLen || h.Length > maxTableLen {
		return nil, fmt.Errorf("acpi: table at 0x%x has length %d", addr, h.Length)
	}
	table := make([]byte, h.Length)
	if _, err := mem.ReadAt(table, int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read table at 0x%x: %w", addr, err)
	}
	return table, nil
}
