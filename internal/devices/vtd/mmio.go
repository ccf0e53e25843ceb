package vtd

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vtd/internal/hv"
)

func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.cfg.MMIOBase, Size: RegSize}}
}

func (d *Device) offsetFor(addr uint64, size int) (uint64, error) {
	if size != 4 && size != 8 {
		return 0, fmt.Errorf("vtd: invalid access size %d at 0x%x", size, addr)
	}
	if addr < d.cfg.MMIOBase {
		return 0, fmt.Errorf("vtd: address 0x%x outside register window", addr)
	}
	return addr - d.cfg.MMIOBase, nil
}

// ReadMMIO handles register reads. Accesses past the last register read as
// zero.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	offset, err := d.offsetFor(addr, len(data))
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if offset+uint64(len(data)) > RegSize {
		guestError(&logRegister, "vtd: read beyond register window", "offset", offset)
		clear(data)
		return nil
	}
	if len(data) == 4 {
		le.PutUint32(data, d.regs.getLong(offset))
	} else {
		le.PutUint64(data, d.regs.getQuad(offset))
	}
	return nil
}

// WriteMMIO handles register writes.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	offset, err := d.offsetFor(addr, len(data))
	if err != nil {
		return err
	}
	var val uint64
	if len(data) == 4 {
		val = uint64(le.Uint32(data))
	} else {
		val = le.Uint64(data)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(offset, len(data), val)
	return nil
}

func (d *Device) set(offset uint64, size int, val uint64) {
	if size == 4 {
		d.regs.setLong(offset, uint32(val))
	} else {
		d.regs.setQuad(offset, val)
	}
}

// writeReg applies a guest write of size bytes at offset and runs the
// side effects of the register.
func (d *Device) writeReg(offset uint64, size int, val uint64) {
	if offset+uint64(size) > RegSize {
		guestError(&logRegister, "vtd: write beyond register window", "offset", offset, "size", size)
		return
	}

	switch offset {
	case regGCMD:
		d.regs.setLong(regGCMD, uint32(val))
		d.handleGCMD()

	// The command registers only act once the upper half, which holds the
	// ICC and IVT bits, has been written.
	case regCCMD:
		d.set(offset, size, val)
		if size == 8 {
			d.handleCCMD()
		}
	case regCCMD + 4:
		d.regs.setLong(offset, uint32(val))
		d.handleCCMD()
	case regIOTLB:
		d.set(offset, size, val)
		if size == 8 {
			d.handleIOTLB()
		}
	case regIOTLB + 4:
		d.regs.setLong(offset, uint32(val))
		d.handleIOTLB()

	case regFSTS:
		d.regs.setLong(regFSTS, uint32(val))
		d.handleFSTS()
	case regFECTL:
		d.regs.setLong(regFECTL, uint32(val))
		d.handleFECTL()

	case regIQT:
		d.set(offset, size, val)
		d.handleIQT()
	case regIQA:
		d.set(offset, size, val)
		d.handleIQA()

	case regICS:
		d.regs.setLong(regICS, uint32(val))
		d.handleICS()
	case regIECTL:
		d.regs.setLong(regIECTL, uint32(val))
		d.handleIECTL()

	default:
		d.set(offset, size, val)
		if offset >= regFRCD0 {
			d.updatePPF()
		}
	}
}

// handleGCMD acts on the bits of GCMD that differ from GSTS.
func (d *Device) handleGCMD() {
	status := d.regs.long(regGSTS)
	val := d.regs.long(regGCMD)
	changed := status ^ val

	if changed&gcmdTE != 0 && d.cfg.DMATranslation {
		d.setTranslationEnabled(val&gcmdTE != 0)
	}
	if val&gcmdSRTP != 0 {
		d.setRootTable()
	}
	if changed&gcmdQIE != 0 {
		d.setQueueEnabled(val&gcmdQIE != 0)
	}
	if val&gcmdSIRTP != 0 {
		d.setInterruptTable()
	}
	if changed&gcmdIRE != 0 && d.ecap&ecapIR != 0 {
		d.setInterruptRemapping(val&gcmdIRE != 0)
	}
}

func (d *Device) setTranslationEnabled(en bool) {
	slog.Debug("vtd: DMA remapping", "enable", en)
	d.dmarEnabled = en
	if en {
		d.regs.setClearMaskLong(regGSTS, 0, gstsTES)
	} else {
		d.nextFRCD = 0
		d.regs.setClearMaskLong(regGSTS, gstsTES, 0)
	}
	d.resetCaches()
	d.refreshAll()
	d.refreshPASIDBind()
}

// setRootTable latches RTADDR.
func (d *Device) setRootTable() {
	rtaddr := d.regs.quad(regRTADDR)
	d.root = rtaddr & d.haw() &^ 0xfff
	d.rootScalable = d.cfg.ScalableMode != ScalableOff && rtaddr&rtaddrSMT != 0
	slog.Debug("vtd: root table", "addr", d.root, "scalable", d.rootScalable)

	d.regs.setClearMaskLong(regGSTS, 0, gstsRTPS)
	d.resetCaches()
	d.refreshAll()
	d.refreshPASIDBind()
}

// setInterruptTable latches IRTA. Interrupt entries cached downstream are
// stale from here on.
func (d *Device) setInterruptTable() {
	irta := d.regs.quad(regIRTA)
	d.intrRoot = irta & d.haw() & irtaAddrMask
	d.intrSize = 1 << ((irta & 0xf) + 1)
	d.intrEIME = d.ecap&ecapEIM != 0 && irta&irtaEIME != 0
	slog.Debug("vtd: interrupt remapping table", "addr", d.intrRoot, "size", d.intrSize, "eime", d.intrEIME)

	for _, n := range d.iecNotifiers {
		n.InvalidateIEC(true, 0, 0)
	}
	d.regs.setClearMaskLong(regGSTS, 0, gstsIRTPS)
}

func (d *Device) setInterruptRemapping(en bool) {
	slog.Debug("vtd: interrupt remapping", "enable", en)
	d.intrEnabled = en
	if en {
		d.regs.setClearMaskLong(regGSTS, 0, gstsIRES)
	} else {
		d.regs.setClearMaskLong(regGSTS, gstsIRES, 0)
	}
}

// handleFSTS drops a pending fault event once software has cleared every
// status bit that could have caused it.
func (d *Device) handleFSTS() {
	fsts := d.regs.long(regFSTS)
	fectl := d.regs.long(regFECTL)
	if fectl&fectlIP != 0 && fsts&(fstsPFO|fstsPPF|fstsIQE) == 0 {
		d.regs.setClearMaskLong(regFECTL, fectlIP, 0)
	}
}

// handleFECTL delivers a pending fault event when it gets unmasked.
func (d *Device) handleFECTL() {
	fectl := d.regs.long(regFECTL)
	if fectl&fectlIP != 0 && fectl&fectlIM == 0 {
		d.sendFaultMSI()
	}
}

func (d *Device) handleICS() {
	ics := d.regs.long(regICS)
	iectl := d.regs.long(regIECTL)
	if iectl&iectlIP != 0 && ics&icsIWC == 0 {
		d.regs.setClearMaskLong(regIECTL, iectlIP, 0)
	}
}

// handleIECTL delivers a pending completion event when it gets unmasked.
func (d *Device) handleIECTL() {
	iectl := d.regs.long(regIECTL)
	if iectl&iectlIP != 0 && iectl&iectlIM == 0 {
		d.sendCompletionMSI()
	}
}

// HandleGlobalCommand writes val to the global command register.
func (d *Device) HandleGlobalCommand(val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(regGCMD, 4, uint64(val))
}

// HandleContextCommand writes val to the context command register.
func (d *Device) HandleContextCommand(val uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(regCCMD, 8, val)
}

// HandleIOTLBCommand writes val to the IOTLB invalidate register. Page
// selective invalidations take their address from IVA, which must be written
// first.
func (d *Device) HandleIOTLBCommand(val uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(regIOTLB, 8, val)
}

// HandleQueueTail writes val to the invalidation queue tail register and
// processes any new descriptors.
func (d *Device) HandleQueueTail(val uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(regIQT, 8, val)
}

// HandleQueueAddress writes val to the invalidation queue address register.
func (d *Device) HandleQueueAddress(val uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writeReg(regIQA, 8, val)
}

var _ hv.MemoryMappedIODevice = (*Device)(nil)
