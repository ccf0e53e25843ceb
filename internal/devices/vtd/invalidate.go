package vtd

import (
	"errors"
	"log/slog"
)

// Context cache invalidation.

func (d *Device) contextGlobalInvalidate() error {
	slog.Debug("vtd: context cache invalidate", "granularity", "global")
	d.bumpContextGen()
	d.refreshAll()
	d.replayAll()
	return d.syncPASIDCache(pasidCacheInfo{kind: pasidGlobal})
}

// functionMasks maps the FM field of a device-selective invalidation to the
// low devfn bits it ignores.
var functionMasks = [4]uint8{0, 4, 6, 7}

func (d *Device) contextDeviceInvalidate(sid uint16, fm uint8) error {
	mask := ^functionMasks[fm&3]
	bus, devfn := uint8(sid>>8), uint8(sid)
	slog.Debug("vtd: context cache invalidate", "granularity", "device", "sid", sid, "fm", fm)

	var errs []error
	for _, as := range d.spaceList() {
		if as.key.bus != bus || as.key.devfn&mask != devfn&mask {
			continue
		}
		as.ccGen = 0
		// The device may have moved between domains; resync what
		// downstream consumers see.
		if fault := d.syncSpace(as); fault != FaultNone {
			slog.Debug("vtd: resync after context invalidation", "space", as, "reason", fault)
		}
		if err := d.syncPASIDCache(pasidCacheInfo{kind: pasidDevice, bus: as.key.bus, devfn: as.key.devfn}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IOTLB invalidation.

func (d *Device) iotlbGlobalInvalidate() {
	slog.Debug("vtd: IOTLB invalidate", "granularity", "global")
	d.iotlb.reset()
	d.replayAll()
}

func (d *Device) iotlbDomainInvalidate(domain uint16) {
	n := d.iotlb.removeDomain(domain)
	slog.Debug("vtd: IOTLB invalidate", "granularity", "domain", "domain", domain, "removed", n)

	d.spacesWithNotifiers(func(as *addressSpace) {
		ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
		if fault != FaultNone {
			return
		}
		if did, ok := d.domainFor(ce, as.key.pasid); ok && did == domain {
			d.syncSpace(as)
		}
	})
}

func (d *Device) iotlbPageInvalidate(domain uint16, addr uint64, am uint8) {
	n := d.iotlb.removePage(domain, NoPASID, addr, am)
	slog.Debug("vtd: IOTLB invalidate", "granularity", "page", "domain", domain, "addr", addr, "am", am, "removed", n)
	d.pageInvalidateNotify(domain, addr, am, NoPASID)
}

// pageInvalidateNotify tells consumers of the spaces in domain about a page
// invalidation. Shadowing consumers get the range re-walked; others get an
// UNMAP of the whole range.
func (d *Device) pageInvalidateNotify(domain uint16, addr uint64, am uint8, pasid uint32) {
	size := uint64(1) << am * pageSize

	d.spacesWithNotifiers(func(as *addressSpace) {
		if pasid != NoPASID && pasid != as.key.pasid {
			return
		}
		ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
		if fault != FaultNone {
			return
		}
		if did, ok := d.domainFor(ce, as.key.pasid); !ok || did != domain {
			return
		}
		if as.hasMapNotifier() {
			d.syncSpaceRange(as, ce, addr, addr+size)
			return
		}
		as.notify(MapEvent{Type: EventUnmap, IOVA: addr, AddrMask: size - 1})
	})
}

// PASID-based IOTLB invalidation.

func (d *Device) piotlbPASIDInvalidate(domain uint16, pasid uint32) {
	d.invalidateBackendCache(domain, pasid, CacheInvalidation{Pages: 0})
	n := d.piotlb.removePASID(domain, pasid)
	slog.Debug("vtd: PIOTLB invalidate", "granularity", "pasid", "domain", domain, "pasid", pasid, "removed", n)

	if !d.rootScalable || !d.dmarEnabled {
		return
	}
	d.spacesWithNotifiers(func(as *addressSpace) {
		ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
		if fault != FaultNone {
			return
		}
		effective := as.key.pasid
		if effective == NoPASID {
			effective = ce.rid2pasid()
		}
		if effective != pasid {
			return
		}
		if did, ok := d.domainFor(ce, as.key.pasid); !ok || did != domain {
			return
		}
		d.syncSpaceRange(as, ce, 0, ^uint64(0))
	})
}

func (d *Device) piotlbPageInvalidate(domain uint16, pasid uint32, addr uint64, am uint8, ih bool) {
	size := uint64(1) << am * pageSize
	d.invalidateBackendCache(domain, pasid, CacheInvalidation{Addr: addr, Pages: 1 << am, Leaf: ih})
	n := d.piotlb.removePage(domain, pasid, addr, am)
	slog.Debug("vtd: PIOTLB invalidate", "granularity", "page", "domain", domain, "pasid", pasid, "addr", addr, "am", am, "removed", n)

	d.spacesWithNotifiers(func(as *addressSpace) {
		ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
		if fault != FaultNone {
			return
		}
		if did, ok := d.domainFor(ce, as.key.pasid); !ok || did != domain {
			return
		}
		if as.hasMapNotifier() {
			// First-level tables are never shadowed.
			guestError(&logQueue, "vtd: first-level page invalidation for a shadowed space", "space", as)
			return
		}
		as.notify(MapEvent{Type: EventUnmap | EventDevIOTLBUnmap, IOVA: addr, AddrMask: size - 1})
	})
}

// Register-based invalidation.

// handleCCMD processes a write to the context command register. The actual
// granularity is reported back in CAIG and ICC is cleared.
func (d *Device) handleCCMD() {
	val := d.regs.quad(regCCMD)
	if val&ccmdICC == 0 {
		return
	}
	if d.qiEnabled {
		guestError(&logRegister, "vtd: register-based context invalidation while queued invalidation is enabled")
		return
	}

	var caig uint64
	switch (val & ccmdCIRGMask) >> ccmdCIRGShift {
	case ccmdGlobal, ccmdDomain:
		caig = ccmdCAIGGlobal
		if err := d.contextGlobalInvalidate(); err != nil {
			slog.Warn("vtd: context invalidation", "err", err)
		}
	case ccmdDevice:
		caig = ccmdCAIGDevice
		sid := uint16(val >> ccmdSIDShift)
		fm := uint8(val>>ccmdFMShift) & ccmdFMMask
		if err := d.contextDeviceInvalidate(sid, fm); err != nil {
			slog.Warn("vtd: context invalidation", "sid", sid, "err", err)
		}
	default:
		guestError(&logRegister, "vtd: invalid context command granularity", "ccmd", val)
	}
	d.regs.setClearMaskQuad(regCCMD, ccmdICC, 0)
	d.regs.setClearMaskQuad(regCCMD, 3<<ccmdCAIGShift, caig)
}

// handleIOTLB processes a write to the IOTLB invalidate register. The
// actual granularity is reported back in IAIG and IVT is cleared.
func (d *Device) handleIOTLB() {
	val := d.regs.quad(regIOTLB)
	if val&tlbIVT == 0 {
		return
	}
	if d.qiEnabled {
		guestError(&logRegister, "vtd: register-based IOTLB invalidation while queued invalidation is enabled")
		return
	}

	var iaig uint64
	domain := uint16(val>>tlbDIDShift) & tlbDIDMask
	switch (val & tlbIIRGMask) >> tlbIIRGShift {
	case tlbGlobal:
		iaig = tlbGlobalAIG
		d.iotlbGlobalInvalidate()
	case tlbDomain:
		iaig = tlbDomainAIG
		d.iotlbDomainInvalidate(domain)
	case tlbPage:
		iva := d.regs.quad(regIVA)
		am := uint8(iva & ivaAMMask)
		if am > tlbMaxAM {
			guestError(&logRegister, "vtd: IOTLB address mask overflow", "iva", iva)
			break
		}
		iaig = tlbPageAIG
		d.iotlbPageInvalidate(domain, iva&ivaAddrMask, am)
	default:
		guestError(&logRegister, "vtd: invalid IOTLB invalidation granularity", "iotlb", val)
	}
	d.regs.setClearMaskQuad(regIOTLB, tlbIVT, 0)
	d.regs.setClearMaskQuad(regIOTLB, tlbIAIGMask, iaig)
}
