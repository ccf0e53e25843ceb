package vtd

import (
	"github.com/tinyrange/vtd/internal/trace"
)

var traceTranslate = trace.RegisterKind("vtd.translate")

// Flags of a vtd.translate trace event.
const (
	traceFlagCached = 1 << 0
	traceFlagWrite  = 1 << 1
	traceFlagFirst  = 1 << 2
)

// TLBEntry is a translation of the naturally aligned range
// [IOVA, IOVA+AddrMask] to [Translated, Translated+AddrMask].
type TLBEntry struct {
	IOVA       uint64
	Translated uint64
	AddrMask   uint64
	Perm       Perm
}

// Allows reports whether the entry grants the requested access.
func (e TLBEntry) Allows(write bool) bool {
	if write {
		return e.Perm&PermWrite != 0
	}
	return e.Perm&PermRead != 0
}

// Addr returns the translation of iova, which must fall inside the entry.
func (e TLBEntry) Addr(iova uint64) uint64 {
	return e.Translated | iova&e.AddrMask
}

func identityEntry(iova uint64) TLBEntry {
	return TLBEntry{
		IOVA:       iova & pageMask,
		Translated: iova & pageMask,
		AddrMask:   pageSize - 1,
		Perm:       PermRW,
	}
}

func (d *Device) tlbEntry(iova, pte, mask uint64, perm Perm) TLBEntry {
	return TLBEntry{
		IOVA:       iova & mask,
		Translated: d.pteAddr(pte) & mask,
		AddrMask:   ^mask,
		Perm:       perm,
	}
}

// Translate performs a DMA remapping lookup for a request from sid. pasid is
// NoPASID for requests without a PASID prefix. Blocked requests return a
// *TranslationFault; whether the fault was also recorded for the guest
// depends on the fault processing disable bits in effect.
//
// A cached translation is returned as is: callers must check Perm against
// the access they are about to make.
func (d *Device) Translate(sid uint16, pasid uint32, iova uint64, write bool) (TLBEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Translations++
	if !d.dmarEnabled {
		return identityEntry(iova), nil
	}

	as := d.space(uint8(sid>>8), uint8(sid), pasid)

	var (
		entry  TLBEntry
		cached bool
		fault  FaultReason
		flags  uint32
	)
	if pe, ok := d.firstLevelEntry(as); ok {
		flags |= traceFlagFirst
		entry, cached, fault = d.translateFirstLevel(as, pe, iova, write)
	} else {
		entry, cached, fault = d.translateSecondLevel(as, iova, write)
	}
	if fault != FaultNone {
		d.stats.Faults++
		return TLBEntry{}, &TranslationFault{Reason: fault, SID: sid, PASID: pasid, IOVA: iova, Write: write}
	}

	if trace.Enabled() {
		if cached {
			flags |= traceFlagCached
		}
		if write {
			flags |= traceFlagWrite
		}
		trace.Record(trace.Event{Kind: traceTranslate, SID: sid, PASID: pasid, Flags: flags, Addr: iova, Value: entry.Addr(iova)})
	}
	return entry, nil
}

// firstLevelEntry returns the PASID entry of as if the request is to be
// translated through a first-level table.
func (d *Device) firstLevelEntry(as *addressSpace) (pasidEntry, bool) {
	if !d.rootScalable {
		return pasidEntry{}, false
	}
	ce, fault := d.cachedContextEntry(as)
	if fault != FaultNone {
		return pasidEntry{}, false
	}
	pe, fault := d.pasidEntryFor(ce, as.key.pasid)
	if fault != FaultNone || pe.pgtt() != pgttFirstLevel {
		return pasidEntry{}, false
	}
	return pe, true
}

func (d *Device) translateFirstLevel(as *addressSpace, pe pasidEntry, iova uint64, write bool) (TLBEntry, bool, FaultReason) {
	sid := as.sid()
	pasid := as.key.pasid
	if pasid == NoPASID {
		pasid = as.ce.rid2pasid()
	}

	if e, ok := d.piotlb.lookup(sid, pasid, iova); ok {
		d.stats.PIOTLBHits++
		return d.tlbEntry(iova, e.pte, e.mask, e.perm), true, FaultNone
	}

	fpd := as.ce.fpd() || pe.fpd()
	d.stats.Walks++
	l, fault := d.walk(d.tableForPASIDEntry(pe), iova, write)
	if fault != FaultNone {
		d.reportFault(fault, fpd, sid, iova, write, pasid)
		return TLBEntry{}, false, fault
	}

	d.piotlb.insert(sid, pasid, iova, pe.domain(), l)
	d.trackPASID(as.key.bus, as.key.devfn, as.key.pasid, pe)
	return d.tlbEntry(iova, l.pte, l.mask(), l.perm()), false, FaultNone
}

// requestContext returns the context entry of as and the FPD state that
// applies to faults of its requests.
func (d *Device) requestContext(as *addressSpace) (contextEntry, bool, FaultReason) {
	ce, fault := d.cachedContextEntry(as)
	fpd := ce.fpd()
	if fault == FaultNone && !fpd && d.rootScalable {
		fpd, fault = d.pasidFPD(ce, as.key.pasid)
	}
	return ce, fpd, fault
}

func (d *Device) translateSecondLevel(as *addressSpace, iova uint64, write bool) (TLBEntry, bool, FaultReason) {
	sid := as.sid()
	pasid := as.key.pasid
	rid2pasid := pasid == NoPASID && d.rootScalable

	if !rid2pasid {
		if e, ok := d.iotlb.lookup(sid, pasid, iova); ok {
			d.stats.IOTLBHits++
			return d.tlbEntry(iova, e.pte, e.mask, e.perm), true, FaultNone
		}
	}

	ce, fpd, fault := d.requestContext(as)
	if fault != FaultNone {
		d.reportFault(fault, fpd, sid, iova, write, as.key.pasid)
		return TLBEntry{}, false, fault
	}

	// From here on faults carry the PASID the tables were looked up with.
	if rid2pasid {
		pasid = ce.rid2pasid()
	}
	if d.passThrough(ce, pasid) {
		d.stats.PassThrough++
		return identityEntry(iova), false, FaultNone
	}
	if rid2pasid {
		if e, ok := d.iotlb.lookup(sid, pasid, iova); ok {
			d.stats.IOTLBHits++
			return d.tlbEntry(iova, e.pte, e.mask, e.perm), true, FaultNone
		}
	}

	t, fault := d.secondLevelTable(ce, pasid)
	if fault == FaultNone {
		var l leaf
		d.stats.Walks++
		if l, fault = d.walk(t, iova, write); fault == FaultNone {
			d.iotlb.insert(sid, pasid, iova, t.domain, l)
			return d.tlbEntry(iova, l.pte, l.mask(), l.perm()), false, FaultNone
		}
	}
	d.reportFault(fault, fpd, sid, iova, write, pasid)
	return TLBEntry{}, false, fault
}
