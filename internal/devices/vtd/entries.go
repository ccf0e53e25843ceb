package vtd

import "fmt"

// NoPASID marks a request without a PASID prefix.
const NoPASID = ^uint32(0)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = ^uint64(pageSize - 1)

	levelBits = 9

	interruptAddrFirst = 0xfee00000
	interruptAddrLast  = 0xfeefffff
)

// Root entry.
const (
	rootEntrySize = 16
	rootEntryP    = 1 << 0
	rootEntryCTP  = ^uint64(0xfff)
)

// Context entry, legacy and scalable layouts.
const (
	ctxLegacySize   = 16
	ctxScalableSize = 32

	ctxP          = 1 << 0
	ctxFPD        = 1 << 1
	ctxTTMask     = 3 << 2
	ctxTTMulti    = 0 << 2
	ctxTTDevIOTLB = 1 << 2
	ctxTTPassThru = 2 << 2
	ctxAWMask     = 7
	ctxDIDShift   = 8
	ctxDIDMask    = 0xffff

	ctxRsvdHi = 0xffffffffff000080

	ctxSMPDTSShift   = 9
	ctxSMPDTSMask    = 7
	ctxSMRID2PASID   = 0xfffff
	ctxSMRsvdVal1    = 0xffffffffffe00000
	ctxSMRsvdVal0Low = 0x1e0
)

// PASID directory and PASID entries.
const (
	pasidDirEntrySize = 8
	pasidDirP         = 1 << 0
	pasidDirFPD       = 1 << 1
	pasidDirIndexMask = 0x3fff
	pasidDirShift     = 6

	pasidEntrySize      = 64
	pasidTableEntries   = 64
	pasidTableIndexMask = pasidTableEntries - 1
	pasidEntryP         = 1 << 0
	pasidEntryFPD       = 1 << 1
	pasidEntryAWShift   = 2
	pasidEntryAWMask    = 7
	pasidPGTTShift      = 6
	pasidPGTTMask       = 7
	pasidDIDMask        = 0xffff

	pasidSRE       = 1 << 0
	pasidFLPMShift = 2
	pasidFLPMMask  = 3
	pasidWPE       = 1 << 4
	pasidEAFE      = 1 << 7
)

// PGTT values of a scalable-mode PASID entry.
const (
	pgttFirstLevel  = 1
	pgttSecondLevel = 2
	pgttNested      = 3
	pgttPassThrough = 4
)

type rootEntry struct {
	lo, hi uint64
}

// present reports the P bit covering devfn. In scalable format the upper
// half of the entry covers devfn 128-255.
func (r rootEntry) present(scalable bool, devfn uint8) bool {
	if scalable && devfn > 127 {
		return r.hi&rootEntryP != 0
	}
	return r.lo&rootEntryP != 0
}

// contextEntry holds either layout. Legacy entries only use val[0] (lo) and
// val[1] (hi).
type contextEntry struct {
	val [4]uint64
}

func (c contextEntry) present() bool { return c.val[0]&ctxP != 0 }
func (c contextEntry) fpd() bool     { return c.val[0]&ctxFPD != 0 }

// Legacy accessors.
func (c contextEntry) tt() uint64       { return c.val[0] & ctxTTMask }
func (c contextEntry) slptBase() uint64 { return c.val[0] & pageMask }
func (c contextEntry) aw() uint32       { return uint32(c.val[1] & ctxAWMask) }
func (c contextEntry) level() uint32    { return 2 + c.aw() }
func (c contextEntry) agaw() uint32     { return 30 + c.aw()*levelBits }
func (c contextEntry) domain() uint16   { return uint16((c.val[1] >> ctxDIDShift) & ctxDIDMask) }

// Scalable-mode accessors.
func (c contextEntry) pasidDirBase() uint64 { return c.val[0] & pageMask }
func (c contextEntry) pdts() uint32         { return uint32(c.val[0]>>ctxSMPDTSShift) & ctxSMPDTSMask }
func (c contextEntry) rid2pasid() uint32    { return uint32(c.val[1] & ctxSMRID2PASID) }

// pasidDirEntries is the number of directory entries the context entry
// allows software to populate.
func (c contextEntry) pasidDirEntries() uint32 { return 1 << (c.pdts() + 7) }

func (c contextEntry) String() string {
	return fmt.Sprintf("%#x:%#x:%#x:%#x", c.val[3], c.val[2], c.val[1], c.val[0])
}

type pasidEntry struct {
	val [8]uint64
}

func (p pasidEntry) present() bool    { return p.val[0]&pasidEntryP != 0 }
func (p pasidEntry) fpd() bool        { return p.val[0]&pasidEntryFPD != 0 }
func (p pasidEntry) pgtt() uint32     { return uint32(p.val[0]>>pasidPGTTShift) & pasidPGTTMask }
func (p pasidEntry) aw() uint32       { return uint32(p.val[0]>>pasidEntryAWShift) & pasidEntryAWMask }
func (p pasidEntry) level() uint32    { return 2 + p.aw() }
func (p pasidEntry) agaw() uint32     { return 30 + p.aw()*levelBits }
func (p pasidEntry) slptBase() uint64 { return p.val[0] & pageMask }
func (p pasidEntry) domain() uint16   { return uint16(p.val[1] & pasidDIDMask) }

func (p pasidEntry) flpm() uint32     { return uint32(p.val[2]>>pasidFLPMShift) & pasidFLPMMask }
func (p pasidEntry) flLevel() uint32  { return 4 + p.flpm() }
func (p pasidEntry) flAW() uint32     { return 48 + p.flpm()*levelBits }
func (p pasidEntry) flptBase() uint64 { return p.val[2] & pageMask }

func (p pasidEntry) String() string {
	return fmt.Sprintf("%#x:%#x:%#x:%#x", p.val[3], p.val[2], p.val[1], p.val[0])
}

// readQuads reads len(dst) little endian quadwords starting at addr.
func (d *Device) readQuads(addr uint64, dst []uint64) error {
	var buf [8 * 8]byte
	n := len(dst) * 8
	if _, err := d.mem.ReadAt(buf[:n], int64(addr)); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = le.Uint64(buf[i*8:])
	}
	return nil
}

func (d *Device) readQuad(addr uint64) (uint64, error) {
	var v [1]uint64
	err := d.readQuads(addr, v[:])
	return v[0], err
}

func (d *Device) haw() uint64 { return 1<<d.cfg.AWBits - 1 }

// pasidBits is the PASID size supported, minus one, as advertised in ECAP.
func (d *Device) pasidBits() uint32 { return uint32(d.ecap>>ecapPSSShft) & 0x1f }

// levelSupported checks the SAGAW field of CAP for a second-level table of
// the given depth.
func (d *Device) levelSupported(level uint32) bool {
	if level < 2 || level > 6 {
		return false
	}
	return d.cap&capSAGAWMask&(1<<(level-2+capSAGAWShift)) != 0
}

func (d *Device) fetchRootEntry(bus uint8) (rootEntry, FaultReason) {
	var v [2]uint64
	if err := d.readQuads(d.root+uint64(bus)*rootEntrySize, v[:]); err != nil {
		return rootEntry{}, FaultRootTableInvalid
	}
	return rootEntry{lo: v[0], hi: v[1]}, FaultNone
}

func (d *Device) rootEntryReserved(re rootEntry) bool {
	rsvd := uint64(0xffe) | ^d.haw()
	if !d.rootScalable {
		return re.hi != 0 || re.lo&rsvd != 0
	}
	return re.lo&rsvd != 0 || re.hi&rsvd != 0
}

func (d *Device) contextEntryReserved(ce contextEntry) bool {
	if !d.rootScalable {
		return ce.val[1]&ctxRsvdHi != 0 || ce.val[0]&(0xff0|^d.haw()) != 0
	}
	return ce.val[0]&(ctxSMRsvdVal0Low|^d.haw()) != 0 ||
		ce.val[1]&ctxSMRsvdVal1 != 0 ||
		ce.val[2] != 0 || ce.val[3] != 0
}

// legacyTypeSupported checks the translation type of a legacy context entry
// against what the unit advertises.
func (d *Device) legacyTypeSupported(ce contextEntry) bool {
	switch ce.tt() {
	case ctxTTMulti:
		return true
	case ctxTTDevIOTLB:
		return d.ecap&ecapDT != 0
	case ctxTTPassThru:
		return d.ecap&ecapPT != 0
	}
	return false
}

// fetchContextEntry resolves (bus, devfn) through the root table. The result
// is a copy and is validated against the current root table format.
func (d *Device) fetchContextEntry(bus, devfn uint8) (contextEntry, FaultReason) {
	var ce contextEntry

	re, fault := d.fetchRootEntry(bus)
	if fault != FaultNone {
		return ce, fault
	}
	if !re.present(d.rootScalable, devfn) {
		return ce, FaultRootEntryNotPresent
	}
	if d.rootEntryReserved(re) {
		guestError(&logTranslate, "vtd: reserved bits set in root entry", "bus", bus, "hi", re.hi, "lo", re.lo)
		return ce, FaultRootEntryReserved
	}

	size := uint64(ctxLegacySize)
	ptr := re.lo & rootEntryCTP
	index := uint64(devfn)
	if d.rootScalable {
		size = ctxScalableSize
		if devfn > 127 {
			ptr = re.hi & rootEntryCTP
			index -= 128
		}
	}
	if err := d.readQuads(ptr+index*size, ce.val[:size/8]); err != nil {
		return contextEntry{}, FaultContextTableInvalid
	}
	if !ce.present() {
		return ce, FaultContextEntryNotPresent
	}
	if d.contextEntryReserved(ce) {
		guestError(&logTranslate, "vtd: reserved bits set in context entry", "bus", bus, "devfn", devfn, "entry", ce)
		return ce, FaultContextEntryReserved
	}

	if !d.rootScalable {
		if !d.levelSupported(ce.level()) {
			guestError(&logTranslate, "vtd: unsupported context entry level", "bus", bus, "devfn", devfn, "level", ce.level())
			return ce, FaultContextEntryInvalid
		}
		if !d.legacyTypeSupported(ce) {
			guestError(&logTranslate, "vtd: unsupported context entry type", "bus", bus, "devfn", devfn, "tt", ce.tt()>>2)
			return ce, FaultContextEntryInvalid
		}
		return ce, FaultNone
	}

	// A present scalable context entry must carry a usable RID2PASID entry.
	if _, fault := d.pasidEntryFor(ce, NoPASID); fault != FaultNone {
		return ce, fault
	}
	return ce, FaultNone
}

// fetchPASIDDirEntry reads the directory entry for pasid without looking at
// the present bit: FPD is meaningful on a non-present entry.
func (d *Device) fetchPASIDDirEntry(dirBase uint64, pasid uint32) (uint64, FaultReason) {
	index := uint64(pasid>>pasidDirShift) & pasidDirIndexMask
	v, err := d.readQuad(dirBase + index*pasidDirEntrySize)
	if err != nil {
		return 0, FaultPASIDDirAccess
	}
	return v, FaultNone
}

// fetchPASIDEntryRaw reads a PASID table entry without any validation.
func (d *Device) fetchPASIDEntryRaw(dirEntry uint64, pasid uint32) (pasidEntry, FaultReason) {
	var pe pasidEntry
	index := uint64(pasid & pasidTableIndexMask)
	if err := d.readQuads(dirEntry&pageMask+index*pasidEntrySize, pe.val[:]); err != nil {
		return pasidEntry{}, FaultPASIDTableAccess
	}
	return pe, FaultNone
}

// pasidTypeSupported applies the PGTT policy: first-level, second-level and
// nested are always accepted, pass-through only when advertised.
func (d *Device) pasidTypeSupported(pe pasidEntry) bool {
	switch pe.pgtt() {
	case pgttFirstLevel, pgttSecondLevel, pgttNested:
		return true
	case pgttPassThrough:
		return d.ecap&ecapPT != 0
	}
	return false
}

func (d *Device) checkPASIDEntry(pe pasidEntry) FaultReason {
	if !pe.present() {
		return FaultPASIDEntryNotPresent
	}
	if !d.pasidTypeSupported(pe) {
		return FaultPASIDEntryInvalid
	}
	switch pe.pgtt() {
	case pgttSecondLevel:
		if !d.levelSupported(pe.level()) {
			return FaultPASIDEntryInvalid
		}
	case pgttFirstLevel:
		// FL5LP is not advertised.
		if pe.flLevel() != 4 {
			return FaultPASIDEntryInvalid
		}
	}
	return FaultNone
}

// fetchPASIDEntry walks the PASID directory at dirBase and returns a present,
// valid entry for pasid.
func (d *Device) fetchPASIDEntry(dirBase uint64, pasid uint32) (pasidEntry, FaultReason) {
	dire, fault := d.fetchPASIDDirEntry(dirBase, pasid)
	if fault != FaultNone {
		return pasidEntry{}, fault
	}
	if dire&pasidDirP == 0 {
		return pasidEntry{}, FaultPASIDDirNotPresent
	}
	pe, fault := d.fetchPASIDEntryRaw(dire, pasid)
	if fault != FaultNone {
		return pasidEntry{}, fault
	}
	if fault := d.checkPASIDEntry(pe); fault != FaultNone {
		return pe, fault
	}
	return pe, FaultNone
}

// pasidEntryFor returns the PASID entry a scalable context entry selects for
// pasid, substituting RID2PASID for NoPASID.
func (d *Device) pasidEntryFor(ce contextEntry, pasid uint32) (pasidEntry, FaultReason) {
	if pasid == NoPASID {
		pasid = ce.rid2pasid()
	}
	return d.fetchPASIDEntry(ce.pasidDirBase(), pasid)
}

// pasidFPD returns the fault processing disable state for pasid. The
// directory entry's FPD is honoured before its present bit is checked.
func (d *Device) pasidFPD(ce contextEntry, pasid uint32) (bool, FaultReason) {
	if pasid == NoPASID {
		pasid = ce.rid2pasid()
	}
	dire, fault := d.fetchPASIDDirEntry(ce.pasidDirBase(), pasid)
	if fault != FaultNone {
		return false, fault
	}
	if dire&pasidDirFPD != 0 {
		return true, FaultNone
	}
	if dire&pasidDirP == 0 {
		return false, FaultPASIDDirNotPresent
	}
	pe, fault := d.fetchPASIDEntryRaw(dire, pasid)
	if fault != FaultNone {
		return false, fault
	}
	return pe.fpd(), FaultNone
}

// pageTable describes the table a request is walked through.
type pageTable struct {
	format *pagingFormat
	base   uint64
	level  uint32
	// limit is the first IOVA the table cannot translate.
	limit  uint64
	domain uint16
}

func (d *Device) iovaLimit(agaw uint32) uint64 {
	return 1 << min(agaw, d.cfg.AWBits)
}

// secondLevelTable returns the second-level table for (ce, pasid). In
// scalable mode the values come from the PASID entry.
func (d *Device) secondLevelTable(ce contextEntry, pasid uint32) (pageTable, FaultReason) {
	if !d.rootScalable {
		return pageTable{
			format: &d.sl,
			base:   ce.slptBase(),
			level:  ce.level(),
			limit:  d.iovaLimit(ce.agaw()),
			domain: ce.domain(),
		}, FaultNone
	}
	pe, fault := d.pasidEntryFor(ce, pasid)
	if fault != FaultNone {
		return pageTable{}, fault
	}
	return d.tableForPASIDEntry(pe), FaultNone
}

// tableForPASIDEntry picks the first-level table for PGTT=FL and the
// second-level table otherwise.
func (d *Device) tableForPASIDEntry(pe pasidEntry) pageTable {
	if pe.pgtt() == pgttFirstLevel {
		return pageTable{
			format: &d.fl,
			base:   pe.flptBase(),
			level:  pe.flLevel(),
			limit:  d.iovaLimit(pe.flAW()),
			domain: pe.domain(),
		}
	}
	return pageTable{
		format: &d.sl,
		base:   pe.slptBase(),
		level:  pe.level(),
		limit:  d.iovaLimit(pe.agaw()),
		domain: pe.domain(),
	}
}

// domainFor returns the domain id (ce, pasid) is tagged with, or false if
// the PASID entry cannot be resolved.
func (d *Device) domainFor(ce contextEntry, pasid uint32) (uint16, bool) {
	if !d.rootScalable {
		return ce.domain(), true
	}
	pe, fault := d.pasidEntryFor(ce, pasid)
	if fault != FaultNone {
		return 0, false
	}
	return pe.domain(), true
}

// passThrough reports whether (ce, pasid) bypasses translation. An entry
// that cannot be resolved is treated as translated.
func (d *Device) passThrough(ce contextEntry, pasid uint32) bool {
	if d.rootScalable {
		pe, fault := d.pasidEntryFor(ce, pasid)
		if fault != FaultNone {
			return false
		}
		return pe.pgtt() == pgttPassThrough
	}
	return ce.tt() == ctxTTPassThru
}
