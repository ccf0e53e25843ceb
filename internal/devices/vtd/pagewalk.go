package vtd

// Second-level and first-level page tables share the walking algorithm and
// differ in presence semantics, reserved bits and the event type reported
// for an invalid range.

const (
	pteRead     = 1 << 0 // first-level: present
	pteWrite    = 1 << 1 // first-level: read/write
	ptePageSize = 1 << 7
	pteSNP      = 1 << 11
	pteTM       = 1 << 62

	pteIgnoredBits = 0xbff0000000000000
	pteRsvdLevels  = 5
)

type pagingFormat struct {
	name string
	// requirePresent makes a clear bit 0 a paging-entry-invalid fault
	// instead of a read permission fault.
	requirePresent bool
	// unmapEvent is the event type delivered for invalid ranges.
	unmapEvent EventType

	rsvd      [pteRsvdLevels]uint64
	rsvdLarge [pteRsvdLevels]uint64
}

// newSecondLevelFormat computes the reserved-bit masks for each level. The
// TM bit is allowed when device-TLBs are advertised, the SNP bit in scalable
// mode or with snoop control.
func newSecondLevelFormat(aw uint32, deviceIOTLB, relaxSNP bool) pagingFormat {
	haw := uint64(1)<<aw - 1
	leafIgnored := uint64(pteIgnoredBits)
	if deviceIOTLB {
		leafIgnored |= pteTM
	}

	f := pagingFormat{name: "second-level", unmapEvent: EventUnmap}
	f.rsvd[1] = 0x800 | ^(haw | leafIgnored)
	f.rsvd[2] = 0x800 | ^(haw | pteIgnoredBits)
	f.rsvd[3] = 0x800 | ^(haw | pteIgnoredBits)
	f.rsvd[4] = 0x880 | ^(haw | pteIgnoredBits)
	f.rsvdLarge[2] = 0x1ff800 | ^(haw | leafIgnored)
	f.rsvdLarge[3] = 0x3ffff800 | ^(haw | leafIgnored)
	if relaxSNP {
		f.rsvd[1] &^= pteSNP
		f.rsvdLarge[2] &^= pteSNP
		f.rsvdLarge[3] &^= pteSNP
	}
	return f
}

func newFirstLevelFormat() pagingFormat {
	return pagingFormat{
		name:           "first-level",
		requirePresent: true,
		unmapEvent:     EventUnmap | EventDevIOTLBUnmap,
	}
}

func (f *pagingFormat) reserved(pte uint64, level uint32) bool {
	if level >= pteRsvdLevels {
		return true
	}
	if (level == 2 || level == 3) && pte&ptePageSize != 0 {
		return pte&f.rsvdLarge[level] != 0
	}
	return pte&f.rsvd[level] != 0
}

// perms returns the read and write permission granted by pte alone.
func (f *pagingFormat) perms(pte uint64) (r, w bool) {
	if f.requirePresent {
		present := pte&pteRead != 0
		return present, present && pte&pteWrite != 0
	}
	return pte&pteRead != 0, pte&pteWrite != 0
}

func isLeaf(pte uint64, level uint32) bool {
	return level == 1 || pte&ptePageSize != 0
}

func levelShift(level uint32) uint32 {
	return pageShift + (level-1)*levelBits
}

// levelMask is the page mask of a leaf at level.
func levelMask(level uint32) uint64 {
	return ^(uint64(1)<<levelShift(level) - 1)
}

func levelOffset(iova uint64, level uint32) uint64 {
	return (iova >> levelShift(level)) & (1<<levelBits - 1)
}

// leaf is the result of a successful walk.
type leaf struct {
	pte   uint64
	level uint32
	read  bool
	write bool
}

func (l leaf) mask() uint64 { return levelMask(l.level) }

func (l leaf) perm() Perm { return permOf(l.read, l.write) }

func (d *Device) pteAddr(pte uint64) uint64 {
	return pte & pageMask & d.haw()
}

func (t pageTable) inRange(iova uint64) bool {
	return iova&^(t.limit-1) == 0
}

// walk translates iova through t. Permissions accumulate down the levels
// and the result is checked against the interrupt address window.
func (d *Device) walk(t pageTable, iova uint64, write bool) (leaf, FaultReason) {
	if !t.inRange(iova) {
		guestError(&logTranslate, "vtd: iova beyond address width", "iova", iova, "limit", t.limit)
		return leaf{}, FaultAddrBeyondMGAW
	}

	f := t.format
	addr := t.base
	level := t.level
	read, writable := true, true

	for {
		pte, err := d.readQuad(addr + levelOffset(iova, level)*8)
		if err != nil {
			if level == t.level {
				// The table pointer itself is bad.
				return leaf{}, FaultContextEntryInvalid
			}
			return leaf{}, FaultPagingEntryInvalid
		}

		if f.requirePresent && pte&pteRead == 0 {
			return leaf{}, FaultPagingEntryInvalid
		}
		r, w := f.perms(pte)
		read = read && r
		writable = writable && w
		if write && !w {
			return leaf{}, FaultWrite
		}
		if !write && !r {
			return leaf{}, FaultRead
		}
		if f.reserved(pte, level) {
			guestError(&logTranslate, "vtd: reserved bits set in "+f.name+" entry", "iova", iova, "level", level, "pte", pte)
			return leaf{}, FaultPagingEntryReserved
		}

		if isLeaf(pte, level) {
			l := leaf{pte: pte, level: level, read: read, write: writable}
			if d.hitsInterruptWindow(d.pteAddr(pte), ^l.mask()+1) {
				guestError(&logTranslate, "vtd: translation lands in interrupt range", "iova", iova, "pte", pte)
				if d.cfg.ScalableMode != ScalableOff {
					return leaf{}, FaultSMInterruptAddr
				}
				return leaf{}, FaultInterruptAddr
			}
			return l, FaultNone
		}

		addr = d.pteAddr(pte)
		level--
	}
}

func (d *Device) hitsInterruptWindow(addr, size uint64) bool {
	return addr <= interruptAddrLast && addr+size-1 >= interruptAddrFirst
}

// walkRange visits [start, end) of t and calls hook for every leaf span,
// valid or not. Spans are whole pages of the level they were found at, so
// adjacent ranges are never merged explicitly. end is clamped to the table's
// address width.
func (d *Device) walkRange(t pageTable, start, end uint64, hook func(MapEvent)) FaultReason {
	if !t.inRange(start) {
		return FaultAddrBeyondMGAW
	}
	if !t.inRange(end) {
		end = t.limit
	}
	d.walkLevel(t.format, t.base, start, end, t.level, true, true, hook)
	return FaultNone
}

func (d *Device) walkLevel(f *pagingFormat, addr, start, end uint64, level uint32, read, write bool, hook func(MapEvent)) {
	size := uint64(1) << levelShift(level)
	mask := levelMask(level)

	for iova := start; iova < end; {
		next := (iova & mask) + size
		if next <= iova {
			// Wrapped past the top of the address space.
			next = end
		}

		pte, err := d.readQuad(addr + levelOffset(iova, level)*8)
		if err != nil || f.reserved(pte, level) {
			iova = next
			continue
		}

		r, w := f.perms(pte)
		r = read && r
		w = write && w

		if !isLeaf(pte, level) && (r || w) {
			d.walkLevel(f, d.pteAddr(pte), iova, min(next, end), level-1, r, w, hook)
		} else {
			ev := MapEvent{
				IOVA:       iova & mask,
				AddrMask:   ^mask,
				Translated: d.pteAddr(pte),
				Perm:       permOf(r, w),
			}
			if ev.Perm == PermNone {
				ev.Type = f.unmapEvent
			} else {
				ev.Type = EventMap
			}
			hook(ev)
		}
		iova = next
	}
}
