package vtd

// maxTLBEntries bounds each translation cache. Reaching it flushes the whole
// table before the next insert.
const maxTLBEntries = 1024

// tlbMaxLevel is the coarsest page level probed on lookup.
const tlbMaxLevel = 4

type tlbKey struct {
	sid   uint16
	pasid uint32
	gfn   uint64
	level uint32
}

type tlbEntry struct {
	gfn    uint64
	domain uint16
	pte    uint64
	perm   Perm
	// mask is the page mask of the level the entry was found at.
	mask  uint64
	pasid uint32
}

// tlb is a translation cache keyed by (sid, pasid, gfn, level). The IOTLB
// and PIOTLB are two instances; the PIOTLB also matches on PASID when
// invalidating by page.
type tlb struct {
	name       string
	matchPASID bool
	entries    map[tlbKey]tlbEntry
}

func newTLB(name string, matchPASID bool) *tlb {
	return &tlb{
		name:       name,
		matchPASID: matchPASID,
		entries:    make(map[tlbKey]tlbEntry),
	}
}

func tlbGFN(addr uint64, level uint32) uint64 {
	return (addr & levelMask(level)) >> pageShift
}

func (t *tlb) len() int { return len(t.entries) }

// lookup probes from 4K pages upwards because the page size of a cached
// translation is not known in advance.
func (t *tlb) lookup(sid uint16, pasid uint32, addr uint64) (tlbEntry, bool) {
	for level := uint32(1); level <= tlbMaxLevel; level++ {
		key := tlbKey{sid: sid, pasid: pasid, gfn: tlbGFN(addr, level), level: level}
		if e, ok := t.entries[key]; ok {
			return e, true
		}
	}
	return tlbEntry{}, false
}

func (t *tlb) insert(sid uint16, pasid uint32, addr uint64, domain uint16, l leaf) {
	if len(t.entries) >= maxTLBEntries {
		t.reset()
	}
	gfn := tlbGFN(addr, l.level)
	t.entries[tlbKey{sid: sid, pasid: pasid, gfn: gfn, level: l.level}] = tlbEntry{
		gfn:    gfn,
		domain: domain,
		pte:    l.pte,
		perm:   l.perm(),
		mask:   l.mask(),
		pasid:  pasid,
	}
}

func (t *tlb) reset() {
	clear(t.entries)
}

func (t *tlb) removeFunc(match func(e tlbEntry) bool) int {
	n := 0
	for k, e := range t.entries {
		if match(e) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *tlb) removeDomain(domain uint16) int {
	return t.removeFunc(func(e tlbEntry) bool { return e.domain == domain })
}

// removePage drops the entries of domain that overlap the 2^am page range
// at addr. An entry matches if its frame falls in the range, or if the range
// falls inside the entry's own (possibly larger) page.
func (t *tlb) removePage(domain uint16, pasid uint32, addr uint64, am uint8) int {
	mask := ^(uint64(1)<<am - 1)
	gfn := (addr >> pageShift) & mask
	return t.removeFunc(func(e tlbEntry) bool {
		if e.domain != domain {
			return false
		}
		if t.matchPASID && e.pasid != pasid {
			return false
		}
		return e.gfn&mask == gfn || e.gfn == (addr&e.mask)>>pageShift
	})
}

func (t *tlb) removePASID(domain uint16, pasid uint32) int {
	return t.removeFunc(func(e tlbEntry) bool { return e.domain == domain && e.pasid == pasid })
}

// resetCaches drops every cached translation, context entry and PASID
// binding.
func (d *Device) resetCaches() {
	d.iotlb.reset()
	d.resetContextCache()
	d.syncPASIDCache(pasidCacheInfo{kind: pasidForceReset})
	d.piotlb.reset()
}
