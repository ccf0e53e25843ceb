package scenario

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vtd/internal/devices/vtd"
	"github.com/tinyrange/vtd/internal/dmapool"
	"github.com/tinyrange/vtd/internal/hv"
)

// Guest table formats.
const (
	pteRead     = 1 << 0
	pteWrite    = 1 << 1
	ptePageSize = 1 << 7
	tableFlags  = pteRead | pteWrite
	addrMask    = 0x000ffffffffff000

	rootEntrySize   = 16
	ctxLegacySize   = 16
	ctxScalableSize = 32
	ctxPresent      = 1 << 0
	ctxFPD          = 1 << 1
	ctxPassThrough  = 2 << 2
	ctxDomainShift  = 8

	pasidDirEntries  = 128
	pasidTableSize   = 64
	pasidEntrySize   = 64
	pasidPresent     = 1 << 0
	pasidFPD         = 1 << 1
	pasidAWShift     = 2
	pasidPGTTShift   = 6
	pgttFirstLevel   = 1
	pgttSecondLevel  = 2
	pgttPassThrough  = 4
	maxPASID         = pasidDirEntries * pasidTableSize
	rtaddrScalable   = 1 << 10
	firstLevelLevels = 4
)

// Layout is what Build left in guest memory.
type Layout struct {
	// RootTable is the RTADDR value, including the table type bit.
	RootTable uint64
	// Queue is a 4K invalidation queue, or 0.
	Queue uint64
	// Status is a page the driver uses for wait descriptor status writes.
	Status uint64
	// Pages is the number of table pages allocated.
	Pages int

	Requests []dmapool.Request
}

type builder struct {
	sc   *Scenario
	mem  hv.GuestMemory
	next uint64
	err  error

	root   uint64
	ctx    map[uint8]uint64
	pasids map[uint16]uint64
	pages  int
}

// Build writes the root, context, PASID and page tables of sc into mem and
// expands its requests.
func Build(mem hv.GuestMemory, sc *Scenario) (*Layout, error) {
	b := &builder{
		sc:     sc,
		mem:    mem,
		next:   sc.TableBase,
		ctx:    make(map[uint8]uint64),
		pasids: make(map[uint16]uint64),
	}
	b.root = b.page()

	for _, dev := range sc.Devices {
		b.device(dev)
	}

	l := &Layout{RootTable: b.root}
	if sc.scalable() {
		l.RootTable |= rtaddrScalable
	}
	if sc.Queue {
		l.Queue = b.page()
	}
	l.Status = b.page()
	l.Pages = b.pages
	if b.err != nil {
		return nil, b.err
	}

	for _, req := range sc.Requests {
		pasid := vtd.NoPASID
		if req.PASID != nil {
			pasid = *req.PASID
		}
		dr := dmapool.Request{SID: req.SID, PASID: pasid, IOVA: req.IOVA, Write: req.Write, Len: req.Len}
		if req.Write {
			dr.Data = bytes.Repeat([]byte{req.Fill}, req.Len)
		}
		for range max(req.Repeat, 1) {
			l.Requests = append(l.Requests, dr)
		}
	}
	return l, nil
}

// page allocates a zeroed table page. Errors stick and are reported once
// by Build.
func (b *builder) page() uint64 {
	p := b.next
	if p+size4K > b.sc.MemorySize {
		if b.err == nil {
			b.err = fmt.Errorf("scenario: table pages exhausted memory at 0x%x", p)
		}
		return p
	}
	b.next += size4K
	b.pages++
	var zero [size4K]byte
	if _, err := b.mem.WriteAt(zero[:], int64(p)); err != nil && b.err == nil {
		b.err = fmt.Errorf("scenario: clear page 0x%x: %w", p, err)
	}
	return p
}

func (b *builder) write64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := b.mem.WriteAt(buf[:], int64(addr)); err != nil && b.err == nil {
		b.err = fmt.Errorf("scenario: write 0x%x: %w", addr, err)
	}
}

func (b *builder) read64(addr uint64) uint64 {
	var buf [8]byte
	if _, err := b.mem.ReadAt(buf[:], int64(addr)); err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("scenario: read 0x%x: %w", addr, err)
		}
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// secondLevels is the depth of second-level tables: the widest the unit
// supports.
func (b *builder) secondLevels() (levels uint32, aw uint64) {
	if b.sc.Config.AWBits >= 48 {
		return 4, 2
	}
	return 3, 1
}

func (b *builder) device(dev Device) {
	if !b.sc.scalable() {
		b.legacyDevice(dev)
		return
	}

	dir := b.pasidDirectory(dev.SID)
	pasid := uint32(0)
	if dev.PASID != nil {
		pasid = *dev.PASID
	}
	slot := dir + uint64(pasid/pasidTableSize)*8
	table := b.read64(slot) & addrMask
	if table == 0 {
		table = b.page()
		b.write64(slot, table|pasidPresent)
	}
	entry := table + uint64(pasid%pasidTableSize)*pasidEntrySize

	var val [3]uint64
	val[1] = uint64(dev.Domain)
	switch dev.Mode {
	case ModePassThrough:
		val[0] = pasidPresent | pgttPassThrough<<pasidPGTTShift
	case ModeFirstLevel:
		flpt := b.page()
		b.mapAll(flpt, firstLevelLevels, dev.Mappings)
		val[0] = pasidPresent | pgttFirstLevel<<pasidPGTTShift
		val[2] = flpt
	default:
		levels, aw := b.secondLevels()
		slpt := b.page()
		b.mapAll(slpt, levels, dev.Mappings)
		val[0] = slpt | pasidPresent | aw<<pasidAWShift | pgttSecondLevel<<pasidPGTTShift
	}
	if dev.FaultDisable {
		val[0] |= pasidFPD
	}
	for i, v := range val {
		b.write64(entry+uint64(i)*8, v)
	}
}

func (b *builder) legacyDevice(dev Device) {
	bus, devfn := uint8(dev.SID>>8), uint8(dev.SID)
	table, ok := b.ctx[bus]
	if !ok {
		table = b.page()
		b.write64(b.root+uint64(bus)*rootEntrySize, table|ctxPresent)
		b.ctx[bus] = table
	}
	addr := table + uint64(devfn)*ctxLegacySize

	levels, aw := b.secondLevels()
	lo := uint64(ctxPresent)
	if dev.Mode == ModePassThrough {
		lo |= ctxPassThrough
	} else {
		slpt := b.page()
		b.mapAll(slpt, levels, dev.Mappings)
		lo |= slpt
	}
	if dev.FaultDisable {
		lo |= ctxFPD
	}
	b.write64(addr, lo)
	b.write64(addr+8, aw|uint64(dev.Domain)<<ctxDomainShift)
}

// pasidDirectory returns the PASID directory of sid, installing its
// scalable context entry on first use. RID2PASID is 0.
func (b *builder) pasidDirectory(sid uint16) uint64 {
	if dir, ok := b.pasids[sid]; ok {
		return dir
	}
	bus, devfn := uint8(sid>>8), uint8(sid)

	rootEntry := b.root + uint64(bus)*rootEntrySize
	if devfn >= 128 {
		rootEntry += 8
		devfn -= 128
	}
	table := b.read64(rootEntry) & addrMask
	if table == 0 {
		table = b.page()
		b.write64(rootEntry, table|ctxPresent)
	}

	dir := b.page()
	// PDTS 0 sizes the directory at 128 entries.
	b.write64(table+uint64(devfn)*ctxScalableSize, dir|ctxPresent)
	b.pasids[sid] = dir
	return dir
}

func (b *builder) mapAll(table uint64, levels uint32, mappings []Mapping) {
	for _, m := range mappings {
		perm, _ := permBits(m.Perm)
		level := leafLevel(m.PageSize)
		for off := uint64(0); off < m.Size; off += m.PageSize {
			b.mapPage(table, levels, m.IOVA+off, m.Addr+off, level, perm)
		}
	}
}

func leafLevel(pageSize uint64) uint32 {
	switch pageSize {
	case size1G:
		return 3
	case size2M:
		return 2
	}
	return 1
}

func levelIndex(iova uint64, level uint32) uint64 {
	return (iova >> (12 + 9*(level-1))) & 0x1ff
}

// mapPage installs a leaf for iova at level, allocating the tables above it.
func (b *builder) mapPage(table uint64, levels uint32, iova, addr uint64, level uint32, perm uint64) {
	for l := levels; l > level; l-- {
		slot := table + levelIndex(iova, l)*8
		pte := b.read64(slot)
		if pte&tableFlags == 0 {
			pte = b.page() | tableFlags
			b.write64(slot, pte)
		} else if pte&ptePageSize != 0 {
			if b.err == nil {
				b.err = fmt.Errorf("scenario: iova 0x%x overlaps a large page", iova)
			}
			return
		}
		table = pte & addrMask
	}
	pte := addr | perm
	if level > 1 {
		pte |= ptePageSize
	}
	b.write64(table+levelIndex(iova, level)*8, pte)
}
