package vtd

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/vtd/internal/trace"
)

var traceDescriptor = trace.RegisterKind("vtd.descriptor")

// descType is the type field of an invalidation descriptor, bits 11:9 and
// 3:0 of the first quadword.
type descType uint8

const (
	descNone descType = iota
	descContextCache
	descIOTLB
	descDevIOTLB
	descIEC
	descWait
	descPIOTLB
	descPASIDCache
	descDevPIOTLB
)

var descTypeNames = [...]string{
	descNone:         "none",
	descContextCache: "context-cache",
	descIOTLB:        "iotlb",
	descDevIOTLB:     "device-iotlb",
	descIEC:          "iec",
	descWait:         "wait",
	descPIOTLB:       "p-iotlb",
	descPASIDCache:   "pasid-cache",
	descDevPIOTLB:    "device-piotlb",
}

func (t descType) String() string {
	if int(t) < len(descTypeNames) {
		return descTypeNames[t]
	}
	return fmt.Sprintf("desc(%d)", uint8(t))
}

func rawDescType(lo uint64) descType {
	return descType((lo>>5)&0x70 | lo&0xf)
}

// Descriptor field layouts.
const (
	descGranShift = 4
	descGranMask  = 3
	descDIDShift  = 16
	descDIDMask   = 0xffff
	descSIDShift  = 32
	descSIDMask   = 0xffff
	descPASIDMask = 0xfffff

	ccFMShift = 48
	ccRsvd    = 0xfffc00000000f1c0

	iotlbRsvdLo = 0xffffffff0000f100
	iotlbRsvdHi = 0xf80
	iotlbAMMask = 0x3f
	iotlbIH     = 1 << 6

	devIOTLBSize   = 1 << 0
	devIOTLBRsvdLo = 0xffff0000ffe0f1f0
	devIOTLBRsvdHi = 0xffe

	iecIndexed   = 1 << 4
	iecMaskShift = 27
	iecMaskMask  = 0x1f

	waitIF        = 1 << 4
	waitSW        = 1 << 5
	waitFN        = 1 << 6
	waitDataShift = 32
	waitRsvdLo    = 0xfffff180
	waitRsvdHi    = 3

	pasidcRsvd0 = 0xfff000000000f1c0

	piotlbRsvd0 = 0xfff000000000f1c0
	piotlbRsvd1 = 0xf80
)

// descriptor is a decoded invalidation descriptor. The set of
// implementations is closed; applyDescriptor handles each of them.
type descriptor interface {
	kind() descType
}

type contextCacheDesc struct {
	granularity uint8
	domain      uint16
	sid         uint16
	fm          uint8
}

type iotlbDesc struct {
	granularity uint8
	domain      uint16
	addr        uint64
	am          uint8
	ih          bool
}

type devIOTLBDesc struct {
	sid  uint16
	addr uint64
	size bool
}

type iecDesc struct {
	global bool
	index  uint32
	mask   uint32
}

type waitDesc struct {
	statusWrite bool
	interrupt   bool
	fence       bool
	data        uint32
	addr        uint64
}

type piotlbDesc struct {
	granularity uint8
	domain      uint16
	pasid       uint32
	addr        uint64
	am          uint8
	ih          bool
}

type pasidCacheDesc struct {
	granularity uint8
	domain      uint16
	pasid       uint32
}

type devPIOTLBDesc struct{}

func (contextCacheDesc) kind() descType { return descContextCache }
func (iotlbDesc) kind() descType        { return descIOTLB }
func (devIOTLBDesc) kind() descType     { return descDevIOTLB }
func (iecDesc) kind() descType          { return descIEC }
func (waitDesc) kind() descType         { return descWait }
func (piotlbDesc) kind() descType       { return descPIOTLB }
func (pasidCacheDesc) kind() descType   { return descPASIDCache }
func (devPIOTLBDesc) kind() descType    { return descDevPIOTLB }

var errReservedBits = errors.New("reserved bits set")

// decodeDescriptor validates the raw descriptor words and returns the typed
// form. Only val[0] and val[1] are meaningful for 128-bit descriptors.
func decodeDescriptor(val [4]uint64) (descriptor, error) {
	lo, hi := val[0], val[1]
	gran := uint8(lo>>descGranShift) & descGranMask
	domain := uint16(lo>>descDIDShift) & descDIDMask

	switch t := rawDescType(lo); t {
	case descContextCache:
		if lo&ccRsvd != 0 || hi != 0 {
			return nil, errReservedBits
		}
		if gran == 0 {
			return nil, fmt.Errorf("invalid granularity %d", gran)
		}
		return contextCacheDesc{
			granularity: gran,
			domain:      domain,
			sid:         uint16(lo>>descSIDShift) & descSIDMask,
			fm:          uint8(lo>>ccFMShift) & 3,
		}, nil

	case descIOTLB:
		if lo&iotlbRsvdLo != 0 || hi&iotlbRsvdHi != 0 {
			return nil, errReservedBits
		}
		if gran == 0 {
			return nil, fmt.Errorf("invalid granularity %d", gran)
		}
		am := uint8(hi & iotlbAMMask)
		if gran == tlbPage && am > tlbMaxAM {
			return nil, fmt.Errorf("address mask %d exceeds %d", am, tlbMaxAM)
		}
		return iotlbDesc{
			granularity: gran,
			domain:      domain,
			addr:        hi & pageMask,
			am:          am,
			ih:          hi&iotlbIH != 0,
		}, nil

	case descDevIOTLB:
		if lo&devIOTLBRsvdLo != 0 || hi&devIOTLBRsvdHi != 0 {
			return nil, errReservedBits
		}
		return devIOTLBDesc{
			sid:  uint16(lo>>descSIDShift) & descSIDMask,
			addr: hi & pageMask,
			size: hi&devIOTLBSize != 0,
		}, nil

	case descIEC:
		return iecDesc{
			global: lo&iecIndexed == 0,
			index:  uint32(lo>>32) & 0xffff,
			mask:   uint32(lo>>iecMaskShift) & iecMaskMask,
		}, nil

	case descWait:
		if lo&waitRsvdLo != 0 || hi&waitRsvdHi != 0 {
			return nil, errReservedBits
		}
		w := waitDesc{
			statusWrite: lo&waitSW != 0,
			interrupt:   lo&waitIF != 0,
			fence:       lo&waitFN != 0,
			data:        uint32(lo >> waitDataShift),
			addr:        hi,
		}
		if !w.statusWrite && !w.interrupt && !w.fence {
			return nil, errors.New("wait descriptor requests nothing")
		}
		return w, nil

	case descPIOTLB:
		if lo&piotlbRsvd0 != 0 || hi&piotlbRsvd1 != 0 {
			return nil, errReservedBits
		}
		if gran != 2 && gran != 3 {
			return nil, fmt.Errorf("invalid granularity %d", gran)
		}
		return piotlbDesc{
			granularity: gran,
			domain:      domain,
			pasid:       uint32(lo>>32) & descPASIDMask,
			addr:        hi & pageMask,
			am:          uint8(hi & iotlbAMMask),
			ih:          hi&iotlbIH != 0,
		}, nil

	case descPASIDCache:
		if lo&pasidcRsvd0 != 0 || hi != 0 || val[2] != 0 || val[3] != 0 {
			return nil, errReservedBits
		}
		if gran == 2 {
			return nil, fmt.Errorf("invalid granularity %d", gran)
		}
		return pasidCacheDesc{
			granularity: gran,
			domain:      domain,
			pasid:       uint32(lo>>32) & descPASIDMask,
		}, nil

	case descDevPIOTLB:
		return devPIOTLBDesc{}, nil

	default:
		return nil, fmt.Errorf("unknown descriptor type %d", uint8(t))
	}
}

// queueEntrySize is the descriptor size in bytes.
func (d *Device) queueEntrySize() uint64 {
	if d.iqDW {
		return 32
	}
	return 16
}

func (d *Device) iqhShift() uint {
	if d.iqDW {
		return 5
	}
	return 4
}

// fetchDescriptor reads the descriptor at the queue head.
func (d *Device) fetchDescriptor() ([4]uint64, error) {
	var val [4]uint64
	n := d.queueEntrySize() / 8
	addr := d.iqBase + uint64(d.iqHead)*d.queueEntrySize()
	if err := d.readQuads(addr, val[:n]); err != nil {
		return val, fmt.Errorf("read descriptor at 0x%x: %w", addr, err)
	}
	return val, nil
}

// processDescriptor fetches, decodes and applies the descriptor at the head
// and advances the head past it. The head is left alone on failure.
func (d *Device) processDescriptor() error {
	val, err := d.fetchDescriptor()
	if err != nil {
		d.iqLastDesc = descNone
		return err
	}
	d.iqLastDesc = rawDescType(val[0])

	desc, err := decodeDescriptor(val)
	if err != nil {
		return fmt.Errorf("%s descriptor %#x:%#x: %w", d.iqLastDesc, val[1], val[0], err)
	}
	trace.Record(trace.Event{Kind: traceDescriptor, Flags: uint32(d.iqLastDesc), Addr: val[1], Value: val[0]})

	if err := d.applyDescriptor(desc); err != nil {
		return fmt.Errorf("%s descriptor: %w", d.iqLastDesc, err)
	}
	d.stats.Descriptors++

	d.iqHead++
	if d.iqHead == d.iqSize {
		d.iqHead = 0
	}
	return nil
}

func (d *Device) applyDescriptor(desc descriptor) error {
	switch desc := desc.(type) {
	case contextCacheDesc:
		if desc.granularity == ccmdDevice {
			return d.contextDeviceInvalidate(desc.sid, desc.fm)
		}
		return d.contextGlobalInvalidate()

	case iotlbDesc:
		switch desc.granularity {
		case tlbGlobal:
			d.iotlbGlobalInvalidate()
		case tlbDomain:
			d.iotlbDomainInvalidate(desc.domain)
		case tlbPage:
			d.iotlbPageInvalidate(desc.domain, desc.addr, desc.am)
		}
		return nil

	case devIOTLBDesc:
		d.devIOTLBInvalidate(desc)
		return nil

	case iecDesc:
		slog.Debug("vtd: interrupt entry cache invalidate", "global", desc.global, "index", desc.index, "mask", desc.mask)
		for _, n := range d.iecNotifiers {
			n.InvalidateIEC(desc.global, desc.index, desc.mask)
		}
		return nil

	case waitDesc:
		return d.processWait(desc)

	case piotlbDesc:
		if desc.granularity == 2 {
			d.piotlbPASIDInvalidate(desc.domain, desc.pasid)
		} else {
			d.piotlbPageInvalidate(desc.domain, desc.pasid, desc.addr, desc.am, desc.ih)
		}
		return nil

	case pasidCacheDesc:
		info := pasidCacheInfo{domain: desc.domain, pasid: desc.pasid}
		switch desc.granularity {
		case 0:
			info.kind = pasidDomain
		case 1:
			info.kind = pasidSelective
		default:
			info.kind = pasidGlobal
		}
		return d.syncPASIDCache(info)

	case devPIOTLBDesc:
		// Emulated devices keep no device-side first-level cache.
		return nil
	}
	return fmt.Errorf("unhandled descriptor %T", desc)
}

func (d *Device) processWait(w waitDesc) error {
	switch {
	case w.statusWrite:
		var buf [4]byte
		le.PutUint32(buf[:], w.data)
		if _, err := d.mem.WriteAt(buf[:], int64(w.addr)); err != nil {
			return fmt.Errorf("write wait status to 0x%x: %w", w.addr, err)
		}
	case w.interrupt:
		d.completionEvent()
	case w.fence:
		// Descriptors are processed in order; nothing to wait for.
	}
	return nil
}

// devIOTLBInvalidate forwards a device-TLB invalidation to the device's
// notifiers. With S set, the number of trailing one bits above the page
// offset encodes the size.
func (d *Device) devIOTLBInvalidate(desc devIOTLBDesc) {
	as, ok := d.spaces[spaceKey{bus: uint8(desc.sid >> 8), devfn: uint8(desc.sid), pasid: NoPASID}]
	if !ok {
		return
	}
	addr := desc.addr
	size := uint64(pageSize)
	if desc.size {
		size = pageSize * 2 << bits.TrailingZeros64(^(addr >> pageShift))
		addr &^= size - 1
	}
	as.notify(MapEvent{Type: EventDevIOTLBUnmap, IOVA: addr, AddrMask: size - 1})
}

// drainQueue processes descriptors until the head catches up with the tail
// or one fails. IQH is published after every descriptor.
func (d *Device) drainQueue() {
	if d.iqTail >= d.iqSize {
		guestError(&logQueue, "vtd: invalidation queue tail out of range", "tail", d.iqTail, "size", d.iqSize)
		d.queueError()
		return
	}
	for d.iqHead != d.iqTail {
		if err := d.processDescriptor(); err != nil {
			guestError(&logQueue, "vtd: invalidation queue error", "head", d.iqHead, "err", err)
			d.queueError()
			return
		}
		d.regs.setQuadRaw(regIQH, uint64(d.iqHead)<<d.iqhShift()&iqhQHMask)
	}
}

func (d *Device) queueErrorPending() bool {
	return d.regs.long(regFSTS)&fstsIQE != 0
}

// handleIQT processes a write to the invalidation queue tail register.
func (d *Device) handleIQT() {
	val := d.regs.quad(regIQT)
	if d.iqDW && val&iqtDW256Rsvd != 0 {
		guestError(&logQueue, "vtd: reserved bit set in 256-bit queue tail", "iqt", val)
		d.queueError()
		return
	}
	if d.iqDW {
		d.iqTail = uint32(val>>5) & iqtQTMask256
	} else {
		d.iqTail = uint32(val>>4) & iqtQTMask128
	}
	if d.qiEnabled && !d.queueErrorPending() {
		d.drainQueue()
	}
}

// handleIQA latches the descriptor width from the invalidation queue address
// register. Base and size are latched when the queue is enabled.
func (d *Device) handleIQA() {
	iqa := d.regs.quad(regIQA)
	d.iqDW = d.ecap&ecapSMTS != 0 && iqa&iqaDW != 0
}

// setQueueEnabled handles the QIE bit of the global command register.
func (d *Device) setQueueEnabled(en bool) {
	slog.Debug("vtd: queued invalidation", "enable", en)
	if en {
		iqa := d.regs.quad(regIQA)
		d.iqBase = iqa & iqaAddrMask & d.haw()
		shift := uint32(iqa&iqaQSMask) + 8
		if d.iqDW {
			shift--
		}
		d.iqSize = 1 << shift
		d.qiEnabled = true
		d.regs.setClearMaskLong(regGSTS, 0, gstsQIES)

		// Some guests program the tail before enabling the queue.
		if d.iqTail != 0 && !d.queueErrorPending() {
			d.drainQueue()
		}
		return
	}

	if !d.qiEnabled || d.iqHead != d.iqTail || d.iqLastDesc != descWait {
		guestError(&logQueue, "vtd: refusing to disable queued invalidation before it drained",
			"head", d.iqHead, "tail", d.iqTail, "last", d.iqLastDesc)
		return
	}
	d.regs.setQuadRaw(regIQH, 0)
	d.iqHead = 0
	d.qiEnabled = false
	d.regs.setClearMaskLong(regGSTS, gstsQIES, 0)
}

// AddIECNotifier subscribes n to interrupt entry cache invalidations.
func (d *Device) AddIECNotifier(n IECNotifier) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.iecNotifiers = append(d.iecNotifiers, n)
}
