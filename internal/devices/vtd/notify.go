package vtd

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vtd/internal/iovatree"
)

// Perm is the access granted by a translation.
type Perm uint8

const (
	PermNone  Perm = 0
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermRW         = PermRead | PermWrite
)

func permOf(r, w bool) Perm {
	var p Perm
	if r {
		p |= PermRead
	}
	if w {
		p |= PermWrite
	}
	return p
}

func (p Perm) String() string {
	switch p {
	case PermNone:
		return "none"
	case PermRead:
		return "r"
	case PermWrite:
		return "w"
	case PermRW:
		return "rw"
	}
	return fmt.Sprintf("perm(%d)", uint8(p))
}

// EventType is a set of mapping change kinds. Notifiers subscribe to a set
// and receive only events that intersect it.
type EventType uint8

const (
	EventMap           EventType = 1 << 0
	EventUnmap         EventType = 1 << 1
	EventDevIOTLBUnmap EventType = 1 << 2
)

// MapEvent describes a range [IOVA, IOVA+AddrMask] that was mapped to
// Translated or unmapped.
type MapEvent struct {
	Type       EventType
	IOVA       uint64
	AddrMask   uint64
	Translated uint64
	Perm       Perm
}

func (e MapEvent) String() string {
	kind := "map"
	if e.Type&EventMap == 0 {
		kind = "unmap"
	}
	return fmt.Sprintf("%s [0x%x-0x%x]->0x%x %s", kind, e.IOVA, e.IOVA+e.AddrMask, e.Translated, e.Perm)
}

// Notifier receives mapping changes for one device address space. Notify is
// called with the device lock held and must not call back into the Device.
type Notifier interface {
	Flags() EventType
	Notify(ev MapEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc struct {
	Events EventType
	Fn     func(ev MapEvent)
}

func (n NotifierFunc) Flags() EventType   { return n.Events }
func (n NotifierFunc) Notify(ev MapEvent) { n.Fn(ev) }

// IECNotifier is told about interrupt entry cache invalidations. A global
// invalidation has global set and index/mask unused.
type IECNotifier interface {
	InvalidateIEC(global bool, index uint32, mask uint32)
}

// notify delivers ev to every notifier of as that subscribed to its type.
func (as *addressSpace) notify(ev MapEvent) {
	for _, n := range as.notifiers {
		if n.Flags()&ev.Type != 0 {
			n.Notify(ev)
		}
	}
}

func (as *addressSpace) flags() EventType {
	var f EventType
	for _, n := range as.notifiers {
		f |= n.Flags()
	}
	return f
}

func (as *addressSpace) hasMapNotifier() bool { return as.flags()&EventMap != 0 }

// shadowHook applies one range walk event to the mapped-range tree of as and
// forwards it. Identical mappings and unmaps of unmapped space are dropped.
//
// A changed translation is delivered as an UNMAP of every tracked range it
// overlaps followed by a MAP of the new one. Consumers observe a short window
// with no mapping; they cannot be handed an atomic replace.
func (d *Device) shadowHook(as *addressSpace, notifyUnmap bool) func(MapEvent) {
	return func(ev MapEvent) {
		target := iovatree.Mapping{
			IOVA:       ev.IOVA,
			Last:       ev.IOVA + ev.AddrMask,
			Translated: ev.Translated,
			Perm:       uint8(ev.Perm),
		}
		if ev.Type&EventMap == 0 && !notifyUnmap {
			return
		}
		mapped, ok := as.mapped.Find(target)

		if ev.Type&EventMap != 0 {
			if ok && mapped == target {
				return
			}
			// Tracked ranges never overlap each other, so removing one
			// mapping removes exactly that mapping.
			for ok {
				as.notify(MapEvent{
					Type:       EventUnmap,
					IOVA:       mapped.IOVA,
					AddrMask:   mapped.Last - mapped.IOVA,
					Translated: mapped.Translated,
				})
				as.mapped.Remove(mapped)
				mapped, ok = as.mapped.Find(target)
			}
			if err := as.mapped.Insert(target); err != nil {
				slog.Warn("vtd: track shadow mapping", "range", target, "err", err)
			}
			as.notify(ev)
			return
		}

		if !ok {
			return
		}
		// Spans are naturally aligned, so a tracked mapping either lies
		// inside the unmapped span or contains it. A containing mapping is
		// dropped whole.
		for ok {
			if mapped.IOVA < ev.IOVA || mapped.Last > target.Last {
				ev.IOVA = mapped.IOVA
				ev.AddrMask = mapped.Last - mapped.IOVA
			}
			as.mapped.Remove(mapped)
			mapped, ok = as.mapped.Find(target)
		}
		as.notify(ev)
	}
}

// unmapAll sends a single UNMAP covering the whole address width to every
// notifier of as and forgets all tracked mappings.
func (d *Device) unmapAll(as *addressSpace) {
	if len(as.notifiers) == 0 {
		return
	}
	as.notify(MapEvent{
		Type:     EventUnmap,
		IOVA:     0,
		AddrMask: d.haw(),
	})
	as.mapped.Clear()
}

// syncSpace brings the shadow mappings of as in line with the guest's tables.
// Without a MAP subscriber there is nothing to shadow and everything is
// simply unmapped.
func (d *Device) syncSpace(as *addressSpace) FaultReason {
	if !as.hasMapNotifier() {
		d.unmapAll(as)
		return FaultNone
	}
	ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
	if fault == FaultContextEntryNotPresent {
		// The device left its domain; drop whatever was mapped.
		d.unmapAll(as)
		return FaultNone
	}
	if fault != FaultNone {
		return fault
	}
	return d.syncSpaceRange(as, ce, 0, ^uint64(0))
}

// syncSpaceRange walks [start, end) of the table as currently uses.
func (d *Device) syncSpaceRange(as *addressSpace, ce contextEntry, start, end uint64) FaultReason {
	t, fault := d.secondLevelTable(ce, as.key.pasid)
	if fault != FaultNone {
		return fault
	}
	if end < start {
		end = ^uint64(0)
	}
	slog.Debug("vtd: sync address space", "sid", as.sid(), "pasid", as.key.pasid, "start", start, "end", end, "format", t.format.name)
	return d.walkRange(t, start, end, d.shadowHook(as, true))
}

func (d *Device) spacesWithNotifiers(fn func(as *addressSpace)) {
	for _, as := range d.spaceList() {
		if len(as.notifiers) > 0 {
			fn(as)
		}
	}
}

// replayAll resyncs every address space with a notifier.
func (d *Device) replayAll() {
	d.spacesWithNotifiers(func(as *addressSpace) { d.syncSpace(as) })
}

// refreshAll drops every shadow mapping; a later replay or invalidation
// rebuilds them from the guest tables.
func (d *Device) refreshAll() {
	d.spacesWithNotifiers(d.unmapAll)
}
