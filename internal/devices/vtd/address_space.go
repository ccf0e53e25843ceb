package vtd

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/vtd/internal/iovatree"
)

type spaceKey struct {
	bus   uint8
	devfn uint8
	pasid uint32
}

func (k spaceKey) sid() uint16 { return uint16(k.bus)<<8 | uint16(k.devfn) }

func compareSpaceKeys(a, b spaceKey) int {
	if c := cmp.Compare(a.sid(), b.sid()); c != 0 {
		return c
	}
	return cmp.Compare(a.pasid, b.pasid)
}

// addressSpace is the per (bus, devfn, pasid) view of the unit: the cached
// context entry, the notifiers of downstream consumers and the ranges that
// were reported to them as mapped.
type addressSpace struct {
	key spaceKey

	// The cached context entry is valid while ccGen equals the device's
	// contextGen. Zero never matches.
	ccGen uint32
	ce    contextEntry

	notifiers []*registration
	mapped    *iovatree.Tree
}

type registration struct {
	Notifier
}

func (as *addressSpace) sid() uint16 { return as.key.sid() }

func (as *addressSpace) String() string {
	if as.key.pasid == NoPASID {
		return fmt.Sprintf("%02x:%02x.%x", as.key.bus, as.key.devfn>>3, as.key.devfn&7)
	}
	return fmt.Sprintf("%02x:%02x.%x/%d", as.key.bus, as.key.devfn>>3, as.key.devfn&7, as.key.pasid)
}

// space returns the address space for (bus, devfn, pasid), creating it on
// first use.
func (d *Device) space(bus, devfn uint8, pasid uint32) *addressSpace {
	key := spaceKey{bus: bus, devfn: devfn, pasid: pasid}
	if as, ok := d.spaces[key]; ok {
		return as
	}
	as := &addressSpace{key: key, mapped: iovatree.New()}
	d.spaces[key] = as
	return as
}

// spaceList returns the address spaces in source id order so that
// notifications are delivered deterministically.
func (d *Device) spaceList() []*addressSpace {
	keys := slices.SortedFunc(maps.Keys(d.spaces), compareSpaceKeys)
	out := make([]*addressSpace, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.spaces[k])
	}
	return out
}

// cachedContextEntry returns the context entry for as, using the context
// cache when its generation is current and fetching it otherwise.
func (d *Device) cachedContextEntry(as *addressSpace) (contextEntry, FaultReason) {
	if as.ccGen == d.contextGen {
		d.stats.ContextHits++
		return as.ce, FaultNone
	}
	ce, fault := d.fetchContextEntry(as.key.bus, as.key.devfn)
	if fault != FaultNone {
		return ce, fault
	}
	as.ce = ce
	as.ccGen = d.contextGen
	return ce, FaultNone
}

const contextGenMax = ^uint32(0)

// bumpContextGen invalidates every cached context entry. Entries are only
// swept when the counter wraps.
func (d *Device) bumpContextGen() {
	d.contextGen++
	if d.contextGen == contextGenMax {
		d.resetContextCache()
	}
}

func (d *Device) resetContextCache() {
	for _, as := range d.spaces {
		as.ccGen = 0
	}
	d.contextGen = 1
}

// RegisterNotifier subscribes n to mapping changes of the device at
// (bus, devfn). The current guest mappings are replayed to it if it
// subscribes to MAP events and translation is enabled. The returned function
// removes the subscription.
func (d *Device) RegisterNotifier(bus, devfn uint8, n Notifier) (unregister func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	as := d.space(bus, devfn, NoPASID)
	reg := &registration{Notifier: n}
	as.notifiers = append(as.notifiers, reg)
	if d.dmarEnabled && n.Flags()&EventMap != 0 {
		d.syncSpace(as)
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		as.notifiers = slices.DeleteFunc(as.notifiers, func(r *registration) bool { return r == reg })
		if !as.hasMapNotifier() {
			as.mapped.Clear()
		}
	}
}
