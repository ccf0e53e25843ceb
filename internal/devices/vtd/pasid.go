package vtd

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// ErrBindUnsupported is returned when a PASID entry cannot be handed to a
// backend: only first-level tables with a non-zero base and pass-through
// entries can be bound.
var ErrBindUnsupported = errors.New("vtd: PASID entry type cannot be bound")

// BindFlags carry the first-level controls of a PASID entry.
type BindFlags uint32

const (
	BindSRE  BindFlags = 1 << 0 // supervisor requests
	BindWPE  BindFlags = 1 << 1 // write protect
	BindEAFE BindFlags = 1 << 2 // extended accessed flag
)

// BindDescriptor describes the guest page table a backend should attach for
// one PASID of a device.
type BindDescriptor struct {
	PassThrough bool
	Flags       BindFlags
	AddrWidth   uint32
	PageTable   uint64
}

// CacheInvalidation is a first-level cache flush forwarded to a backend.
// Pages is zero for "everything tagged with the PASID".
type CacheInvalidation struct {
	Addr  uint64
	Pages uint64
	Leaf  bool
}

// Backend is a hardware acceleration path for devices whose DMA does not go
// through Translate. The device lock is held for every call.
type Backend interface {
	Bind(sid uint16, pasid uint32, desc BindDescriptor) (handle uint32, err error)
	Unbind(sid uint16, pasid uint32, handle uint32) error
	InvalidateCache(sid uint16, pasid uint32, handle uint32, inv CacheInvalidation) error
}

type pasidKey struct {
	sid   uint16
	pasid uint32
}

func comparePASIDKeys(a, b pasidKey) int {
	if c := cmp.Compare(a.sid, b.sid); c != 0 {
		return c
	}
	return cmp.Compare(a.pasid, b.pasid)
}

// pasidBinding is the PASID cache entry of one (device, pasid). pe is the
// entry last seen in guest memory; handle is valid while bound is set.
type pasidBinding struct {
	key    pasidKey
	pe     pasidEntry
	filled bool
	bound  bool
	handle uint32
}

func (b *pasidBinding) bus() uint8   { return uint8(b.key.sid >> 8) }
func (b *pasidBinding) devfn() uint8 { return uint8(b.key.sid) }

type pasidCacheKind uint8

const (
	pasidForceReset pasidCacheKind = iota
	pasidGlobal
	pasidDomain
	pasidSelective
	pasidDevice
)

var pasidCacheKindNames = [...]string{
	pasidForceReset: "force-reset",
	pasidGlobal:     "global",
	pasidDomain:     "domain",
	pasidSelective:  "pasid",
	pasidDevice:     "device",
}

func (k pasidCacheKind) String() string {
	if int(k) < len(pasidCacheKindNames) {
		return pasidCacheKindNames[k]
	}
	return fmt.Sprintf("pasid-cache(%d)", uint8(k))
}

// pasidCacheInfo selects the bindings a PASID cache invalidation applies to.
type pasidCacheInfo struct {
	kind   pasidCacheKind
	domain uint16
	pasid  uint32
	bus    uint8
	devfn  uint8
}

// matches applies the granularity predicate. A PASID-selective
// invalidation is also domain-selective.
func (info pasidCacheInfo) matches(b *pasidBinding) bool {
	switch info.kind {
	case pasidForceReset, pasidGlobal:
		return true
	case pasidSelective:
		return info.pasid == b.key.pasid && info.domain == b.pe.domain()
	case pasidDomain:
		return info.domain == b.pe.domain()
	case pasidDevice:
		return info.bus == b.bus() && info.devfn == b.devfn()
	}
	return false
}

// pasidCacheActive reports whether PASID bindings are tracked at all.
func (d *Device) pasidCacheActive() bool {
	return d.cfg.ScalableMode == ScalableModern && d.rootScalable && d.dmarEnabled
}

func (d *Device) isBacked(sid uint16) bool {
	if d.backend == nil {
		return false
	}
	bit, err := d.backed.FirstOne(uint32(sid))
	return err == nil && bit == uint32(sid)
}

// backedDevices returns the source ids with an attached backend in
// ascending order.
func (d *Device) backedDevices() []uint16 {
	var out []uint16
	for start := uint32(0); ; {
		bit, err := d.backed.FirstOne(start)
		if err != nil || bit > 0xffff {
			return out
		}
		out = append(out, uint16(bit))
		start = bit + 1
	}
}

// SetBackend installs the acceleration backend. Passing nil detaches every
// device from it.
func (d *Device) SetBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.backend != nil && b == nil {
		for _, sid := range d.backedDevices() {
			d.detachLocked(sid)
		}
	}
	d.backend = b
}

// AttachBackend routes the PASID bindings of (bus, devfn) to the backend.
// Existing guest bindings are replayed to it when translation is enabled.
func (d *Device) AttachBackend(bus, devfn uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.backend == nil {
		return fmt.Errorf("vtd: attach %02x:%02x.%x: no backend installed", bus, devfn>>3, devfn&7)
	}
	sid := uint16(bus)<<8 | uint16(devfn)
	d.backed.Add(uint32(sid))
	slog.Debug("vtd: backend attached", "sid", sid)

	if !d.pasidCacheActive() {
		return nil
	}
	return d.syncPASIDCache(pasidCacheInfo{kind: pasidDevice, bus: bus, devfn: devfn})
}

// DetachBackend unbinds every PASID of (bus, devfn) from the backend and
// stops routing new bindings to it.
func (d *Device) DetachBackend(bus, devfn uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.detachLocked(uint16(bus)<<8 | uint16(devfn))
}

func (d *Device) detachLocked(sid uint16) {
	if !d.isBacked(sid) {
		return
	}
	for _, b := range d.bindingList() {
		if b.key.sid != sid || !b.bound {
			continue
		}
		if err := d.unbindBackend(b); err != nil {
			slog.Warn("vtd: unbind on detach", "sid", sid, "pasid", b.key.pasid, "err", err)
		}
	}
	d.backed.Remove(uint32(sid))
}

func (d *Device) binding(bus, devfn uint8, pasid uint32) *pasidBinding {
	key := pasidKey{sid: uint16(bus)<<8 | uint16(devfn), pasid: pasid}
	if b, ok := d.pasids[key]; ok {
		return b
	}
	b := &pasidBinding{key: key}
	d.pasids[key] = b
	return b
}

func (d *Device) bindingList() []*pasidBinding {
	keys := slices.SortedFunc(maps.Keys(d.pasids), comparePASIDKeys)
	out := make([]*pasidBinding, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.pasids[k])
	}
	return out
}

func bindDescriptor(pe pasidEntry) (BindDescriptor, error) {
	switch pe.pgtt() {
	case pgttPassThrough:
		return BindDescriptor{PassThrough: true}, nil
	case pgttFirstLevel:
		if pe.flptBase() == 0 {
			return BindDescriptor{}, fmt.Errorf("%w: first-level table base is zero", ErrBindUnsupported)
		}
		var flags BindFlags
		if pe.val[2]&pasidSRE != 0 {
			flags |= BindSRE
		}
		if pe.val[2]&pasidWPE != 0 {
			flags |= BindWPE
		}
		if pe.val[2]&pasidEAFE != 0 {
			flags |= BindEAFE
		}
		return BindDescriptor{
			Flags:     flags,
			AddrWidth: pe.flAW(),
			PageTable: pe.flptBase(),
		}, nil
	}
	return BindDescriptor{}, fmt.Errorf("%w: pgtt %d", ErrBindUnsupported, pe.pgtt())
}

// bindBackend attaches the cached entry of b to the backend, replacing an
// older attachment.
func (d *Device) bindBackend(b *pasidBinding) error {
	if !d.isBacked(b.key.sid) {
		return nil
	}
	desc, err := bindDescriptor(b.pe)
	if err != nil {
		return err
	}
	if b.bound {
		if err := d.unbindBackend(b); err != nil {
			return err
		}
	}
	handle, err := d.backend.Bind(b.key.sid, b.key.pasid, desc)
	if err != nil {
		return fmt.Errorf("vtd: bind sid %04x pasid %d: %w", b.key.sid, b.key.pasid, err)
	}
	b.handle = handle
	b.bound = true
	return nil
}

func (d *Device) unbindBackend(b *pasidBinding) error {
	if !b.bound {
		return nil
	}
	b.bound = false
	if d.backend == nil {
		return nil
	}
	if err := d.backend.Unbind(b.key.sid, b.key.pasid, b.handle); err != nil {
		return fmt.Errorf("vtd: unbind sid %04x pasid %d: %w", b.key.sid, b.key.pasid, err)
	}
	return nil
}

// fillPASID records pe as the current entry of b and brings the backend in
// line. The cached entry is updated even when the backend refuses it.
func (d *Device) fillPASID(b *pasidBinding, pe pasidEntry) error {
	if b.filled && b.pe == pe && (b.bound || !d.isBacked(b.key.sid)) {
		return nil
	}
	b.pe = pe
	b.filled = true
	return d.bindBackend(b)
}

// devicePASIDEntry fetches the current PASID entry of (bus, devfn, pasid)
// from guest memory.
func (d *Device) devicePASIDEntry(bus, devfn uint8, pasid uint32) (pasidEntry, FaultReason) {
	if !d.rootScalable {
		return pasidEntry{}, FaultRTAddrInvalidTTM
	}
	ce, fault := d.fetchContextEntry(bus, devfn)
	if fault != FaultNone {
		return pasidEntry{}, fault
	}
	return d.fetchPASIDEntry(ce.pasidDirBase(), pasid)
}

// flushPASID revalidates one binding. It reports whether the binding is to
// be dropped.
func (d *Device) flushPASID(b *pasidBinding, info pasidCacheInfo) (drop bool, err error) {
	if info.kind == pasidForceReset {
		return true, d.unbindBackend(b)
	}

	domain := b.pe.domain()
	if d.rootScalable && d.dmarEnabled && !d.isBacked(b.key.sid) {
		d.piotlb.removePASID(domain, b.key.pasid)
	}

	pe, fault := d.devicePASIDEntry(b.bus(), b.devfn(), b.key.pasid)
	if fault != FaultNone {
		slog.Debug("vtd: PASID entry gone", "sid", b.key.sid, "pasid", b.key.pasid, "reason", fault)
		return true, d.unbindBackend(b)
	}
	if err := d.fillPASID(b, pe); err != nil {
		return true, err
	}
	return false, nil
}

// syncPASIDCache applies a PASID cache invalidation: matching bindings are
// revalidated against guest memory, then the PASID tables of backed devices
// are walked for entries not yet bound. Failures are collected; every
// binding is still visited.
func (d *Device) syncPASIDCache(info pasidCacheInfo) error {
	if info.kind != pasidForceReset && !d.pasidCacheActive() {
		return nil
	}
	slog.Debug("vtd: PASID cache sync", "kind", info.kind, "domain", info.domain, "pasid", info.pasid)

	var errs []error
	for _, b := range d.bindingList() {
		if !info.matches(b) {
			continue
		}
		drop, err := d.flushPASID(b, info)
		if err != nil {
			errs = append(errs, err)
		}
		if drop {
			delete(d.pasids, b.key)
		}
	}

	if err := d.replayPASIDBindings(info); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// replayPASIDBindings walks the guest PASID tables of backed devices and
// fills a binding for every present entry in the invalidated scope.
func (d *Device) replayPASIDBindings(info pasidCacheInfo) error {
	start, end := uint32(0), uint32(1)<<(d.pasidBits()+1)

	switch info.kind {
	case pasidForceReset:
		return nil
	case pasidDevice:
		return d.replayDevice(info.bus, info.devfn, start, end, info)
	case pasidSelective:
		start, end = info.pasid, info.pasid+1
	}

	var errs []error
	for _, sid := range d.backedDevices() {
		if err := d.replayDevice(uint8(sid>>8), uint8(sid), start, end, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Device) replayDevice(bus, devfn uint8, start, end uint32, info pasidCacheInfo) error {
	ce, fault := d.fetchContextEntry(bus, devfn)
	if fault != FaultNone {
		return nil
	}
	end = min(end, ce.pasidDirEntries()*pasidTableEntries)

	var errs []error
	for pasid := start; pasid < end; {
		next := min((pasid|pasidTableIndexMask)+1, end)
		dire, fault := d.fetchPASIDDirEntry(ce.pasidDirBase(), pasid)
		if fault == FaultNone && dire&pasidDirP != 0 {
			if err := d.replayTable(bus, devfn, dire, pasid, next, info); err != nil {
				errs = append(errs, err)
			}
		}
		pasid = next
	}
	return errors.Join(errs...)
}

func (d *Device) replayTable(bus, devfn uint8, dire uint64, start, end uint32, info pasidCacheInfo) error {
	var errs []error
	for pasid := start; pasid < end; pasid++ {
		pe, fault := d.fetchPASIDEntryRaw(dire, pasid)
		if fault != FaultNone || d.checkPASIDEntry(pe) != FaultNone {
			continue
		}
		if (info.kind == pasidDomain || info.kind == pasidSelective) && pe.domain() != info.domain {
			continue
		}
		b := d.binding(bus, devfn, pasid)
		if err := d.fillPASID(b, pe); err != nil {
			delete(d.pasids, b.key)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refreshPASIDBind replays every backed device's bindings after the root
// table or the translation enable changed.
func (d *Device) refreshPASIDBind() {
	if !d.pasidCacheActive() {
		return
	}
	if err := d.replayPASIDBindings(pasidCacheInfo{kind: pasidGlobal}); err != nil {
		slog.Warn("vtd: replay PASID bindings", "err", err)
	}
}

// invalidateBackendCache forwards a first-level flush to the backend for
// every bound first-level binding of (domain, pasid).
func (d *Device) invalidateBackendCache(domain uint16, pasid uint32, inv CacheInvalidation) {
	if d.backend == nil {
		return
	}
	for _, b := range d.bindingList() {
		if !b.bound || b.pe.pgtt() != pgttFirstLevel {
			continue
		}
		if b.pe.domain() != domain || b.key.pasid != pasid {
			continue
		}
		if err := d.backend.InvalidateCache(b.key.sid, b.key.pasid, b.handle, inv); err != nil {
			slog.Warn("vtd: backend cache flush", "sid", b.key.sid, "pasid", pasid, "err", err)
		}
	}
}

// trackPASID records the entry a translation resolved for a PASID-tagged
// request so that later PASID cache invalidations revalidate it.
func (d *Device) trackPASID(bus, devfn uint8, pasid uint32, pe pasidEntry) {
	if !d.pasidCacheActive() || pasid == NoPASID {
		return
	}
	b := d.binding(bus, devfn, pasid)
	if err := d.fillPASID(b, pe); err != nil {
		guestError(&logPASID, "vtd: bind PASID on translate", "sid", b.key.sid, "pasid", pasid, "err", err)
	}
}
