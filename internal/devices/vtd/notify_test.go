package vtd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type eventLog struct {
	events []MapEvent
}

func (l *eventLog) notifier(types EventType) Notifier {
	return NotifierFunc{Events: types, Fn: func(ev MapEvent) { l.events = append(l.events, ev) }}
}

func (l *eventLog) take() []MapEvent {
	ev := l.events
	l.events = nil
	return ev
}

// invalidatePage issues a register-based page selective IOTLB invalidation.
func (f *fixture) invalidatePage(domain uint16, addr uint64, am uint8) {
	f.t.Helper()
	f.writeReg(regIVA, addr|uint64(am), 8)
	f.dev.HandleIOTLBCommand(tlbIVT | tlbPage<<tlbIIRGShift | uint64(domain)<<tlbDIDShift)
}

func (f *fixture) invalidateDomain(domain uint16) {
	f.t.Helper()
	f.dev.HandleIOTLBCommand(tlbIVT | tlbDomain<<tlbIIRGShift | uint64(domain)<<tlbDIDShift)
}

func TestNotifierShadowing(t *testing.T) {
	f := newFixture(t, legacyConfig())
	slpt := f.legacyDevice(0x0008, 3, 0)
	rw := f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead|pteWrite)
	ro := f.mapPage(slpt, 3, 0x3000, 0x201000, 1, pteRead)
	f.enable()

	var log eventLog
	unregister := f.dev.RegisterNotifier(0, 0x08, log.notifier(EventMap|EventUnmap))

	want := []MapEvent{
		{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x200000, Perm: PermRW},
		{Type: EventMap, IOVA: 0x3000, AddrMask: 0xfff, Translated: 0x201000, Perm: PermRead},
	}
	if diff := cmp.Diff(want, log.take()); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}

	t.Run("remapped page", func(t *testing.T) {
		f.write64(rw, 0x202000|pteRead|pteWrite)
		f.invalidatePage(3, 0x1000, 0)
		want := []MapEvent{
			{Type: EventUnmap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x200000},
			{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x202000, Perm: PermRW},
		}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unchanged page", func(t *testing.T) {
		f.invalidatePage(3, 0x1000, 0)
		if ev := log.take(); len(ev) != 0 {
			t.Fatalf("unchanged mapping produced events: %v", ev)
		}
	})

	t.Run("cleared page", func(t *testing.T) {
		f.write64(ro, 0)
		f.invalidateDomain(3)
		want := []MapEvent{{Type: EventUnmap, IOVA: 0x3000, AddrMask: 0xfff}}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("other domain", func(t *testing.T) {
		f.write64(rw, 0)
		f.invalidatePage(4, 0x1000, 0)
		if ev := log.take(); len(ev) != 0 {
			t.Fatalf("invalidation of another domain produced events: %v", ev)
		}
		f.write64(rw, 0x202000|pteRead|pteWrite)
	})

	t.Run("translation disabled", func(t *testing.T) {
		f.writeReg(regGCMD, 0, 4)
		want := []MapEvent{{Type: EventUnmap, AddrMask: 1<<39 - 1}}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
		f.command(gcmdTE)
		// Enabling only flushes; mappings come back with the next
		// invalidation.
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events on enable mismatch (-want +got):\n%s", diff)
		}
		f.invalidateDomain(3)
		want = []MapEvent{{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x202000, Perm: PermRW}}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events after resync mismatch (-want +got):\n%s", diff)
		}
	})

	unregister()
	f.write64(rw, 0x203000|pteRead|pteWrite)
	f.invalidatePage(3, 0x1000, 0)
	if ev := log.take(); len(ev) != 0 {
		t.Fatalf("events after unregister: %v", ev)
	}
}

func TestNotifierPageSizeChange(t *testing.T) {
	f := newFixture(t, legacyConfig())
	slpt := f.legacyDevice(0x0008, 3, 0)
	f.mapPage(slpt, 3, 0x0000, 0x200000, 1, pteRead|pteWrite)
	f.mapPage(slpt, 3, 0x1000, 0x201000, 1, pteRead|pteWrite)
	f.enable()

	var log eventLog
	f.dev.RegisterNotifier(0, 0x08, log.notifier(EventMap|EventUnmap))
	log.take()

	var l2 uint64
	t.Run("small pages to large page", func(t *testing.T) {
		l2 = f.mapPage(slpt, 3, 0, 0x400000, 2, pteRead|pteWrite)
		f.invalidateDomain(3)
		want := []MapEvent{
			{Type: EventUnmap, IOVA: 0x0000, AddrMask: 0xfff, Translated: 0x200000},
			{Type: EventUnmap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x201000},
			{Type: EventMap, IOVA: 0, AddrMask: 0x1fffff, Translated: 0x400000, Perm: PermRW},
		}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("large page to small pages", func(t *testing.T) {
		// The first 4K of the old large page is left unmapped.
		l1 := f.page()
		f.write64(l1+8, 0x601000|pteRead|pteWrite)
		f.write64(l2, l1|3)
		f.invalidateDomain(3)
		want := []MapEvent{
			{Type: EventUnmap, IOVA: 0, AddrMask: 0x1fffff},
			{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x601000, Perm: PermRW},
		}
		if diff := cmp.Diff(want, log.take()); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	})

	as := f.dev.space(0, 0x08, NoPASID)
	if as.mapped.Len() != 1 {
		t.Fatalf("%d mappings tracked, want 1", as.mapped.Len())
	}
}

func TestNotifierUnmapOnly(t *testing.T) {
	f := newFixture(t, legacyConfig())
	slpt := f.legacyDevice(0x0010, 4, 0)
	f.mapPage(slpt, 3, 0x4000, 0x200000, 1, pteRead)
	f.enable()

	var log eventLog
	f.dev.RegisterNotifier(0, 0x10, log.notifier(EventUnmap))
	if ev := log.take(); len(ev) != 0 {
		t.Fatalf("UNMAP-only notifier got a replay: %v", ev)
	}

	f.invalidatePage(4, 0x4000, 2)

	want := []MapEvent{{Type: EventUnmap, IOVA: 0x4000, AddrMask: 0x3fff}}
	if diff := cmp.Diff(want, log.take()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierDeviceIOTLB(t *testing.T) {
	cfg := legacyConfig()
	cfg.DeviceIOTLB = true
	f := newFixture(t, cfg)
	f.legacyDevice(0x0010, 4, ctxTTDevIOTLB)
	f.enable()

	var log eventLog
	f.dev.RegisterNotifier(0, 0x10, log.notifier(EventDevIOTLBUnmap))
	q := f.enableQueue(false)

	q.push(
		[4]uint64{uint64(descDevIOTLB) | 0x0010<<descSIDShift, 0x5000},
		// S set with three trailing ones: 64K.
		[4]uint64{uint64(descDevIOTLB) | 0x0010<<descSIDShift, 0x7000 | devIOTLBSize},
		// Not a device with a notifier.
		[4]uint64{uint64(descDevIOTLB) | 0x0018<<descSIDShift, 0x5000},
	)

	want := []MapEvent{
		{Type: EventDevIOTLBUnmap, IOVA: 0x5000, AddrMask: 0xfff},
		{Type: EventDevIOTLBUnmap, IOVA: 0, AddrMask: 0xffff},
	}
	if diff := cmp.Diff(want, log.take()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestShadowHookDropsUnmappedRanges(t *testing.T) {
	f := newFixture(t, legacyConfig())
	var log eventLog
	as := f.dev.space(0, 0x08, NoPASID)
	as.notifiers = append(as.notifiers, &registration{Notifier: log.notifier(EventMap | EventUnmap)})
	hook := f.dev.shadowHook(as, true)

	hook(MapEvent{Type: EventUnmap, IOVA: 0x200000, AddrMask: 0x1fffff})
	hook(MapEvent{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x8000, Perm: PermRead})
	hook(MapEvent{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x8000, Perm: PermRead})
	hook(MapEvent{Type: EventUnmap, IOVA: 0x1000, AddrMask: 0xfff})

	want := []MapEvent{
		{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x8000, Perm: PermRead},
		{Type: EventUnmap, IOVA: 0x1000, AddrMask: 0xfff},
	}
	if diff := cmp.Diff(want, log.take()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if as.mapped.Len() != 0 {
		t.Fatalf("%d mappings still tracked", as.mapped.Len())
	}
}
