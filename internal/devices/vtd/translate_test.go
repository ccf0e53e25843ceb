package vtd

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTranslateSecondLevel(t *testing.T) {
	const sid = 0x0008

	setup := func(t *testing.T) (*fixture, uint64) {
		f := newFixture(t, legacyConfig())
		slpt := f.legacyDevice(sid, 7, 0)
		base := uint64(0x200000)
		f.mapPage(slpt, 3, 0x1000, base, 1, pteRead|pteWrite)
		f.enable()
		return f, base
	}

	invalidations := []struct {
		name string
		cmd  uint64
	}{
		{"global", tlbIVT | tlbGlobal<<tlbIIRGShift},
		{"domain", tlbIVT | tlbDomain<<tlbIIRGShift | 7<<tlbDIDShift},
	}
	for _, tt := range invalidations {
		t.Run(tt.name, func(t *testing.T) {
			f, base := setup(t)

			got, err := f.dev.Translate(sid, NoPASID, 0x1000, false)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			want := TLBEntry{IOVA: 0x1000, Translated: base, AddrMask: 0xfff, Perm: PermRW}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Translate mismatch (-want +got):\n%s", diff)
			}

			reads := f.m.Reads()
			if _, err := f.dev.Translate(sid, NoPASID, 0x1010, false); err != nil {
				t.Fatalf("cached Translate: %v", err)
			}
			if f.m.Reads() != reads {
				t.Fatalf("cached translation read guest memory %d times", f.m.Reads()-reads)
			}
			if s := f.dev.Stats(); s.IOTLBHits != 1 || s.Walks != 1 {
				t.Fatalf("stats = %+v, want one hit and one walk", s)
			}

			f.dev.HandleIOTLBCommand(tt.cmd)
			if v := f.reg64(regIOTLB); v&tlbIVT != 0 {
				t.Fatalf("IOTLB register 0x%x still has IVT set", v)
			}

			if _, err := f.dev.Translate(sid, NoPASID, 0x1000, false); err != nil {
				t.Fatalf("Translate after invalidation: %v", err)
			}
			if f.m.Reads() == reads {
				t.Fatalf("translation after invalidation did not re-walk")
			}
		})
	}
}

func TestTranslateOtherDomainSurvivesInvalidation(t *testing.T) {
	f := newFixture(t, legacyConfig())
	a := f.legacyDevice(0x0008, 7, 0)
	b := f.legacyDevice(0x0010, 8, 0)
	f.mapPage(a, 3, 0x1000, 0x200000, 1, pteRead)
	f.mapPage(b, 3, 0x1000, 0x300000, 1, pteRead)
	f.enable()

	for _, sid := range []uint16{0x0008, 0x0010} {
		if _, err := f.dev.Translate(sid, NoPASID, 0x1000, false); err != nil {
			t.Fatalf("Translate(%04x): %v", sid, err)
		}
	}
	f.dev.HandleIOTLBCommand(tlbIVT | tlbDomain<<tlbIIRGShift | 7<<tlbDIDShift)

	if _, ok := f.dev.iotlb.lookup(0x0008, NoPASID, 0x1000); ok {
		t.Fatalf("domain 7 entry survived")
	}
	if _, ok := f.dev.iotlb.lookup(0x0010, NoPASID, 0x1000); !ok {
		t.Fatalf("domain 8 entry was removed")
	}
}

func TestTranslateLargePages(t *testing.T) {
	tests := []struct {
		name  string
		level uint32
		iova  uint64
		pa    uint64
		mask  uint64
	}{
		{"4K", 1, 0x5000, 0x400000, 0xfff},
		{"2M", 2, 0x40200000, 0x800000, 0x1fffff},
		{"1G", 3, 0x80000000, 0x40000000, 0x3fffffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, legacyConfig())
			slpt := f.legacyDevice(0x0100, 1, 0)
			f.mapPage(slpt, 3, tt.iova, tt.pa, tt.level, pteRead|pteWrite)
			f.enable()

			iova := tt.iova + 0x123
			e, err := f.dev.Translate(0x0100, NoPASID, iova, true)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if e.AddrMask != tt.mask {
				t.Fatalf("AddrMask = 0x%x, want 0x%x", e.AddrMask, tt.mask)
			}
			if got := e.Addr(iova); got != tt.pa+0x123 {
				t.Fatalf("Addr = 0x%x, want 0x%x", got, tt.pa+0x123)
			}
		})
	}
}

func TestTranslateFaults(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		iova  uint64
		write bool
		want  FaultReason
	}{
		{
			name:  "no root entry",
			setup: func(f *fixture) {},
			iova:  0x1000,
			want:  FaultRootEntryNotPresent,
		},
		{
			name: "no context entry",
			setup: func(f *fixture) {
				f.contextTable(0)
			},
			iova: 0x1000,
			want: FaultContextEntryNotPresent,
		},
		{
			name: "write to read-only page",
			setup: func(f *fixture) {
				slpt := f.legacyDevice(0x0008, 1, 0)
				f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead)
			},
			iova:  0x1000,
			write: true,
			want:  FaultWrite,
		},
		{
			name: "unmapped page",
			setup: func(f *fixture) {
				slpt := f.legacyDevice(0x0008, 1, 0)
				f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead)
			},
			iova: 0x2000,
			want: FaultRead,
		},
		{
			name: "beyond address width",
			setup: func(f *fixture) {
				f.legacyDevice(0x0008, 1, 0)
			},
			iova: 1 << 39,
			want: FaultAddrBeyondMGAW,
		},
		{
			name: "reserved leaf bits",
			setup: func(f *fixture) {
				slpt := f.legacyDevice(0x0008, 1, 0)
				f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead|pteSNP)
			},
			iova: 0x1000,
			want: FaultPagingEntryReserved,
		},
		{
			name: "interrupt window",
			setup: func(f *fixture) {
				slpt := f.legacyDevice(0x0008, 1, 0)
				f.mapPage(slpt, 3, 0x1000, interruptAddrFirst, 1, pteRead|pteWrite)
			},
			iova: 0x1000,
			want: FaultInterruptAddr,
		},
		{
			name: "unsupported level",
			setup: func(f *fixture) {
				f.legacyDevice(0x0008, 1, 0)
				// AW 2 selects a four-level table, which a 39-bit unit lacks.
				addr := f.contextAddr(0x0008)
				f.write64(addr+8, f.read64(addr+8)&^ctxAWMask|2)
			},
			iova: 0x1000,
			want: FaultContextEntryInvalid,
		},
		{
			name: "reserved context bits",
			setup: func(f *fixture) {
				f.legacyDevice(0x0008, 1, 0)
				addr := f.contextAddr(0x0008)
				f.write64(addr+8, f.read64(addr+8)|1<<60)
			},
			iova: 0x1000,
			want: FaultContextEntryReserved,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, legacyConfig())
			tt.setup(f)
			f.enable()

			_, err := f.dev.Translate(0x0008, NoPASID, tt.iova, tt.write)
			var fault *TranslationFault
			if !errors.As(err, &fault) {
				t.Fatalf("Translate error = %v, want *TranslationFault", err)
			}
			if fault.Reason != tt.want {
				t.Fatalf("fault reason = %s, want %s", fault.Reason, tt.want)
			}
			if fault.SID != 0x0008 || fault.IOVA != tt.iova || fault.Write != tt.write {
				t.Fatalf("fault = %+v", fault)
			}
		})
	}
}

func TestTranslateDisabled(t *testing.T) {
	f := newFixture(t, legacyConfig())
	e, err := f.dev.Translate(0x0008, NoPASID, 0x12345, true)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := TLBEntry{IOVA: 0x12000, Translated: 0x12000, AddrMask: 0xfff, Perm: PermRW}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Fatalf("identity mismatch (-want +got):\n%s", diff)
	}
	if f.m.Reads() != 0 {
		t.Fatalf("disabled unit read guest memory")
	}
}

func TestTranslatePassThrough(t *testing.T) {
	f := newFixture(t, legacyConfig())
	f.legacyDevice(0x0008, 1, ctxTTPassThru)
	f.enable()

	e, err := f.dev.Translate(0x0008, NoPASID, 0x7654321, true)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if e.Addr(0x7654321) != 0x7654321 || e.Perm != PermRW {
		t.Fatalf("pass-through entry = %+v", e)
	}
	if s := f.dev.Stats(); s.PassThrough != 1 || s.Walks != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestTranslateCachedReadOnly(t *testing.T) {
	f := newFixture(t, legacyConfig())
	slpt := f.legacyDevice(0x0008, 1, 0)
	f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead)
	f.enable()

	if _, err := f.dev.Translate(0x0008, NoPASID, 0x1000, false); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// A cached entry is handed back as is; the caller checks the access.
	e, err := f.dev.Translate(0x0008, NoPASID, 0x1000, true)
	if err != nil {
		t.Fatalf("cached Translate: %v", err)
	}
	if e.Allows(true) || !e.Allows(false) {
		t.Fatalf("cached entry perm = %s, want read only", e.Perm)
	}
}

func TestContextCacheGeneration(t *testing.T) {
	f := newFixture(t, legacyConfig())
	old := f.legacyDevice(0x0008, 1, 0)
	f.mapPage(old, 3, 0x1000, 0x200000, 1, pteRead)
	f.enable()

	translate := func() uint64 {
		t.Helper()
		e, err := f.dev.Translate(0x0008, NoPASID, 0x1000, false)
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		return e.Translated
	}
	if got := translate(); got != 0x200000 {
		t.Fatalf("Translated = 0x%x", got)
	}

	// Point the context entry at a different table.
	fresh := f.page()
	f.mapPage(fresh, 3, 0x1000, 0x300000, 1, pteRead)
	addr := f.contextAddr(0x0008)
	f.write64(addr, fresh|ctxP)

	f.dev.HandleIOTLBCommand(tlbIVT | tlbGlobal<<tlbIIRGShift)
	if got := translate(); got != 0x200000 {
		t.Fatalf("stale context entry not used from cache: Translated = 0x%x", got)
	}

	gen := f.dev.contextGen
	f.dev.HandleContextCommand(ccmdICC | ccmdGlobal<<ccmdCIRGShift)
	if f.dev.contextGen != gen+1 {
		t.Fatalf("contextGen = %d, want %d", f.dev.contextGen, gen+1)
	}
	if v := f.reg64(regCCMD); v&ccmdICC != 0 || v&(3<<ccmdCAIGShift) != ccmdCAIGGlobal {
		t.Fatalf("CCMD = 0x%x after global invalidation", v)
	}
	f.dev.HandleIOTLBCommand(tlbIVT | tlbGlobal<<tlbIIRGShift)
	if got := translate(); got != 0x300000 {
		t.Fatalf("Translated = 0x%x after context invalidation, want 0x300000", got)
	}
}

func TestContextGenerationWrap(t *testing.T) {
	f := newFixture(t, legacyConfig())
	as := f.dev.space(0, 8, NoPASID)
	as.ccGen = 5
	f.dev.contextGen = contextGenMax - 1

	f.dev.bumpContextGen()

	if f.dev.contextGen != 1 {
		t.Fatalf("contextGen = %d after wrap, want 1", f.dev.contextGen)
	}
	if as.ccGen != 0 {
		t.Fatalf("cached generation %d survived the wrap", as.ccGen)
	}
}

func TestContextDeviceInvalidation(t *testing.T) {
	f := newFixture(t, legacyConfig())
	for _, sid := range []uint16{0x0008, 0x0009, 0x0010} {
		slpt := f.legacyDevice(sid, 1, 0)
		f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead)
	}
	f.enable()
	for _, sid := range []uint16{0x0008, 0x0009, 0x0010} {
		if _, err := f.dev.Translate(sid, NoPASID, 0x1000, false); err != nil {
			t.Fatalf("Translate(%04x): %v", sid, err)
		}
	}

	// Function mask 3 ignores the whole function number: 00:01.0 and
	// 00:01.1 match, 00:02.0 does not.
	f.dev.HandleContextCommand(ccmdICC | ccmdDevice<<ccmdCIRGShift | 0x0008<<ccmdSIDShift | 3<<ccmdFMShift)
	if v := f.reg64(regCCMD); v&(3<<ccmdCAIGShift) != ccmdCAIGDevice {
		t.Fatalf("CCMD CAIG = 0x%x, want device", v&(3<<ccmdCAIGShift))
	}

	want := map[uint8]bool{0x08: false, 0x09: false, 0x10: true}
	for devfn, cached := range want {
		as := f.dev.spaces[spaceKey{bus: 0, devfn: devfn, pasid: NoPASID}]
		if got := as.ccGen == f.dev.contextGen; got != cached {
			t.Fatalf("devfn %02x cached = %v, want %v", devfn, got, cached)
		}
	}
}
