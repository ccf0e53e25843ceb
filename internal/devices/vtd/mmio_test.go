package vtd

import (
	"testing"

	"github.com/tinyrange/vtd/internal/hv"
)

func TestMMIOAccessSize(t *testing.T) {
	f := newFixture(t, legacyConfig())
	base := f.dev.cfg.MMIOBase

	for _, size := range []int{1, 2, 3, 16} {
		buf := make([]byte, size)
		if err := f.dev.ReadMMIO(base+regGSTS, buf); err == nil {
			t.Errorf("ReadMMIO accepted a %d byte access", size)
		}
		if err := f.dev.WriteMMIO(base+regGCMD, buf); err == nil {
			t.Errorf("WriteMMIO accepted a %d byte access", size)
		}
	}
	if err := f.dev.ReadMMIO(base-4, make([]byte, 4)); err == nil {
		t.Errorf("ReadMMIO accepted an address below the window")
	}

	buf := []byte{0xff, 0xff, 0xff, 0xff}
	if err := f.dev.ReadMMIO(base+RegSize, buf); err != nil {
		t.Fatalf("ReadMMIO beyond the window: %v", err)
	}
	if le.Uint32(buf) != 0 {
		t.Fatalf("read beyond the window = 0x%x, want 0", le.Uint32(buf))
	}
}

func TestMMIORegisters(t *testing.T) {
	f := newFixture(t, legacyConfig())

	if got := f.reg32(regVER); got != 0x10 {
		t.Errorf("VER = 0x%x, want 0x10", got)
	}
	if got := f.reg64(regCAP); got != f.dev.cap {
		t.Errorf("CAP = 0x%x, want 0x%x", got, f.dev.cap)
	}
	if got := f.reg64(regECAP); got != f.dev.ecap {
		t.Errorf("ECAP = 0x%x, want 0x%x", got, f.dev.ecap)
	}

	// CAP is read-only.
	f.writeReg(regCAP, 0, 8)
	if got := f.reg64(regCAP); got != f.dev.cap {
		t.Errorf("CAP writable: 0x%x", got)
	}

	// GCMD is write-only.
	f.writeReg(regRTADDR, f.root, 8)
	f.command(gcmdSRTP)
	if got := f.reg32(regGCMD); got != 0 {
		t.Errorf("GCMD reads 0x%x, want 0", got)
	}
	if f.reg32(regGSTS)&gstsRTPS == 0 {
		t.Errorf("GSTS.RTPS not set after SRTP")
	}

	// RTADDR keeps only the writable bits, in two halves.
	f.writeReg(regRTADDR, 0x123456fff, 4)
	f.writeReg(regRTADDR+4, 0x1, 4)
	if got := f.reg64(regRTADDR); got != 0x123456c00 {
		t.Errorf("RTADDR = 0x%x, want 0x123456c00", got)
	}

	// FEDATA only has 16 writable bits.
	f.writeReg(regFEDATA, 0xabcdef01, 4)
	if got := f.reg32(regFEDATA); got != 0xef01 {
		t.Errorf("FEDATA = 0x%x, want 0xef01", got)
	}
}

func TestContextCommandHalves(t *testing.T) {
	f := newFixture(t, legacyConfig())
	f.legacyDevice(0x0008, 1, 0)
	f.enable()
	f.dev.Translate(0x0008, NoPASID, 0x1000, false)

	// Device selective, split into two 32-bit writes. Nothing happens until
	// the upper half lands.
	val := uint64(ccmdICC) | ccmdDevice<<ccmdCIRGShift | 0x0008<<ccmdSIDShift
	f.writeReg(regCCMD, val&0xffffffff, 4)
	as := f.dev.space(0, 0x08, NoPASID)
	if as.ccGen == 0 {
		t.Fatalf("context entry dropped by the low half alone")
	}
	f.writeReg(regCCMD+4, val>>32, 4)

	if as.ccGen != 0 {
		t.Fatalf("context entry still cached after device invalidation")
	}
	got := f.reg64(regCCMD)
	if got&ccmdICC != 0 {
		t.Fatalf("CCMD.ICC still set: 0x%x", got)
	}
	if got&(3<<ccmdCAIGShift) != ccmdCAIGDevice {
		t.Fatalf("CCMD.CAIG = %d, want device", (got>>ccmdCAIGShift)&3)
	}
}

func TestIOTLBCommand(t *testing.T) {
	tests := []struct {
		name     string
		val      uint64
		iva      uint64
		wantIAIG uint64
		left     int
	}{
		{"global", tlbGlobal << tlbIIRGShift, 0, tlbGlobalAIG, 0},
		{"domain", tlbDomain<<tlbIIRGShift | 1<<tlbDIDShift, 0, tlbDomainAIG, 1},
		{"page", tlbPage<<tlbIIRGShift | 1<<tlbDIDShift, 0x1000, tlbPageAIG, 2},
		{"page mask too large", tlbPage<<tlbIIRGShift | 1<<tlbDIDShift, 0x1000 | (tlbMaxAM + 1), 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, legacyConfig())
			slpt := f.legacyDevice(0x0008, 1, 0)
			f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead)
			f.mapPage(slpt, 3, 0x2000, 0x201000, 1, pteRead)
			other := f.legacyDevice(0x0010, 2, 0)
			f.mapPage(other, 3, 0x1000, 0x300000, 1, pteRead)
			f.enable()
			for _, tr := range []struct {
				sid  uint16
				iova uint64
			}{{0x08, 0x1000}, {0x08, 0x2000}, {0x10, 0x1000}} {
				if _, err := f.dev.Translate(tr.sid, NoPASID, tr.iova, false); err != nil {
					t.Fatalf("Translate: %v", err)
				}
			}

			f.writeReg(regIVA, tt.iva, 8)
			f.writeReg(regIOTLB, tlbIVT|tt.val, 8)

			got := f.reg64(regIOTLB)
			if got&tlbIVT != 0 {
				t.Fatalf("IOTLB.IVT still set: 0x%x", got)
			}
			if got&tlbIAIGMask != tt.wantIAIG {
				t.Fatalf("IAIG = 0x%x, want 0x%x", got&tlbIAIGMask, tt.wantIAIG)
			}
			if n := f.dev.iotlb.len(); n != tt.left {
				t.Fatalf("%d IOTLB entries left, want %d", n, tt.left)
			}
		})
	}
}

func TestInterruptRemappingControl(t *testing.T) {
	cfg := legacyConfig()
	cfg.InterruptRemapping = true
	cfg.ExtendedInterruptMode = true
	f := newFixture(t, cfg)
	var got []iecCall
	f.dev.AddIECNotifier(iecRecorder{&got})
	table := f.page()

	f.writeReg(regIRTA, table|irtaEIME|7, 8)
	f.command(gcmdSIRTP)

	if f.reg32(regGSTS)&gstsIRTPS == 0 {
		t.Fatalf("GSTS.IRTPS not set")
	}
	if f.dev.intrRoot != table || f.dev.intrSize != 256 || !f.dev.intrEIME {
		t.Fatalf("latched table 0x%x size %d eime %v", f.dev.intrRoot, f.dev.intrSize, f.dev.intrEIME)
	}
	if len(got) != 1 || !got[0].Global {
		t.Fatalf("IEC calls = %+v, want one global", got)
	}

	f.command(gcmdIRE)
	if f.reg32(regGSTS)&gstsIRES == 0 || !f.dev.intrEnabled {
		t.Fatalf("interrupt remapping not enabled")
	}
	f.writeReg(regGCMD, 0, 4)
	if f.reg32(regGSTS)&gstsIRES != 0 || f.dev.intrEnabled {
		t.Fatalf("interrupt remapping still enabled")
	}
}

func TestInterruptRemappingUnsupported(t *testing.T) {
	f := newFixture(t, legacyConfig())
	f.command(gcmdIRE)
	if f.reg32(regGSTS)&gstsIRES != 0 {
		t.Fatalf("IRE honoured without interrupt remapping")
	}
}

func TestAddressSpaceRouting(t *testing.T) {
	f := newFixture(t, legacyConfig())
	bus := hv.NewAddressSpace(0, testRAMSize)
	if err := bus.Map("vtd", f.dev); err != nil {
		t.Fatalf("Map: %v", err)
	}

	var buf [8]byte
	if err := bus.ReadMMIO(DefaultMMIOBase+regCAP, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if le.Uint64(buf[:]) != f.dev.cap {
		t.Fatalf("CAP through the bus = 0x%x, want 0x%x", le.Uint64(buf[:]), f.dev.cap)
	}
}
