package vtd

import "encoding/binary"

// Register offsets within the remapping unit's MMIO window.
const (
	regVER     = 0x00
	regCAP     = 0x08
	regECAP    = 0x10
	regGCMD    = 0x18
	regGSTS    = 0x1c
	regRTADDR  = 0x20
	regCCMD    = 0x28
	regFSTS    = 0x34
	regFECTL   = 0x38
	regFEDATA  = 0x3c
	regFEADDR  = 0x40
	regFEUADDR = 0x44
	regPMEN    = 0x64
	regIQH     = 0x80
	regIQT     = 0x88
	regIQA     = 0x90
	regICS     = 0x9c
	regIECTL   = 0xa0
	regIEDATA  = 0xa4
	regIEADDR  = 0xa8
	regIEUADDR = 0xac
	regIRTA    = 0xb8
	regIVA     = 0x200
	regIOTLB   = 0x208
	regFRCD0   = 0x220

	frcdRegSize = 16
	numFRCD     = 1

	// RegSize is the size of the MMIO window.
	RegSize = regFRCD0 + numFRCD*frcdRegSize
)

// Global command / status bits.
const (
	gcmdTE    = 1 << 31
	gcmdSRTP  = 1 << 30
	gcmdQIE   = 1 << 26
	gcmdIRE   = 1 << 25
	gcmdSIRTP = 1 << 24

	gstsTES   = gcmdTE
	gstsRTPS  = gcmdSRTP
	gstsQIES  = gcmdQIE
	gstsIRES  = gcmdIRE
	gstsIRTPS = gcmdSIRTP
)

const rtaddrSMT = 1 << 10

// Context command register.
const (
	ccmdICC        = 1 << 63
	ccmdCIRGShift  = 61
	ccmdCIRGMask   = 3 << ccmdCIRGShift
	ccmdCAIGShift  = 59
	ccmdGlobal     = 1
	ccmdDomain     = 2
	ccmdDevice     = 3
	ccmdDIDMask    = 0xffff
	ccmdSIDShift   = 16
	ccmdFMShift    = 32
	ccmdFMMask     = 3
	ccmdCAIGGlobal = ccmdGlobal << ccmdCAIGShift
	ccmdCAIGDomain = ccmdDomain << ccmdCAIGShift
	ccmdCAIGDevice = ccmdDevice << ccmdCAIGShift
)

// IOTLB command and IVA registers.
const (
	tlbIVT       = 1 << 63
	tlbIIRGShift = 60
	tlbIIRGMask  = 7 << tlbIIRGShift
	tlbIAIGShift = 57
	tlbIAIGMask  = 7 << tlbIAIGShift
	tlbGlobal    = 1
	tlbDomain    = 2
	tlbPage      = 3
	tlbDIDShift  = 32
	tlbDIDMask   = 0xffff
	tlbGlobalAIG = tlbGlobal << tlbIAIGShift
	tlbDomainAIG = tlbDomain << tlbIAIGShift
	tlbPageAIG   = tlbPage << tlbIAIGShift
	ivaAMMask    = 0x3f
	ivaAddrMask  = ^uint64(0xfff)
	ivaIH        = 1 << 6
	tlbMaxAM     = 18 // cap.MAMV
)

// Fault status, fault event control and invalidation completion registers.
const (
	fstsPFO      = 1 << 0
	fstsPPF      = 1 << 1
	fstsIQE      = 1 << 4
	fstsFRIShift = 8
	fstsFRIMask  = 0xff << fstsFRIShift

	fectlIM = 1 << 31
	fectlIP = 1 << 30

	icsIWC = 1 << 0

	iectlIM = 1 << 31
	iectlIP = 1 << 30
)

// Fault recording register, high quadword.
const (
	frcdF       = 1 << 63
	frcdT       = 1 << 62
	frcdPP      = 1 << 31
	frcdFRShift = 32
	frcdPVShift = 40
	frcdPVMask  = 0xfffff
	frcdSIDMask = 0xffff
	frcdFIMask  = ^uint64(0xfff)
)

// Invalidation queue registers.
const (
	iqaQSMask    = 7
	iqaDW        = 1 << 11
	iqaAddrMask  = ^uint64(0xfff)
	iqtQTMask128 = 0x7fff
	iqtQTMask256 = 0x3fff
	iqhQHMask    = 0x7fff0
	iqtDW256Rsvd = 1 << 4
)

const (
	irtaAddrMask = ^uint64(0xfff)
	irtaEIME     = 1 << 11
)

// CAP register fields.
const (
	capND         = 6
	capSAGAW39    = 0x2 << 8
	capSAGAW48    = 0x4 << 8
	capSAGAWShift = 8
	capSAGAWMask  = 0x1f << capSAGAWShift
	capMGAWShift  = 16
	capPSI        = 1 << 39
	capSLLPS      = (1 << 34) | (1 << 35)
	capMAMV       = tlbMaxAM << 48
	capCM         = 1 << 7
	capFL1GP      = 1 << 56
	capDrain      = (1 << 55) | (1 << 54)
	capFRO        = (regFRCD0 >> 4) << 24
	capNFR        = (numFRCD - 1) << 40
)

// ECAP register fields.
const (
	ecapQI      = 1 << 1
	ecapDT      = 1 << 2
	ecapIR      = 1 << 3
	ecapEIM     = 1 << 4
	ecapPT      = 1 << 6
	ecapSC      = 1 << 7
	ecapIRO     = (regIVA >> 4) << 8
	ecapMHMV    = 15 << 20
	ecapPRS     = 1 << 29
	ecapSRS     = 1 << 31
	ecapPSSShft = 35
	ecapPSSMax  = 19
	ecapPASID   = 1 << 40
	ecapSMTS    = 1 << 43
	ecapSLTS    = 1 << 46
	ecapFLTS    = 1 << 47
)

// regFile is the register bank. Each byte has a value plus write, write-1-
// to-clear and write-only masks; guest accesses go through setLong/setQuad
// and getLong/getQuad, internal updates use the raw accessors.
type regFile struct {
	csr     [RegSize]byte
	wmask   [RegSize]byte
	w1cmask [RegSize]byte
	womask  [RegSize]byte
}

var le = binary.LittleEndian

func (r *regFile) defineQuad(addr uint64, val, wmask, w1cmask uint64) {
	le.PutUint64(r.csr[addr:], val)
	le.PutUint64(r.wmask[addr:], wmask)
	le.PutUint64(r.w1cmask[addr:], w1cmask)
}

func (r *regFile) defineQuadWO(addr uint64, mask uint64) {
	le.PutUint64(r.womask[addr:], mask)
}

func (r *regFile) defineLong(addr uint64, val, wmask, w1cmask uint32) {
	le.PutUint32(r.csr[addr:], val)
	le.PutUint32(r.wmask[addr:], wmask)
	le.PutUint32(r.w1cmask[addr:], w1cmask)
}

func (r *regFile) defineLongWO(addr uint64, mask uint32) {
	le.PutUint32(r.womask[addr:], mask)
}

func (r *regFile) setQuad(addr uint64, val uint64) {
	old := le.Uint64(r.csr[addr:])
	wmask := le.Uint64(r.wmask[addr:])
	w1c := le.Uint64(r.w1cmask[addr:])
	le.PutUint64(r.csr[addr:], ((old &^ wmask) | (val & wmask)) &^ (w1c & val))
}

func (r *regFile) setLong(addr uint64, val uint32) {
	old := le.Uint32(r.csr[addr:])
	wmask := le.Uint32(r.wmask[addr:])
	w1c := le.Uint32(r.w1cmask[addr:])
	le.PutUint32(r.csr[addr:], ((old &^ wmask) | (val & wmask)) &^ (w1c & val))
}

func (r *regFile) getQuad(addr uint64) uint64 {
	return le.Uint64(r.csr[addr:]) &^ le.Uint64(r.womask[addr:])
}

func (r *regFile) getLong(addr uint64) uint32 {
	return le.Uint32(r.csr[addr:]) &^ le.Uint32(r.womask[addr:])
}

func (r *regFile) quad(addr uint64) uint64 { return le.Uint64(r.csr[addr:]) }
func (r *regFile) long(addr uint64) uint32 { return le.Uint32(r.csr[addr:]) }

func (r *regFile) setQuadRaw(addr uint64, val uint64) { le.PutUint64(r.csr[addr:], val) }
func (r *regFile) setLongRaw(addr uint64, val uint32) { le.PutUint32(r.csr[addr:], val) }

func (r *regFile) setClearMaskLong(addr uint64, clear, mask uint32) uint32 {
	v := (le.Uint32(r.csr[addr:]) &^ clear) | mask
	le.PutUint32(r.csr[addr:], v)
	return v
}

func (r *regFile) setClearMaskQuad(addr uint64, clear, mask uint64) uint64 {
	v := (le.Uint64(r.csr[addr:]) &^ clear) | mask
	le.PutUint64(r.csr[addr:], v)
	return v
}

// reset clears everything from GCMD up and defines the architectural
// defaults. VER, CAP and ECAP are left to the caller.
func (r *regFile) reset() {
	for _, b := range [][]byte{r.csr[regGCMD:], r.wmask[regGCMD:], r.w1cmask[regGCMD:], r.womask[regGCMD:]} {
		clear(b)
	}

	r.defineLong(regVER, 0x10, 0, 0)
	r.defineLong(regGCMD, 0, 0xff800000, 0)
	r.defineLongWO(regGCMD, 0xff800000)
	r.defineLong(regGSTS, 0, 0, 0)
	r.defineQuad(regRTADDR, 0, 0xfffffffffffffc00, 0)
	r.defineQuad(regCCMD, 0, 0xe0000003ffffffff, 0)
	r.defineQuadWO(regCCMD, 0x3ffff0000)

	// Advanced fault logging is not supported.
	r.defineLong(regFSTS, 0, 0, 0x11)
	r.defineLong(regFECTL, 0x80000000, 0x80000000, 0)
	r.defineLong(regFEDATA, 0, 0x0000ffff, 0)
	r.defineLong(regFEADDR, 0, 0xfffffffc, 0)
	r.defineLong(regFEUADDR, 0, 0, 0)
	r.defineLong(regPMEN, 0, 0, 0)

	r.defineQuad(regIQH, 0, 0, 0)
	r.defineQuad(regIQT, 0, 0x7fff0, 0)
	r.defineQuad(regIQA, 0, 0xfffffffffffff807, 0)
	r.defineLong(regICS, 0, 0, 0x1)
	r.defineLong(regIECTL, 0x80000000, 0x80000000, 0)
	r.defineLong(regIEDATA, 0, 0xffffffff, 0)
	r.defineLong(regIEADDR, 0, 0xfffffffc, 0)
	r.defineLong(regIEUADDR, 0, 0, 0)

	r.defineQuad(regIOTLB, 0, 0xb003ffff00000000, 0)
	r.defineQuad(regIVA, 0, 0xfffffffffffff07f, 0)
	r.defineQuadWO(regIVA, 0xfffffffffffff07f)

	for i := uint64(0); i < numFRCD; i++ {
		base := regFRCD0 + i*frcdRegSize
		r.defineQuad(base, 0, 0, 0)
		r.defineQuad(base+8, 0, 0, frcdF)
	}

	r.defineQuad(regIRTA, 0, 0xfffffffffffff80f, 0)
}
