package vtd

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/vtd/internal/trace"
)

// FaultReason is the architectural fault reason code written into a fault
// recording register.
type FaultReason uint8

const (
	FaultNone                   FaultReason = 0x00
	FaultRootEntryNotPresent    FaultReason = 0x01
	FaultContextEntryNotPresent FaultReason = 0x02
	FaultContextEntryInvalid    FaultReason = 0x03
	FaultAddrBeyondMGAW         FaultReason = 0x04
	FaultWrite                  FaultReason = 0x05
	FaultRead                   FaultReason = 0x06
	FaultPagingEntryInvalid     FaultReason = 0x07
	FaultRootTableInvalid       FaultReason = 0x08
	FaultContextTableInvalid    FaultReason = 0x09
	FaultRootEntryReserved      FaultReason = 0x0a
	FaultContextEntryReserved   FaultReason = 0x0b
	FaultPagingEntryReserved    FaultReason = 0x0c
	FaultContextEntryTT         FaultReason = 0x0d
	FaultInterruptAddr          FaultReason = 0x0e
	FaultRTAddrInvalidTTM       FaultReason = 0x31
	FaultPASIDDirAccess         FaultReason = 0x50
	FaultPASIDDirNotPresent     FaultReason = 0x51
	FaultPASIDTableAccess       FaultReason = 0x58
	FaultPASIDEntryNotPresent   FaultReason = 0x59
	FaultPASIDEntryInvalid      FaultReason = 0x5b
	FaultSMInterruptAddr        FaultReason = 0x87
)

var faultNames = map[FaultReason]string{
	FaultNone:                   "none",
	FaultRootEntryNotPresent:    "root entry not present",
	FaultContextEntryNotPresent: "context entry not present",
	FaultContextEntryInvalid:    "context entry invalid",
	FaultAddrBeyondMGAW:         "address beyond MGAW",
	FaultWrite:                  "write permission",
	FaultRead:                   "read permission",
	FaultPagingEntryInvalid:     "paging entry invalid",
	FaultRootTableInvalid:       "root table access error",
	FaultContextTableInvalid:    "context table access error",
	FaultRootEntryReserved:      "root entry reserved bits",
	FaultContextEntryReserved:   "context entry reserved bits",
	FaultPagingEntryReserved:    "paging entry reserved bits",
	FaultContextEntryTT:         "context entry translation type",
	FaultInterruptAddr:          "interrupt address",
	FaultRTAddrInvalidTTM:       "root table type mismatch",
	FaultPASIDDirAccess:         "PASID directory access error",
	FaultPASIDDirNotPresent:     "PASID directory entry not present",
	FaultPASIDTableAccess:       "PASID table access error",
	FaultPASIDEntryNotPresent:   "PASID entry not present",
	FaultPASIDEntryInvalid:      "PASID entry invalid",
	FaultSMInterruptAddr:        "interrupt address (scalable mode)",
}

func (r FaultReason) String() string {
	if name, ok := faultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("fault(0x%02x)", uint8(r))
}

// qualified reports whether r is suppressed by a set FPD bit. Access errors
// and root level conditions are always reported.
func (r FaultReason) qualified() bool {
	switch r {
	case FaultContextEntryNotPresent,
		FaultContextEntryInvalid,
		FaultAddrBeyondMGAW,
		FaultWrite,
		FaultRead,
		FaultPagingEntryInvalid,
		FaultInterruptAddr,
		FaultPagingEntryReserved,
		FaultContextEntryTT,
		FaultPASIDDirNotPresent,
		FaultPASIDEntryNotPresent,
		FaultPASIDEntryInvalid,
		FaultSMInterruptAddr:
		return true
	}
	return false
}

// TranslationFault is returned by Translate when a DMA request is blocked.
type TranslationFault struct {
	Reason FaultReason
	SID    uint16
	PASID  uint32
	IOVA   uint64
	Write  bool
}

func (f *TranslationFault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	if f.PASID != NoPASID {
		return fmt.Sprintf("vtd: %s fault at iova 0x%x (sid %04x pasid 0x%x): %s", dir, f.IOVA, f.SID, f.PASID, f.Reason)
	}
	return fmt.Sprintf("vtd: %s fault at iova 0x%x (sid %04x): %s", dir, f.IOVA, f.SID, f.Reason)
}

var (
	traceFault      = trace.RegisterKind("vtd.fault")
	traceFaultEvent = trace.RegisterKind("vtd.fault-event")
	traceWaitEvent  = trace.RegisterKind("vtd.wait-event")
)

// Guest programming errors are logged the first time and then at most once a
// minute per call site.
var (
	logTranslate  = rate.Sometimes{First: 1, Interval: time.Minute}
	logRegister   = rate.Sometimes{First: 1, Interval: time.Minute}
	logQueue      = rate.Sometimes{First: 1, Interval: time.Minute}
	logPASID      = rate.Sometimes{First: 1, Interval: time.Minute}
	logFaultEvent = rate.Sometimes{First: 1, Interval: time.Minute}
)

func guestError(s *rate.Sometimes, msg string, args ...any) {
	s.Do(func() { slog.Warn(msg, args...) })
}

// reportFault routes a translation fault to the recording registers unless
// fpd is set and the reason is qualified.
func (d *Device) reportFault(reason FaultReason, fpd bool, sid uint16, addr uint64, write bool, pasid uint32) {
	if fpd && reason.qualified() {
		slog.Debug("vtd: fault suppressed by FPD", "sid", sid, "reason", reason)
		return
	}
	d.recordFault(reason, sid, addr, write, pasid)
}

func (d *Device) frcdAddr(index uint32) uint64 {
	return regFRCD0 + uint64(index)*frcdRegSize
}

func (d *Device) frcdPending(index uint32) bool {
	return d.regs.quad(d.frcdAddr(index)+8)&frcdF != 0
}

// updatePPF recomputes FSTS.PPF from the F bits of every recording register.
func (d *Device) updatePPF() {
	var ppf uint32
	for i := uint32(0); i < numFRCD; i++ {
		if d.frcdPending(i) {
			ppf = fstsPPF
			break
		}
	}
	d.regs.setClearMaskLong(regFSTS, fstsPPF, ppf)
}

// collapseFault reports whether a fault from sid is already pending.
func (d *Device) collapseFault(sid uint16) bool {
	for i := uint32(0); i < numFRCD; i++ {
		hi := d.regs.quad(d.frcdAddr(i) + 8)
		if hi&frcdF != 0 && uint16(hi&frcdSIDMask) == sid {
			return true
		}
	}
	return false
}

// recordFault writes one fault into the recording ring. A fault for a
// requester that already has one pending is dropped, and a full ring sets
// the overflow bit. The interrupt is only raised when no fault was pending.
func (d *Device) recordFault(reason FaultReason, sid uint16, addr uint64, write bool, pasid uint32) {
	fsts := d.regs.long(regFSTS)

	trace.Record(trace.Event{Kind: traceFault, SID: sid, PASID: pasid, Flags: uint32(reason), Addr: addr})
	slog.Debug("vtd: DMAR fault", "sid", sid, "reason", reason, "iova", addr, "write", write)

	if fsts&fstsPFO != 0 {
		return
	}
	if d.collapseFault(sid) {
		return
	}
	if d.frcdPending(d.nextFRCD) {
		d.regs.setClearMaskLong(regFSTS, 0, fstsPFO)
		return
	}

	hi := uint64(sid) | uint64(reason)<<frcdFRShift
	if !write {
		hi |= frcdT
	}
	if pasid != NoPASID {
		hi |= frcdPP | uint64(pasid&frcdPVMask)<<frcdPVShift
	}
	base := d.frcdAddr(d.nextFRCD)
	d.regs.setQuadRaw(base, addr&frcdFIMask)
	d.regs.setQuadRaw(base+8, hi)

	if fsts&fstsPPF != 0 {
		// Another fault is already waiting on software; record only.
		d.regs.setClearMaskQuad(base+8, 0, frcdF)
		d.updatePPF()
		d.advanceFRCD()
		return
	}

	d.regs.setClearMaskLong(regFSTS, fstsFRIMask, d.nextFRCD<<fstsFRIShift)
	d.regs.setClearMaskQuad(base+8, 0, frcdF)
	d.updatePPF()
	d.advanceFRCD()
	d.faultEvent(fsts)
}

func (d *Device) advanceFRCD() {
	d.nextFRCD++
	if d.nextFRCD >= numFRCD {
		d.nextFRCD = 0
	}
}

// faultEvent raises the fault event interrupt unless one of the status bits
// was already set before this fault, in which case software has yet to
// service the previous one.
func (d *Device) faultEvent(prevFSTS uint32) {
	if prevFSTS&(fstsPFO|fstsPPF|fstsIQE) != 0 {
		return
	}
	d.regs.setClearMaskLong(regFECTL, 0, fectlIP)
	if d.regs.long(regFECTL)&fectlIM != 0 {
		return
	}
	d.sendFaultMSI()
}

func (d *Device) sendFaultMSI() {
	addr := uint64(d.regs.long(regFEADDR)) | uint64(d.regs.long(regFEUADDR))<<32
	data := d.regs.long(regFEDATA)
	trace.Record(trace.Event{Kind: traceFaultEvent, Addr: addr, Value: uint64(data)})
	if err := d.irq.SendMSI(addr, data); err != nil {
		guestError(&logFaultEvent, "vtd: send fault event", "addr", addr, "err", err)
	}
	d.regs.setClearMaskLong(regFECTL, fectlIP, 0)
}

// queueError flags an invalidation queue error and raises the fault event.
func (d *Device) queueError() {
	fsts := d.regs.long(regFSTS)
	d.regs.setClearMaskLong(regFSTS, 0, fstsIQE)
	d.faultEvent(fsts)
}

// completionEvent raises the invalidation completion interrupt for a wait
// descriptor with IF set. Nothing happens while ICS.IWC is still set.
func (d *Device) completionEvent() {
	if d.regs.long(regICS)&icsIWC != 0 {
		return
	}
	d.regs.setClearMaskLong(regICS, 0, icsIWC)
	d.regs.setClearMaskLong(regIECTL, 0, iectlIP)
	if d.regs.long(regIECTL)&iectlIM != 0 {
		return
	}
	d.sendCompletionMSI()
}

func (d *Device) sendCompletionMSI() {
	addr := uint64(d.regs.long(regIEADDR)) | uint64(d.regs.long(regIEUADDR))<<32
	data := d.regs.long(regIEDATA)
	trace.Record(trace.Event{Kind: traceWaitEvent, Addr: addr, Value: uint64(data)})
	if err := d.irq.SendMSI(addr, data); err != nil {
		guestError(&logFaultEvent, "vtd: send completion event", "addr", addr, "err", err)
	}
	d.regs.setClearMaskLong(regIECTL, iectlIP, 0)
}
