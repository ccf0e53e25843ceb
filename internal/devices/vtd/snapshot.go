package vtd

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vtd/internal/hv"
)

// SnapshotKind identifies remapping unit snapshots.
const SnapshotKind uint32 = 0x76746431 // "vtd1"

// Caches are not saved; they are rebuilt from guest memory after restore.
type vtdSnapshot struct {
	Regs []byte

	Root         uint64
	RootScalable bool
	DMAREnabled  bool

	IntrEnabled bool
	IntrRoot    uint64
	IntrSize    uint32
	IntrEIME    bool

	QIEnabled  bool
	IQBase     uint64
	IQHead     uint32
	IQTail     uint32
	IQSize     uint32
	IQDW       bool
	IQLastDesc uint8

	NextFRCD uint32
}

// CaptureSnapshot writes the register state of the unit to w.
func (d *Device) CaptureSnapshot(w io.Writer) error {
	d.mu.Lock()
	snap := vtdSnapshot{
		Regs:         bytes.Clone(d.regs.csr[:]),
		Root:         d.root,
		RootScalable: d.rootScalable,
		DMAREnabled:  d.dmarEnabled,
		IntrEnabled:  d.intrEnabled,
		IntrRoot:     d.intrRoot,
		IntrSize:     d.intrSize,
		IntrEIME:     d.intrEIME,
		QIEnabled:    d.qiEnabled,
		IQBase:       d.iqBase,
		IQHead:       d.iqHead,
		IQTail:       d.iqTail,
		IQSize:       d.iqSize,
		IQDW:         d.iqDW,
		IQLastDesc:   uint8(d.iqLastDesc),
		NextFRCD:     d.nextFRCD,
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("vtd: encode snapshot: %w", err)
	}
	return hv.WriteSnapshot(w, SnapshotKind, d.cfg.hash(), buf.Bytes())
}

// RestoreSnapshot resets the unit and loads the register state saved by
// CaptureSnapshot. Mappings are replayed to registered notifiers afterwards.
func (d *Device) RestoreSnapshot(r io.Reader) error {
	payload, err := hv.ReadSnapshot(r, SnapshotKind, d.cfg.hash())
	if err != nil {
		return fmt.Errorf("vtd: %w", err)
	}
	var snap vtdSnapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return fmt.Errorf("vtd: decode snapshot: %w", err)
	}
	if len(snap.Regs) != RegSize {
		return fmt.Errorf("vtd: snapshot register file is %d bytes, want %d", len(snap.Regs), RegSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.init()
	copy(d.regs.csr[:], snap.Regs)
	d.root = snap.Root
	d.rootScalable = snap.RootScalable
	d.dmarEnabled = snap.DMAREnabled
	d.intrEnabled = snap.IntrEnabled
	d.intrRoot = snap.IntrRoot
	d.intrSize = snap.IntrSize
	d.intrEIME = snap.IntrEIME
	d.qiEnabled = snap.QIEnabled
	d.iqBase = snap.IQBase
	d.iqHead = snap.IQHead
	d.iqTail = snap.IQTail
	d.iqSize = snap.IQSize
	d.iqDW = snap.IQDW
	d.iqLastDesc = descType(snap.IQLastDesc)
	d.nextFRCD = snap.NextFRCD

	slog.Debug("vtd: restored", "root", d.root, "dmar", d.dmarEnabled, "qi", d.qiEnabled)
	d.refreshAll()
	if d.dmarEnabled {
		d.replayAll()
	}
	d.refreshPASIDBind()
	return nil
}
