// Package vtd models the DMA remapping side of an Intel VT-d IOMMU: the
// register file, second- and first-level page walks, context and PASID table
// resolution, the IOTLB and context caches, queued invalidation and PASID
// binding for acceleration backends.
package vtd

import (
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vtd/internal/hv"
)

// Stats counts translation activity since the device was created.
type Stats struct {
	Translations uint64
	IOTLBHits    uint64
	PIOTLBHits   uint64
	ContextHits  uint64
	Walks        uint64
	Faults       uint64
	PassThrough  uint64
	Descriptors  uint64
}

// Device is one emulated remapping unit. All state, including the register
// file, is guarded by mu; guest memory is read synchronously under it.
type Device struct {
	cfg Config

	mu  sync.Mutex
	mem hv.GuestMemory
	irq hv.InterruptSink

	regs regFile
	cap  uint64
	ecap uint64

	sl pagingFormat
	fl pagingFormat

	root         uint64
	rootScalable bool
	dmarEnabled  bool

	intrEnabled bool
	intrRoot    uint64
	intrSize    uint32
	intrEIME    bool

	nextFRCD   uint32
	contextGen uint32

	spaces map[spaceKey]*addressSpace
	iotlb  *tlb
	piotlb *tlb

	pasids  map[pasidKey]*pasidBinding
	backend Backend
	backed  bitmap.Bitmap

	qiEnabled  bool
	iqBase     uint64
	iqHead     uint32
	iqTail     uint32
	iqSize     uint32
	iqDW       bool
	iqLastDesc descType

	iecNotifiers []IECNotifier

	stats Stats
}

// New creates a remapping unit. It does not touch guest memory until Init.
func New(cfg Config) (*Device, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:    cfg,
		mem:    noMemory{},
		irq:    hv.NoopInterruptSink,
		spaces: make(map[spaceKey]*addressSpace),
		pasids: make(map[pasidKey]*pasidBinding),
		iotlb:  newTLB("iotlb", false),
		piotlb: newTLB("piotlb", true),
		backed: bitmap.New(1 << 16),
		fl:     newFirstLevelFormat(),
	}
	d.cap, d.ecap = cfg.capabilities()
	d.init()
	return d, nil
}

// Init connects the unit to the machine's memory and interrupt controller.
func (d *Device) Init(m hv.Machine) error {
	if m == nil {
		return fmt.Errorf("vtd: nil machine")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.mem = m
	d.irq = m.Interrupts()
	if d.irq == nil {
		d.irq = hv.NoopInterruptSink
	}
	slog.Debug("vtd: initialized", "base", d.cfg.MMIOBase, "aw", d.cfg.AWBits, "scalable", d.cfg.ScalableMode)
	return nil
}

// init puts every piece of state back to its power-on value.
func (d *Device) init() {
	relaxSNP := d.cfg.ScalableMode != ScalableOff || d.cfg.SnoopControl
	d.sl = newSecondLevelFormat(d.cfg.AWBits, d.cfg.DeviceIOTLB, relaxSNP)

	d.root = 0
	d.rootScalable = false
	d.dmarEnabled = false
	d.intrEnabled = false
	d.intrRoot = 0
	d.intrSize = 0
	d.intrEIME = false
	d.qiEnabled = false
	d.iqBase = 0
	d.iqHead = 0
	d.iqTail = 0
	d.iqSize = 0
	d.iqDW = false
	d.iqLastDesc = descNone
	d.nextFRCD = 0

	d.resetCaches()

	d.regs.reset()
	d.regs.defineQuad(regCAP, d.cap, 0, 0)
	d.regs.defineQuad(regECAP, d.ecap, 0, 0)
}

// Reset returns the unit to its power-on state. Cached translations, queue
// state and PASID bindings are dropped and every downstream consumer is
// told to forget its mappings.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	slog.Debug("vtd: reset")
	d.init()
	d.refreshAll()
	d.refreshPASIDBind()
}

// Config returns the configuration the unit was created with.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// noMemory stands in for guest memory before Init.
type noMemory struct{}

func (noMemory) ReadAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("vtd: read at 0x%x before Init", off)
}

func (noMemory) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("vtd: write at 0x%x before Init", off)
}

var _ hv.Device = (*Device)(nil)
