// Package scenario describes a guest's view of a remapping unit in YAML:
// which devices are attached to which page tables, and the DMA they issue.
// Build lays the tables out in guest memory the way a guest driver would.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vtd/internal/devices/vtd"
)

const (
	DefaultMemorySize = 64 << 20
	DefaultTableBase  = 0x100000

	size4K = 4 << 10
	size2M = 2 << 20
	size1G = 1 << 30
)

// Mode is how a device's requests are translated.
type Mode string

const (
	ModeSecondLevel Mode = "second-level"
	ModeFirstLevel  Mode = "first-level"
	ModePassThrough Mode = "pass-through"
)

type Scenario struct {
	Config vtd.Config `yaml:"config"`

	MemorySize uint64 `yaml:"memory-size"`
	// TableBase is where the driver starts allocating table pages.
	TableBase uint64 `yaml:"table-base"`
	// Queue selects queued invalidation over the register interface.
	Queue bool `yaml:"queue"`

	Devices  []Device  `yaml:"devices"`
	Requests []Request `yaml:"requests"`
}

// Device is one address space: a requester id, optionally narrowed to a
// PASID in scalable mode.
type Device struct {
	SID    uint16  `yaml:"sid"`
	PASID  *uint32 `yaml:"pasid"`
	Domain uint16  `yaml:"domain"`
	Mode   Mode    `yaml:"mode"`

	// FaultDisable sets FPD in the context or PASID entry.
	FaultDisable bool `yaml:"fault-disable"`

	Mappings []Mapping `yaml:"mappings"`
}

type Mapping struct {
	IOVA     uint64 `yaml:"iova"`
	Addr     uint64 `yaml:"addr"`
	Size     uint64 `yaml:"size"`
	Perm     string `yaml:"perm"`
	PageSize uint64 `yaml:"page-size"`
}

type Request struct {
	SID    uint16  `yaml:"sid"`
	PASID  *uint32 `yaml:"pasid"`
	IOVA   uint64  `yaml:"iova"`
	Write  bool    `yaml:"write"`
	Len    int     `yaml:"len"`
	Fill   uint8   `yaml:"fill"`
	Repeat int     `yaml:"repeat"`
}

// Load reads a scenario. Config options that are not mentioned keep their
// vtd.Default value.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Scenario, error) {
	sc := &Scenario{
		Config:     vtd.Default(),
		MemorySize: DefaultMemorySize,
		TableBase:  DefaultTableBase,
	}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) scalable() bool {
	return sc.Config.ScalableMode != vtd.ScalableOff
}

// Validate checks the scenario against the unit configuration it asks for.
func (sc *Scenario) Validate() error {
	if err := sc.Config.Validate(); err != nil {
		return err
	}
	if sc.TableBase&(size4K-1) != 0 || sc.TableBase >= sc.MemorySize {
		return fmt.Errorf("scenario: table-base 0x%x outside memory", sc.TableBase)
	}
	// Tables grow upwards from TableBase.
	if sc.TableBase < firmwareEnd {
		return fmt.Errorf("scenario: table-base 0x%x is below the firmware tables at 0x%x", sc.TableBase, FirmwareRSDP)
	}
	if sc.scalable() && !sc.Queue {
		return fmt.Errorf("scenario: scalable mode needs queue: true")
	}

	seen := make(map[uint64]bool)
	for i := range sc.Devices {
		dev := &sc.Devices[i]
		if dev.Mode == "" {
			dev.Mode = ModeSecondLevel
		}
		key := uint64(dev.SID)<<32 | uint64(vtd.NoPASID)
		if dev.PASID != nil {
			key = uint64(dev.SID)<<32 | uint64(*dev.PASID)
		}
		if seen[key] {
			return fmt.Errorf("scenario: device %04x listed twice", dev.SID)
		}
		seen[key] = true
		if err := sc.validateDevice(dev); err != nil {
			return fmt.Errorf("scenario: device %04x: %w", dev.SID, err)
		}
	}
	for i, req := range sc.Requests {
		if req.Len < 0 || req.Repeat < 0 {
			return fmt.Errorf("scenario: request %d: negative length or repeat", i)
		}
	}
	return nil
}

func (sc *Scenario) validateDevice(dev *Device) error {
	switch dev.Mode {
	case ModeSecondLevel:
	case ModeFirstLevel:
		if sc.Config.ScalableMode != vtd.ScalableModern {
			return fmt.Errorf("first-level tables need scalable-mode modern")
		}
	case ModePassThrough:
		if !sc.Config.PassThrough {
			return fmt.Errorf("pass-through needs pt")
		}
	default:
		return fmt.Errorf("unknown mode %q", dev.Mode)
	}
	if dev.PASID != nil {
		if !sc.scalable() {
			return fmt.Errorf("PASID needs scalable mode")
		}
		if *dev.PASID >= maxPASID {
			return fmt.Errorf("PASID %d beyond the directory", *dev.PASID)
		}
	}
	if dev.Mode == ModePassThrough && len(dev.Mappings) > 0 {
		return fmt.Errorf("pass-through devices have no mappings")
	}

	for i := range dev.Mappings {
		m := &dev.Mappings[i]
		if m.PageSize == 0 {
			m.PageSize = size4K
		}
		switch m.PageSize {
		case size4K, size2M, size1G:
		default:
			return fmt.Errorf("mapping %d: page-size 0x%x", i, m.PageSize)
		}
		mask := m.PageSize - 1
		if m.IOVA&mask != 0 || m.Addr&mask != 0 || m.Size&mask != 0 || m.Size == 0 {
			return fmt.Errorf("mapping %d: not aligned to page-size 0x%x", i, m.PageSize)
		}
		if m.IOVA+m.Size-1 >= uint64(1)<<sc.Config.AWBits {
			return fmt.Errorf("mapping %d: iova beyond aw-bits", i)
		}
		if _, err := permBits(m.Perm); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		// The first-level read bit is the present bit.
		if dev.Mode == ModeFirstLevel && m.Perm == "w" {
			return fmt.Errorf("mapping %d: first-level pages cannot be write-only", i)
		}
	}
	return nil
}

func permBits(perm string) (uint64, error) {
	switch perm {
	case "", "rw":
		return pteRead | pteWrite, nil
	case "r":
		return pteRead, nil
	case "w":
		return pteWrite, nil
	}
	return 0, fmt.Errorf("perm %q, use r, w or rw", perm)
}
