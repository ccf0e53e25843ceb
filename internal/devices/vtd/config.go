package vtd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vtd/internal/hv"
)

// DefaultMMIOBase is where the register window of the first remapping unit
// sits on a q35-style machine.
const DefaultMMIOBase = 0xfed90000

// ScalableMode selects the context/PASID table format the unit supports.
type ScalableMode string

const (
	ScalableOff    ScalableMode = "off"
	ScalableLegacy ScalableMode = "legacy"
	ScalableModern ScalableMode = "modern"
)

// Config describes the capabilities of an emulated remapping unit.
type Config struct {
	MMIOBase uint64 `yaml:"mmio-base"`

	// AWBits is the host address width, 39 or 48.
	AWBits       uint32       `yaml:"aw-bits"`
	ScalableMode ScalableMode `yaml:"scalable-mode"`
	CachingMode  bool         `yaml:"caching-mode"`

	DMATranslation bool `yaml:"dma-translation"`
	DMADrain       bool `yaml:"dma-drain"`

	InterruptRemapping    bool `yaml:"intremap"`
	ExtendedInterruptMode bool `yaml:"eim"`

	PassThrough  bool `yaml:"pt"`
	DeviceIOTLB  bool `yaml:"device-iotlb"`
	SnoopControl bool `yaml:"snoop-control"`
	PASID        bool `yaml:"pasid"`
}

func Default() Config {
	return Config{
		MMIOBase:       DefaultMMIOBase,
		AWBits:         39,
		ScalableMode:   ScalableOff,
		DMATranslation: true,
		DMADrain:       true,
		PassThrough:    true,
	}
}

func (c *Config) normalize() {
	if c.MMIOBase == 0 {
		c.MMIOBase = DefaultMMIOBase
	}
	if c.AWBits == 0 {
		c.AWBits = 39
	}
	if c.ScalableMode == "" {
		c.ScalableMode = ScalableOff
	}
}

// Validate rejects option combinations the unit cannot model.
func (c Config) Validate() error {
	switch c.ScalableMode {
	case ScalableOff, ScalableLegacy, ScalableModern:
	default:
		return fmt.Errorf("vtd: invalid scalable-mode %q, use \"modern\", \"legacy\" or \"off\"", c.ScalableMode)
	}
	if c.ExtendedInterruptMode && !c.InterruptRemapping {
		return fmt.Errorf("vtd: eim cannot be selected without intremap")
	}
	if c.ScalableMode != ScalableOff && !c.DMADrain {
		return fmt.Errorf("vtd: scalable mode needs dma-drain")
	}
	if c.ScalableMode == ScalableModern && c.AWBits != 48 {
		return fmt.Errorf("vtd: supported values for aw-bits are: 48")
	}
	if c.AWBits != 39 && c.AWBits != 48 {
		return fmt.Errorf("vtd: supported values for aw-bits are: 48, 39")
	}
	if c.PASID && c.ScalableMode == ScalableOff {
		return fmt.Errorf("vtd: PASID needs scalable mode")
	}
	if c.MMIOBase&0xfff != 0 {
		return fmt.Errorf("vtd: mmio-base 0x%x is not 4K aligned", c.MMIOBase)
	}
	return nil
}

// LoadConfig reads a YAML config. Options that are not mentioned keep their
// Default value.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// capabilities computes the CAP and ECAP register values.
func (c Config) capabilities() (capReg, ecapReg uint64) {
	capReg = capFRO | capNFR | capND | capMAMV | capPSI | capSLLPS |
		uint64(c.AWBits-1)<<capMGAWShift
	if c.DMADrain {
		capReg |= capDrain
	}
	if c.DMATranslation {
		if c.AWBits >= 39 {
			capReg |= capSAGAW39
		}
		if c.AWBits >= 48 {
			capReg |= capSAGAW48
		}
	}
	if c.CachingMode {
		capReg |= capCM
	}

	ecapReg = ecapQI | ecapIRO
	if c.InterruptRemapping {
		ecapReg |= ecapIR | ecapMHMV
		if c.ExtendedInterruptMode {
			ecapReg |= ecapEIM
		}
	}
	if c.DeviceIOTLB {
		ecapReg |= ecapDT
		if c.ScalableMode == ScalableModern {
			ecapReg |= ecapPRS
		}
	}
	if c.PassThrough {
		ecapReg |= ecapPT
	}
	switch c.ScalableMode {
	case ScalableLegacy:
		ecapReg |= ecapSMTS | ecapSRS | ecapSLTS
	case ScalableModern:
		ecapReg |= ecapSMTS | ecapSRS
		if c.AWBits == 48 {
			ecapReg |= ecapFLTS
			capReg |= capFL1GP
		}
	}
	if c.SnoopControl {
		ecapReg |= ecapSC
	}
	if c.PASID {
		ecapReg |= ecapPASID | ecapPSSMax<<ecapPSSShft
	}
	return capReg, ecapReg
}

// hash identifies the configuration in snapshots.
func (c Config) hash() hv.ConfigHash {
	var h hv.ConfigHasher
	h.Uint64(c.MMIOBase)
	h.Uint64(uint64(c.AWBits))
	h.String(string(c.ScalableMode))
	h.Bool(c.CachingMode)
	h.Bool(c.DMATranslation)
	h.Bool(c.DMADrain)
	h.Bool(c.InterruptRemapping)
	h.Bool(c.ExtendedInterruptMode)
	h.Bool(c.PassThrough)
	h.Bool(c.DeviceIOTLB)
	h.Bool(c.SnoopControl)
	h.Bool(c.PASID)
	return h.Sum()
}
