// Package config loads the YAML description of the emulated board: which
// SST-1 variant to attach, where, and the host bridge windows it lives in.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/sst1/internal/devices/pci"
	"github.com/tinyrange/sst1/internal/devices/sst1"
)

const (
	CurrentVersion = 1

	DefaultSlot     = 1
	DefaultECAMBase = 0x30000000
	DefaultECAMSize = 0x100000
	DefaultMMIOBase = 0x40000000
	DefaultMMIOSize = 0x10000000
)

type Config struct {
	Version int          `yaml:"version"`
	Device  DeviceConfig `yaml:"device"`
	Host    HostConfig   `yaml:"host"`
}

type DeviceConfig struct {
	Variant          string `yaml:"variant,omitempty"`
	Slot             int    `yaml:"slot"`
	InitEnablePolicy string `yaml:"initEnablePolicy,omitempty"`
}

// HostConfig places the ECAM window and the window BARs are allocated from.
type HostConfig struct {
	ECAMBase uint64 `yaml:"ecamBase"`
	ECAMSize uint64 `yaml:"ecamSize"`
	MMIOBase uint64 `yaml:"mmioBase"`
	MMIOSize uint64 `yaml:"mmioSize"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{Device: DeviceConfig{Slot: DefaultSlot}}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.Device.Variant == "" {
		c.Device.Variant = sst1.VariantVoodoo.String()
	}
	if c.Device.InitEnablePolicy == "" {
		c.Device.InitEnablePolicy = sst1.PolicyMask.String()
	}
	if c.Host.ECAMBase == 0 {
		c.Host.ECAMBase = DefaultECAMBase
	}
	if c.Host.ECAMSize == 0 {
		c.Host.ECAMSize = DefaultECAMSize
	}
	if c.Host.MMIOBase == 0 {
		c.Host.MMIOBase = DefaultMMIOBase
	}
	if c.Host.MMIOSize == 0 {
		c.Host.MMIOSize = DefaultMMIOSize
	}
}

// Validate reports the first problem that would stop the board from being
// assembled.
func (c Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, err := sst1.ParseVariant(c.Device.Variant); err != nil {
		return err
	}
	if _, err := sst1.ParsePolicy(c.Device.InitEnablePolicy); err != nil {
		return err
	}
	if c.Device.Slot < 1 || c.Device.Slot > 31 {
		return fmt.Errorf("device slot %d out of range 1-31", c.Device.Slot)
	}
	if c.Host.ECAMSize < DefaultECAMSize {
		return fmt.Errorf("ECAM window %#x too small for bus 0", c.Host.ECAMSize)
	}
	if c.Host.MMIOSize < sst1.BARSize {
		return fmt.Errorf("MMIO window %#x cannot hold a %#x BAR", c.Host.MMIOSize, sst1.BARSize)
	}
	if c.Host.MMIOSize > 1<<32 || c.Host.MMIOBase > 1<<32-c.Host.MMIOSize {
		return fmt.Errorf("MMIO window at %#x size %#x must lie below 4 GiB", c.Host.MMIOBase, c.Host.MMIOSize)
	}
	ecam := [2]uint64{c.Host.ECAMBase, c.Host.ECAMBase + c.Host.ECAMSize}
	mmio := [2]uint64{c.Host.MMIOBase, c.Host.MMIOBase + c.Host.MMIOSize}
	if ecam[0] < mmio[1] && mmio[0] < ecam[1] {
		return fmt.Errorf("ECAM window [%#x-%#x) overlaps MMIO window [%#x-%#x)", ecam[0], ecam[1], mmio[0], mmio[1])
	}
	return nil
}

// DeviceOptions converts the device section for sst1.New.
func (c Config) DeviceOptions() (sst1.Options, error) {
	variant, err := sst1.ParseVariant(c.Device.Variant)
	if err != nil {
		return sst1.Options{}, err
	}
	policy, err := sst1.ParsePolicy(c.Device.InitEnablePolicy)
	if err != nil {
		return sst1.Options{}, err
	}
	return sst1.Options{
		Variant: variant,
		Slot:    uint8(c.Device.Slot),
		Policy:  policy,
	}, nil
}

// HostBridge converts the host section for pci.NewHostBridge.
func (c Config) HostBridge() pci.HostBridgeConfig {
	return pci.HostBridgeConfig{
		ConfigBase: c.Host.ECAMBase,
		ConfigSize: c.Host.ECAMSize,
		MMIOBase:   c.Host.MMIOBase,
		MMIOSize:   c.Host.MMIOSize,
	}
}

// Parse decodes and validates a YAML document. Fields it leaves out keep
// their defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	cfg.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config encoder: %w", err)
	}
	return nil
}
