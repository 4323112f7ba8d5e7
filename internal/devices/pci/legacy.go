package pci

import (
	"fmt"

	"github.com/tinyrange/sst1/internal/hv"
)

const (
	ConfigAddressPort = 0x0cf8
	ConfigDataPort    = 0x0cfc

	configAddressEnable = 1 << 31
)

// LegacyPorts services configuration mechanism #1 (ports 0xCF8-0xCFF) on top
// of a HostBridge, so x86 guests that never use ECAM reach the same config
// spaces and write hooks.
type LegacyPorts struct {
	host    *HostBridge
	address uint32
}

// NewLegacyPorts returns the port pair for host.
func NewLegacyPorts(host *HostBridge) *LegacyPorts {
	return &LegacyPorts{host: host}
}

// Init implements hv.Device.
func (p *LegacyPorts) Init(vm hv.VirtualMachine) error {
	if p.host == nil {
		return fmt.Errorf("pci legacy ports: host bridge is nil")
	}
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (p *LegacyPorts) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (p *LegacyPorts) ReadIOPort(port uint16, data []byte) error {
	switch {
	case port >= ConfigAddressPort && port+uint16(len(data)) <= ConfigAddressPort+4:
		shift := (port - ConfigAddressPort) * 8
		for i := range data {
			data[i] = byte(p.address >> (shift + uint16(i)*8))
		}
	case port >= ConfigDataPort && port+uint16(len(data)) <= ConfigDataPort+4:
		key, reg, ok := p.target(port - ConfigDataPort)
		if !ok {
			for i := range data {
				data[i] = 0xff
			}
			return nil
		}
		value := p.host.readConfig(key, reg, uint8(len(data)))
		for i := range data {
			data[i] = byte(value >> (8 * i))
		}
	default:
		return fmt.Errorf("pci legacy ports: unhandled read from I/O port 0x%04x width %d", port, len(data))
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *LegacyPorts) WriteIOPort(port uint16, data []byte) error {
	switch {
	case port >= ConfigAddressPort && port+uint16(len(data)) <= ConfigAddressPort+4:
		shift := (port - ConfigAddressPort) * 8
		for i, b := range data {
			s := shift + uint16(i)*8
			mask := uint32(0xff) << s
			p.address = (p.address &^ mask) | (uint32(b) << s)
		}
	case port >= ConfigDataPort && port+uint16(len(data)) <= ConfigDataPort+4:
		key, reg, ok := p.target(port - ConfigDataPort)
		if !ok {
			return nil
		}
		value := uint32(0)
		for i, b := range data {
			value |= uint32(b) << (8 * i)
		}
		p.host.writeConfig(key, reg, uint8(len(data)), value)
	default:
		return fmt.Errorf("pci legacy ports: unhandled write to I/O port 0x%04x width %d", port, len(data))
	}
	return nil
}

func (p *LegacyPorts) target(byteOffset uint16) (deviceKey, uint16, bool) {
	if p.address&configAddressEnable == 0 {
		return deviceKey{}, 0, false
	}
	key := deviceKey{
		bus: uint8((p.address >> 16) & 0xff),
		dev: uint8((p.address >> 11) & 0x1f),
		fn:  uint8((p.address >> 8) & 0x7),
	}
	if key.bus > p.host.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(p.address&0xfc) + byteOffset
	return key, reg, true
}

// ConfigAddress builds the value a guest writes to port 0xCF8.
func ConfigAddress(bus, device, function uint8, offset uint16) uint32 {
	return configAddressEnable | uint32(bus)<<16 | uint32(device&0x1f)<<11 | uint32(function&0x7)<<8 | uint32(offset&0xfc)
}

var (
	_ hv.Device          = (*LegacyPorts)(nil)
	_ hv.X86IOPortDevice = (*LegacyPorts)(nil)
)
