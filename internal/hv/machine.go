package hv

import (
	"fmt"
	"slices"
)

// Machine is a software VirtualMachine: it owns the device list and routes
// guest MMIO and port I/O exits to the device that claims the address, the
// same way the KVM exit loop does. Callers must serialize access.
type Machine struct {
	devices []Device
	space   *AddressSpace
}

// NewMachine creates a machine whose device windows are allocated from space.
func NewMachine(space *AddressSpace) *Machine {
	return &Machine{space: space}
}

// AddDevice implements VirtualMachine.
func (m *Machine) AddDevice(dev Device) error {
	if dev == nil {
		return fmt.Errorf("machine: device cannot be nil")
	}
	if slices.Contains(m.devices, dev) {
		return fmt.Errorf("machine: device %T already attached", dev)
	}
	m.devices = append(m.devices, dev)
	if err := dev.Init(m); err != nil {
		m.devices = m.devices[:len(m.devices)-1]
		return err
	}
	return nil
}

// RemoveDevice implements VirtualMachine.
func (m *Machine) RemoveDevice(dev Device) error {
	idx := slices.Index(m.devices, dev)
	if idx < 0 {
		return fmt.Errorf("machine: device %T not attached", dev)
	}
	m.devices = slices.Delete(m.devices, idx, idx+1)
	return nil
}

// AddressSpace implements VirtualMachine.
func (m *Machine) AddressSpace() *AddressSpace {
	return m.space
}

// Devices returns the attached devices in attach order.
func (m *Machine) Devices() []Device {
	return slices.Clone(m.devices)
}

// HandleMMIO dispatches a guest physical access of len(data) bytes.
func (m *Machine) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	size := uint64(len(data))
	for _, dev := range m.devices {
		mmioDevice, ok := dev.(MemoryMappedIODevice)
		if !ok {
			continue
		}
		for _, region := range mmioDevice.MMIORegions() {
			if !region.Contains(addr, size) {
				continue
			}
			if isWrite {
				if err := mmioDevice.WriteMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO write at 0x%016x: %w", addr, err)
				}
			} else {
				if err := mmioDevice.ReadMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO read at 0x%016x: %w", addr, err)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: MMIO 0x%016x", ErrNoDevice, addr)
}

// HandleIOPort dispatches a legacy port access.
func (m *Machine) HandleIOPort(port uint16, data []byte, isWrite bool) error {
	for _, dev := range m.devices {
		ioDevice, ok := dev.(X86IOPortDevice)
		if !ok {
			continue
		}
		if !slices.Contains(ioDevice.IOPorts(), port) {
			continue
		}
		if isWrite {
			return ioDevice.WriteIOPort(port, data)
		}
		return ioDevice.ReadIOPort(port, data)
	}
	return fmt.Errorf("%w 0x%04x", ErrUnhandledPort, port)
}
