package hv

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice      = errors.New("no device handles address")
	ErrUnhandledPort = errors.New("no device handles I/O port")
)

// Device is anything that can be attached to a VirtualMachine.
type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr uint64, size uint64) bool {
	if r.Size == 0 {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// Overlaps reports whether the two regions share at least one byte.
func (r MMIORegion) Overlaps(other MMIORegion) bool {
	if r.Size == 0 || other.Size == 0 {
		return false
	}
	return r.Address < other.Address+other.Size && other.Address < r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)

// VirtualMachine is the host environment devices attach to. Every access it
// forwards to a device is serialized; devices do not lock against each other.
type VirtualMachine interface {
	AddDevice(dev Device) error
	RemoveDevice(dev Device) error

	AddressSpace() *AddressSpace
}
