package main

import (
	"errors"
	"fmt"

	"github.com/tinyrange/sst1/internal/config"
	"github.com/tinyrange/sst1/internal/devices/pci"
	"github.com/tinyrange/sst1/internal/devices/sst1"
	"github.com/tinyrange/sst1/internal/hv"
)

// board is a software machine with a host bridge and one SST-1 attached.
// Every access goes through the machine the way a guest exit would.
type board struct {
	machine *hv.Machine
	host    *pci.HostBridge
	dev     *sst1.Device
	slot    uint8
}

func newBoard(cfg config.Config) (*board, error) {
	opts, err := cfg.DeviceOptions()
	if err != nil {
		return nil, err
	}

	machine := hv.NewMachine(hv.NewAddressSpace(cfg.Host.MMIOBase, cfg.Host.MMIOSize))
	host := pci.NewHostBridge(cfg.HostBridge())
	if err := machine.AddDevice(host); err != nil {
		return nil, fmt.Errorf("attach host bridge: %w", err)
	}
	if err := machine.AddDevice(pci.NewLegacyPorts(host)); err != nil {
		return nil, fmt.Errorf("attach legacy config ports: %w", err)
	}

	dev, err := sst1.New(host, opts)
	if err != nil {
		return nil, err
	}
	if err := machine.AddDevice(dev); err != nil {
		return nil, errors.Join(fmt.Errorf("attach sst1: %w", err), dev.Close())
	}

	b := &board{machine: machine, host: host, dev: dev, slot: opts.Slot}
	if err := b.configWrite(pci.ConfigCommand, 2, pci.CommandMemorySpace); err != nil {
		return nil, errors.Join(err, dev.Close())
	}
	return b, nil
}

func (b *board) configWrite(offset uint16, size uint8, value uint32) error {
	if err := checkConfigSize(offset, size); err != nil {
		return err
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
	return b.machine.HandleMMIO(b.host.ECAMAddress(0, b.slot, 0, offset), data, true)
}

func (b *board) configRead(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigSize(offset, size); err != nil {
		return 0, err
	}
	data := make([]byte, size)
	if err := b.machine.HandleMMIO(b.host.ECAMAddress(0, b.slot, 0, offset), data, false); err != nil {
		return 0, err
	}
	var value uint32
	for i, v := range data {
		value |= uint32(v) << (8 * i)
	}
	return value, nil
}

func (b *board) mmioWrite(offset uint64, size int, value uint64) error {
	if size < 1 || size > 8 {
		return fmt.Errorf("mmio access size %d out of range 1-8", size)
	}
	base, err := b.dev.BAR0()
	if err != nil {
		return err
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
	return b.machine.HandleMMIO(base+offset, data, true)
}

func (b *board) mmioRead(offset uint64, size int) (uint64, error) {
	if size < 1 || size > 8 {
		return 0, fmt.Errorf("mmio access size %d out of range 1-8", size)
	}
	base, err := b.dev.BAR0()
	if err != nil {
		return 0, err
	}
	data := make([]byte, size)
	if err := b.machine.HandleMMIO(base+offset, data, false); err != nil {
		return 0, err
	}
	var value uint64
	for i, v := range data {
		value |= uint64(v) << (8 * i)
	}
	return value, nil
}

func (b *board) close() error {
	if b.dev.State() == sst1.StateDetached {
		return nil
	}
	return b.dev.Close()
}

func checkConfigSize(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("config access size %d must be 1, 2 or 4", size)
	}
	if int(offset)+int(size) > pci.ConfigSpaceSize {
		return fmt.Errorf("config access %#x+%d beyond config space", offset, size)
	}
	return nil
}
