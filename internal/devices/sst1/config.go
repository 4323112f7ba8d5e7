package sst1

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/sst1/internal/devices/pci"
)

// OnConfigWrite implements pci.ConfigWriteObserver. The host has already
// committed the bytes; if they touch BAR0 or initEnable the whole register is
// read back, since a narrow write only replaces part of it.
func (d *Device) OnConfigWrite(offset uint16, size uint8) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	if pci.RangesOverlap(uint32(offset), uint32(size), pci.ConfigBAR0, 4) {
		d.syncBAR0()
	}
	if !pci.RangesOverlap(uint32(offset), uint32(size), InitEnableOffset, InitEnableSize) {
		return nil
	}
	val := d.config.Long(InitEnableOffset)
	slog.Debug("sst1: initEnable write", "addr", fmt.Sprintf("%#x", offset), "val", fmt.Sprintf("%#x", val), "len", size)
	d.updateInitEnable(val)
	return nil
}

func (d *Device) updateInitEnable(val uint32) {
	flags, err := Decode(val)
	if err != nil {
		if d.opts.Policy == PolicyStrict {
			panic(err)
		}
		slog.Warn("sst1: ignoring undefined initEnable bits", "val", fmt.Sprintf("%#x", val))
		flags, _ = Decode(val & initEnableDefinedBits)
	}
	d.initEnable = val
	d.flags = flags
}
