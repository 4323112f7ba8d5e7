package pci

import (
	"encoding/binary"
	"fmt"
)

// ConfigSpaceSize is the size of a conventional PCI configuration space.
const ConfigSpaceSize = 256

// Type 0 header offsets.
const (
	ConfigVendorID      = 0x00
	ConfigDeviceID      = 0x02
	ConfigCommand       = 0x04
	ConfigStatus        = 0x06
	ConfigRevision      = 0x08
	ConfigClassCode     = 0x09
	ConfigCacheLineSize = 0x0c
	ConfigLatencyTimer  = 0x0d
	ConfigHeaderType    = 0x0e
	ConfigBAR0          = 0x10
	ConfigSubsystemVID  = 0x2c
	ConfigSubsystemID   = 0x2e
	ConfigInterruptLine = 0x3c
	ConfigInterruptPin  = 0x3d

	// ConfigDeviceSpecific is the first byte after the standard header.
	ConfigDeviceSpecific = 0x40
)

const (
	CommandIOSpace     = 1 << 0
	CommandMemorySpace = 1 << 1
	CommandBusMaster   = 1 << 2
	CommandIntxDisable = 1 << 10

	commandWritableMask = CommandIOSpace | CommandMemorySpace | CommandBusMaster | CommandIntxDisable
)

// BAR attribute bits.
const (
	BARSpaceMemory uint32 = 0 << 0
	BARSpaceIO     uint32 = 1 << 0
	BARMemType64   uint32 = 2 << 1
	barAttrMaskMem uint32 = 0xf
	barAttrMaskIO  uint32 = 0x3
)

// Class codes (base class << 16 | subclass << 8 | prog-if).
const (
	ClassDisplayOther uint32 = 0x038000
	ClassBridgeHost   uint32 = 0x060000
)

// Header holds the identification fields of a type 0 header.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Revision          uint8
	ClassCode         uint32
	SubsystemVendorID uint16
	SubsystemID       uint16
	InterruptPin      uint8
}

// Config is the canonical configuration space of one function. It applies the
// default write semantics: identification fields are read-only, BARs only
// accept bits above their size, and the device-specific area from 0x40 on is
// fully writable.
type Config struct {
	data  [ConfigSpaceSize]byte
	wmask [ConfigSpaceSize]byte
}

// NewConfig returns a configuration space populated from h.
func NewConfig(h Header) *Config {
	c := &Config{}
	binary.LittleEndian.PutUint16(c.data[ConfigVendorID:], h.VendorID)
	binary.LittleEndian.PutUint16(c.data[ConfigDeviceID:], h.DeviceID)
	c.data[ConfigRevision] = h.Revision
	c.data[ConfigClassCode+0] = byte(h.ClassCode)
	c.data[ConfigClassCode+1] = byte(h.ClassCode >> 8)
	c.data[ConfigClassCode+2] = byte(h.ClassCode >> 16)
	c.data[ConfigHeaderType] = 0x00
	binary.LittleEndian.PutUint16(c.data[ConfigSubsystemVID:], h.SubsystemVendorID)
	binary.LittleEndian.PutUint16(c.data[ConfigSubsystemID:], h.SubsystemID)
	c.data[ConfigInterruptPin] = h.InterruptPin

	binary.LittleEndian.PutUint16(c.wmask[ConfigCommand:], commandWritableMask)
	c.wmask[ConfigCacheLineSize] = 0xff
	c.wmask[ConfigLatencyTimer] = 0xff
	c.wmask[ConfigInterruptLine] = 0xff
	for i := ConfigDeviceSpecific; i < ConfigSpaceSize; i++ {
		c.wmask[i] = 0xff
	}
	return c
}

// SetBAR declares a 32-bit BAR of the given power-of-two size. Only address
// bits at or above the size are writable, so a guest sizing probe of
// 0xffffffff reads back the size mask with the attribute bits.
func (c *Config) SetBAR(index int, size uint32, attrs uint32) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("BAR size %#x must be a non-zero power of two", size)
	}
	attrMask := barAttrMaskMem
	if attrs&BARSpaceIO != 0 {
		attrMask = barAttrMaskIO
	}
	if attrs&BARMemType64 != 0 {
		return fmt.Errorf("64-bit BARs unsupported")
	}
	if size <= attrMask {
		return fmt.Errorf("BAR size %#x too small", size)
	}
	off := type0BAROffset + index*type0BARStride
	binary.LittleEndian.PutUint32(c.data[off:], attrs&attrMask)
	binary.LittleEndian.PutUint32(c.wmask[off:], ^(size - 1))
	return nil
}

// BAR returns the programmed base address of a 32-bit BAR.
func (c *Config) BAR(index int) uint64 {
	if index < 0 || index >= type0BARCount {
		return 0
	}
	raw := c.Long(uint16(type0BAROffset + index*type0BARStride))
	if raw&BARSpaceIO != 0 {
		return uint64(raw &^ barAttrMaskIO)
	}
	return uint64(raw &^ barAttrMaskMem)
}

// ReadConfig implements ConfigSpace.
func (c *Config) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	var value uint32
	for i := uint8(0); i < size; i++ {
		value |= uint32(c.data[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace. Bytes outside the write mask keep their
// current value.
func (c *Config) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	for i := uint8(0); i < size; i++ {
		idx := int(offset) + int(i)
		b := byte(value >> (8 * i))
		c.data[idx] = (c.data[idx] &^ c.wmask[idx]) | (b & c.wmask[idx])
	}
	return nil
}

// Long reads a little-endian dword, ignoring access rules.
func (c *Config) Long(offset uint16) uint32 {
	if int(offset)+4 > ConfigSpaceSize {
		return 0
	}
	return binary.LittleEndian.Uint32(c.data[offset:])
}

// SetLong stores a little-endian dword, ignoring the write mask. It is the
// device-side path used on reset.
func (c *Config) SetLong(offset uint16, value uint32) {
	if int(offset)+4 > ConfigSpaceSize {
		return
	}
	binary.LittleEndian.PutUint32(c.data[offset:], value)
}

// Word reads a little-endian word, ignoring access rules.
func (c *Config) Word(offset uint16) uint16 {
	if int(offset)+2 > ConfigSpaceSize {
		return 0
	}
	return binary.LittleEndian.Uint16(c.data[offset:])
}

// VendorID returns the vendor ID (offset 0x00).
func (c *Config) VendorID() uint16 { return c.Word(ConfigVendorID) }

// DeviceID returns the device ID (offset 0x02).
func (c *Config) DeviceID() uint16 { return c.Word(ConfigDeviceID) }

// Command returns the command register (offset 0x04).
func (c *Config) Command() uint16 { return c.Word(ConfigCommand) }

// ClassCode returns the 24-bit class code.
func (c *Config) ClassCode() uint32 {
	return uint32(c.data[ConfigClassCode+2])<<16 | uint32(c.data[ConfigClassCode+1])<<8 | uint32(c.data[ConfigClassCode])
}

func checkConfigAccess(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config access size %d", size)
	}
	if int(offset)+int(size) > ConfigSpaceSize {
		return fmt.Errorf("config access at %#x+%d beyond %d-byte space", offset, size, ConfigSpaceSize)
	}
	return nil
}

// RangesOverlap reports whether [aOff, aOff+aLen) and [bOff, bOff+bLen)
// intersect.
func RangesOverlap(aOff, aLen, bOff, bLen uint32) bool {
	if aLen == 0 || bLen == 0 {
		return false
	}
	return aOff < bOff+bLen && bOff < aOff+aLen
}
