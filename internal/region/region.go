// Package region composes the address-space tree that backs a PCI BAR: one
// container with ordered, contiguous sub-regions that either dispatch to a
// handler or are plain backing storage.
package region

import (
	"errors"
	"fmt"
)

var (
	ErrLayout   = errors.New("invalid region layout")
	ErrReleased = errors.New("region released")
)

// Kind tags the access policy of a Region.
type Kind int

const (
	KindContainer Kind = iota
	KindDispatch
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindDispatch:
		return "dispatch"
	case KindStorage:
		return "storage"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Handler serves accesses to a dispatch region. Offsets are relative to the
// start of the region and are always in range.
type Handler interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

// Region is one node of the tree. Exactly one of handler (KindDispatch),
// backing (KindStorage) or children (KindContainer) is set.
type Region struct {
	Name   string
	Kind   Kind
	Offset uint64
	Size   uint64

	handler  Handler
	backing  []byte
	children []*Region
}

// NewDispatch returns a region whose accesses go to h.
func NewDispatch(name string, size uint64, h Handler) *Region {
	return &Region{Name: name, Kind: KindDispatch, Size: size, handler: h}
}

// NewStorage returns a region that will be backed by zeroed memory once added
// to a tree with Compose.
func NewStorage(name string, size uint64) *Region {
	return &Region{Name: name, Kind: KindStorage, Size: size}
}

// End is the first offset past the region inside its container.
func (r *Region) End() uint64 {
	return r.Offset + r.Size
}

// Overlaps reports whether r and other share any byte of the container.
func (r *Region) Overlaps(other *Region) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// Bytes exposes the backing storage of a storage region. It returns nil for
// other kinds and after release.
func (r *Region) Bytes() []byte {
	return r.backing
}

// Children returns the sub-regions of a container in ascending offset order.
func (r *Region) Children() []*Region {
	return r.children
}

func (r *Region) read(offset uint64, data []byte) {
	switch r.Kind {
	case KindDispatch:
		if r.handler != nil {
			r.handler.Read(offset, data)
			return
		}
	case KindStorage:
		if r.backing != nil {
			copy(data, r.backing[offset:])
			return
		}
	}
	clear(data)
}

func (r *Region) write(offset uint64, data []byte) {
	switch r.Kind {
	case KindDispatch:
		if r.handler != nil {
			r.handler.Write(offset, data)
		}
	case KindStorage:
		if r.backing != nil {
			copy(r.backing[offset:], data)
		}
	}
}
