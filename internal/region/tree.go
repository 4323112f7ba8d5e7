package region

import (
	"errors"
	"fmt"
)

// Tree is a composed container region. Accesses must be serialized by the
// caller.
type Tree struct {
	root     *Region
	released bool
}

// Compose builds a container of the given size and lays subs out inside it at
// ascending, contiguous offsets starting from 0. Sizes must be non-zero and
// sum exactly to size. Storage regions get zeroed backing memory; if any
// allocation fails everything allocated so far is released.
func Compose(name string, size uint64, subs ...*Region) (*Tree, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: container %s has zero size", ErrLayout, name)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: container %s has no sub-regions", ErrLayout, name)
	}

	var offset uint64
	for _, sub := range subs {
		if sub == nil {
			return nil, fmt.Errorf("%w: nil sub-region in %s", ErrLayout, name)
		}
		if sub.Kind == KindContainer {
			return nil, fmt.Errorf("%w: nested container %s", ErrLayout, sub.Name)
		}
		if sub.Size == 0 {
			return nil, fmt.Errorf("%w: sub-region %s has zero size", ErrLayout, sub.Name)
		}
		if offset+sub.Size < offset {
			return nil, fmt.Errorf("%w: sub-region %s overflows", ErrLayout, sub.Name)
		}
		offset += sub.Size
	}
	if offset != size {
		return nil, fmt.Errorf("%w: sub-regions of %s cover 0x%x bytes, container is 0x%x", ErrLayout, name, offset, size)
	}

	root := &Region{Name: name, Kind: KindContainer, Size: size}
	t := &Tree{root: root}

	offset = 0
	for _, sub := range subs {
		sub.Offset = offset
		offset += sub.Size
		if sub.Kind == KindStorage {
			mem, err := allocBacking(sub.Name, sub.Size)
			if err != nil {
				t.releaseBacking()
				return nil, err
			}
			sub.backing = mem
		}
		root.children = append(root.children, sub)
	}
	return t, nil
}

// Root returns the container region.
func (t *Tree) Root() *Region {
	return t.root
}

// Size returns the container size, fixed at composition.
func (t *Tree) Size() uint64 {
	return t.root.Size
}

// Lookup finds a sub-region by name.
func (t *Tree) Lookup(name string) *Region {
	for _, child := range t.root.children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Read fills data from the container starting at offset. Bytes outside the
// container read as zero. An access crossing a sub-region boundary is split.
func (t *Tree) Read(offset uint64, data []byte) error {
	if t.released {
		return ErrReleased
	}
	t.walk(offset, data, func(r *Region, off uint64, chunk []byte) {
		r.read(off, chunk)
	}, func(chunk []byte) {
		clear(chunk)
	})
	return nil
}

// Write stores data into the container starting at offset. Bytes outside the
// container are dropped.
func (t *Tree) Write(offset uint64, data []byte) error {
	if t.released {
		return ErrReleased
	}
	t.walk(offset, data, func(r *Region, off uint64, chunk []byte) {
		r.write(off, chunk)
	}, func([]byte) {})
	return nil
}

func (t *Tree) walk(offset uint64, data []byte, hit func(*Region, uint64, []byte), miss func([]byte)) {
	cursor := 0
	for cursor < len(data) {
		cur := offset + uint64(cursor)
		child := t.find(cur)
		if child == nil {
			miss(data[cursor : cursor+1])
			cursor++
			continue
		}
		n := min(uint64(len(data)-cursor), child.End()-cur)
		hit(child, cur-child.Offset, data[cursor:cursor+int(n)])
		cursor += int(n)
	}
}

func (t *Tree) find(offset uint64) *Region {
	for _, child := range t.root.children {
		if offset >= child.Offset && offset < child.End() {
			return child
		}
	}
	return nil
}

// Release frees all backing storage. The tree is unusable afterwards.
func (t *Tree) Release() error {
	if t.released {
		return ErrReleased
	}
	t.released = true
	return t.releaseBacking()
}

// Released reports whether Release has been called.
func (t *Tree) Released() bool {
	return t.released
}

func (t *Tree) releaseBacking() error {
	var errs []error
	for _, child := range t.root.children {
		if child.Kind != KindStorage || child.backing == nil {
			continue
		}
		if err := freeBacking(child.backing); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", child.Name, err))
		}
		child.backing = nil
	}
	return errors.Join(errs...)
}
