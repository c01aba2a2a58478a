// Copyright 2024 The rvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rv64

import (
	"fmt"

	"github.com/google/btree"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/memutil"
)

// Region is a contiguous range of guest physical memory, backed by an
// anonymous host mapping. The backing slice is shared with anything that
// obtains it through Memory.Slice, so host-side writes are immediately
// visible to the hart.
type Region struct {
	base uint64
	data []byte
}

// Less implements btree.Item.Less, ordering regions by base address.
func (r *Region) Less(than btree.Item) bool {
	return r.base < than.(*Region).base
}

// Memory is a sparse guest physical address space: a set of disjoint
// regions ordered in a btree. Accesses that touch no region fail, which
// the hart reports as access faults.
type Memory struct {
	regions *btree.BTree
}

// NewMemory returns an empty physical address space.
func NewMemory() *Memory {
	return &Memory{regions: btree.New(2)}
}

// AddRegion maps size bytes of zeroed memory at base. The new region may
// not overlap an existing one.
func (m *Memory) AddRegion(base, size uint64) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("bad region [%#x, %#x)", base, base+size)
	}
	var overlap *Region
	m.regions.DescendLessOrEqual(&Region{base: base + size - 1}, func(i btree.Item) bool {
		r := i.(*Region)
		if r.base+uint64(len(r.data)) > base {
			overlap = r
		}
		return false
	})
	if overlap != nil {
		return fmt.Errorf("region [%#x, %#x) overlaps [%#x, %#x)",
			base, base+size, overlap.base, overlap.base+uint64(len(overlap.data)))
	}
	data, err := memutil.MapAnonymous(uintptr(size))
	if err != nil {
		return fmt.Errorf("mapping %d bytes: %w", size, err)
	}
	m.regions.ReplaceOrInsert(&Region{base: base, data: data})
	return nil
}

// Release unmaps every region. The Memory must not be used afterwards.
func (m *Memory) Release() {
	for m.regions.Len() > 0 {
		r := m.regions.DeleteMin().(*Region)
		memutil.UnmapSlice(r.data)
	}
}

// Slice returns the host view of [pa, pa+n), or nil if the range is not
// contained in a single region.
func (m *Memory) Slice(pa uint64, n int) []byte {
	var view []byte
	m.regions.DescendLessOrEqual(&Region{base: pa}, func(i btree.Item) bool {
		r := i.(*Region)
		off := pa - r.base
		if off < uint64(len(r.data)) && uint64(n) <= uint64(len(r.data))-off {
			view = r.data[off : off+uint64(n)]
		}
		return false
	})
	return view
}

// ReadPhys reads an n byte little-endian value at pa. n must be 1, 2, 4
// or 8.
func (m *Memory) ReadPhys(pa uint64, n int) (uint64, bool) {
	view := m.Slice(pa, n)
	if view == nil {
		return 0, false
	}
	switch n {
	case 1:
		return uint64(view[0]), true
	case 2:
		return uint64(hostarch.ByteOrder.Uint16(view)), true
	case 4:
		return uint64(hostarch.ByteOrder.Uint32(view)), true
	case 8:
		return hostarch.ByteOrder.Uint64(view), true
	}
	panic(fmt.Sprintf("bad access width %d", n))
}

// WritePhys writes an n byte little-endian value at pa. n must be 1, 2, 4
// or 8.
func (m *Memory) WritePhys(pa uint64, val uint64, n int) bool {
	view := m.Slice(pa, n)
	if view == nil {
		return false
	}
	switch n {
	case 1:
		view[0] = byte(val)
	case 2:
		hostarch.ByteOrder.PutUint16(view, uint16(val))
	case 4:
		hostarch.ByteOrder.PutUint32(view, uint32(val))
	case 8:
		hostarch.ByteOrder.PutUint64(view, val)
	default:
		panic(fmt.Sprintf("bad access width %d", n))
	}
	return true
}

// ReadBytes copies len(dst) bytes from pa. The range must be contained in
// a single region.
func (m *Memory) ReadBytes(pa uint64, dst []byte) bool {
	view := m.Slice(pa, len(dst))
	if view == nil {
		return false
	}
	copy(dst, view)
	return true
}

// WriteBytes copies src to pa. The range must be contained in a single
// region.
func (m *Memory) WriteBytes(pa uint64, src []byte) bool {
	view := m.Slice(pa, len(src))
	if view == nil {
		return false
	}
	copy(view, src)
	return true
}
