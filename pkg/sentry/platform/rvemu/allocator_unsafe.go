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

package rvemu

import (
	"fmt"
	"sync"
	"unsafe"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// guestAllocator hands out page table nodes from guest physical memory, so
// the tables ring0 builds and the tables the emulated MMU walks are the
// same bytes.
//
// Translation between node pointers and physical addresses goes through the
// tracking maps rather than pointer arithmetic: guest frames live inside a
// host mapping whose base is not stable across machines.
//
// Each set of page tables owns one guestAllocator, released with the
// address space.
type guestAllocator struct {
	// machine is the frame source.
	machine *machine

	// mu protects the maps below.
	mu sync.Mutex

	// ptes maps node physical addresses to nodes.
	ptes map[uintptr]*pagetables.PTEs

	// phys is the inverse of ptes.
	phys map[*pagetables.PTEs]uintptr
}

func newGuestAllocator(m *machine) *guestAllocator {
	return &guestAllocator{
		machine: m,
		ptes:    make(map[uintptr]*pagetables.PTEs),
		phys:    make(map[*pagetables.PTEs]uintptr),
	}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a *guestAllocator) NewPTEs() *pagetables.PTEs {
	fr, err := a.machine.Allocate(hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("out of guest memory for page tables: %v", err))
	}
	slice := a.machine.mem.Slice(fr.Start, hostarch.PageSize)
	if slice == nil {
		panic(fmt.Sprintf("page table frame %v outside guest memory", fr))
	}
	ptes := (*pagetables.PTEs)(unsafe.Pointer(unsafe.SliceData(slice)))
	a.mu.Lock()
	a.ptes[uintptr(fr.Start)] = ptes
	a.phys[ptes] = uintptr(fr.Start)
	a.mu.Unlock()
	return ptes
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a *guestAllocator) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	physical, ok := a.phys[ptes]
	if !ok {
		panic("PhysicalFor of untracked node")
	}
	return physical
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a *guestAllocator) LookupPTEs(physical uintptr) *pagetables.PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptes, ok := a.ptes[physical]
	if !ok {
		panic(fmt.Sprintf("LookupPTEs of untracked physical %#x", physical))
	}
	return ptes
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a *guestAllocator) FreePTEs(ptes *pagetables.PTEs) {
	a.mu.Lock()
	physical, ok := a.phys[ptes]
	if !ok {
		a.mu.Unlock()
		panic("FreePTEs of untracked node")
	}
	delete(a.ptes, physical)
	delete(a.phys, ptes)
	a.mu.Unlock()
	a.machine.Free(platform.FileRange{
		Start: uint64(physical),
		End:   uint64(physical) + hostarch.PageSize,
	})
}

// Recycle implements pagetables.Allocator.Recycle.
func (a *guestAllocator) Recycle() {}

// release frees every node still owned by the allocator. Only an address
// space being torn down may call it; the tables are unwalkable afterwards.
func (a *guestAllocator) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for physical := range a.ptes {
		a.machine.Free(platform.FileRange{
			Start: uint64(physical),
			End:   uint64(physical) + hostarch.PageSize,
		})
	}
	a.ptes = nil
	a.phys = nil
}
