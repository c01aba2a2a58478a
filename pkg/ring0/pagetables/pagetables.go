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

// Package pagetables provides Sv39 page tables.
//
// The core functions must be safe to call from a nosplit context.
// Furthermore, this implementation goes to lengths to ensure that all
// functions are free from runtime allocation. Calls to NewPTEs/FreePTEs may
// be made during walks, but these can be cached elsewhere if required.
package pagetables

import (
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	//
	// This is saved only to prevent constant translation.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := new(PageTables)
	p.Init(a)
	return p
}

// Init initializes a set of PageTables.
//
//go:nosplit
func (p *PageTables) Init(allocator Allocator) {
	p.Allocator = allocator
	p.root = p.Allocator.NewPTEs()
	p.rootPhysical = p.Allocator.PhysicalFor(p.root)
}

// SATP returns the satp token naming these tables: Sv39 mode, the given
// ASID and the root table PPN.
//
//go:nosplit
func (p *PageTables) SATP(asid uint16) uint64 {
	return riscv.NewSATP(uint64(p.rootPhysical), asid)
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr // Input.
	physical uintptr // Input.
	opts     MapOpts // Input.
	prev     bool    // Output.
}

// visit is used for map.
//
//go:nosplit
func (v *mapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	p := v.physical + (start - v.target)
	if p&align != 0 {
		// We will install entries at a smaller granularity if we don't
		// install a valid entry here, however we must zap any existing
		// entry to ensure this happens.
		pte.Clear()
		return true
	}
	if pte.Valid() && (pte.Address() != p || pte.Opts() != v.opts) {
		v.prev = true
	}
	pte.Set(p, v.opts)
	return true
}

//go:nosplit
func (*mapVisitor) requiresAlloc() bool { return true }

//go:nosplit
func (*mapVisitor) requiresSplit() bool { return true }

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not
// overflow except to reach the exact top of the address space.
//
//go:nosplit
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) bool {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	v := mapVisitor{
		target:   uintptr(addr),
		physical: physical,
		opts:     opts,
	}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.prev
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

// visit unmaps the given entry.
//
//go:nosplit
func (v *unmapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	pte.Clear()
	v.count++
	return true
}

//go:nosplit
func (*unmapVisitor) requiresAlloc() bool { return false }

//go:nosplit
func (*unmapVisitor) requiresSplit() bool { return true }

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not
// overflow except to reach the exact top of the address space.
//
//go:nosplit
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	v := unmapVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.count > 0
}

// emptyVisitor is used for emptiness checks.
type emptyVisitor struct {
	count int
}

// visit counts the given entry.
//
//go:nosplit
func (v *emptyVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	v.count++
	return true
}

//go:nosplit
func (*emptyVisitor) requiresAlloc() bool { return false }

//go:nosplit
func (*emptyVisitor) requiresSplit() bool { return false }

// IsEmpty checks if the given range is empty.
//
// Precondition: addr & length must be page-aligned.
//
//go:nosplit
func (p *PageTables) IsEmpty(addr hostarch.Addr, length uintptr) bool {
	v := emptyVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.count == 0
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target    uintptr // Input & Output.
	findFirst bool    // Input.
	physical  uintptr // Output.
	size      uintptr // Output.
	opts      MapOpts // Output.
}

// visit matches the given address.
//
//go:nosplit
func (v *lookupVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	if !pte.Valid() {
		// If looking for the first, then we just keep iterating until
		// we find a valid entry.
		return v.findFirst
	}
	// Is this within the current range, and is this a valid mapping?
	v.target = start
	v.physical = pte.Address()
	v.size = align + 1
	v.opts = pte.Opts()
	return false
}

//go:nosplit
func (*lookupVisitor) requiresAlloc() bool { return false }

//go:nosplit
func (*lookupVisitor) requiresSplit() bool { return false }

// Lookup returns the physical address for the given virtual address.
//
// If findFirst is true, then the next valid address after addr is returned.
// If no valid address exists, then the returned size is zero. The search
// stays within the half of the address space containing addr.
//
//go:nosplit
func (p *PageTables) Lookup(addr hostarch.Addr, findFirst bool) (virtual hostarch.Addr, physical, size uintptr, opts MapOpts) {
	mask := uintptr(hostarch.PageSize - 1)
	addr &^= hostarch.Addr(mask)
	v := lookupVisitor{
		target:    uintptr(addr),
		findFirst: findFirst,
	}
	end := uintptr(addr) + 1
	if findFirst {
		if uintptr(addr) <= lowerTop {
			end = lowerTop + 1
		} else {
			end = 0
		}
	}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr), end)
	return hostarch.Addr(v.target), v.physical, v.size, v.opts
}
