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

package pagetables

import (
	"sync/atomic"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
)

// Sv39 geometry. Three levels, 512 entries each, 4K leaf pages.
const (
	pteShift = 12
	pmdShift = 21
	pgdShift = 30

	pteSize uintptr = 1 << pteShift
	pmdSize uintptr = 1 << pmdShift
	pgdSize uintptr = 1 << pgdShift

	entriesPerPage = 512

	pteMask = uintptr(entriesPerPage-1) << pteShift
	pmdMask = uintptr(entriesPerPage-1) << pmdShift
	pgdMask = uintptr(entriesPerPage-1) << pgdShift
)

// Sv39 virtual addresses are 39 bits, sign-extended through bit 63. The
// space is split into a lower half, a non-canonical hole, and an upper half.
const (
	lowerTop    = uintptr(1)<<39/2 - 1
	upperBottom = ^lowerTop
)

// super marks a leaf installed above the last level, held in an RSW bit.
// The hardware leaf test is R|W|X, which Set already produces; the marker
// exists so SetSuper can tag a not-yet-valid entry for the visitor.
const super = uint64(1) << 8

// MapOpts are mapping options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the mapping is a user mapping.
	User bool

	// Global indicates the mapping is present in every address space.
	Global bool
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE, including super page information.
//
//go:nosplit
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Valid returns true iff this entry is valid.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&riscv.PTEValid != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
//
//go:nosplit
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUint64((*uint64)(p))
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&riscv.PTERead != 0,
			Write:   v&riscv.PTEWrite != 0,
			Execute: v&riscv.PTEExec != 0,
		},
		User:   v&riscv.PTEUser != 0,
		Global: v&riscv.PTEGlobal != 0,
	}
}

// SetSuper sets this page as a super page at its level.
//
// The page must not be valid or a panic will result.
//
//go:nosplit
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	atomic.StoreUint64((*uint64)(p), super)
}

// IsSuper returns true iff this page is a super page.
//
//go:nosplit
func (p *PTE) IsSuper() bool {
	return atomic.LoadUint64((*uint64)(p))&super != 0
}

// Set sets this PTE value.
//
// Writable mappings always carry R: W-without-R encodings are reserved in
// the privileged ISA. A and D are preset so the emulated walker never has
// to write entries back.
//
//go:nosplit
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := uint64(addr)>>pteShift<<riscv.PTEPPNShift | riscv.PTEValid | riscv.PTEAccessed
	if opts.AccessType.Read {
		v |= riscv.PTERead
	}
	if opts.AccessType.Write {
		v |= riscv.PTERead | riscv.PTEWrite | riscv.PTEDirty
	}
	if opts.AccessType.Execute {
		v |= riscv.PTEExec
	}
	if opts.User {
		v |= riscv.PTEUser
	}
	if opts.Global {
		v |= riscv.PTEGlobal
	}
	if p.IsSuper() {
		v |= super
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// setPageTable sets this PTE value and forces the write bit and super bit
// to be cleared. A pointer entry is V with R, W and X all zero.
//
//go:nosplit
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&(pteSize-1) != 0 {
		// This should never happen.
		panic("unaligned physical address!")
	}
	v := uint64(addr)>>pteShift<<riscv.PTEPPNShift | riscv.PTEValid
	atomic.StoreUint64((*uint64)(p), v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
//
//go:nosplit
func (p *PTE) Address() uintptr {
	return uintptr(atomic.LoadUint64((*uint64)(p)) >> riscv.PTEPPNShift << pteShift)
}
