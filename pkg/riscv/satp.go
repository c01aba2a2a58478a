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

package riscv

// Sv39 geometry. Pages are 4K; translation is three levels of 9 bits each,
// giving a 39-bit virtual address space split into a low half and a
// sign-extended high half.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	Sv39Levels   = 3
	Sv39VPNBits  = 9
	Sv39AddrBits = 39

	entriesPerTable = 1 << Sv39VPNBits
)

// satp fields. The PPN occupies bits 43:0, the ASID bits 59:44, and the
// mode bits 63:60.
const (
	SATPModeBare uint64 = 0
	SATPModeSv39 uint64 = 8

	satpModeShift = 60
	satpASIDShift = 44
	satpPPNMask   = 1<<satpASIDShift - 1
)

// NewSATP packs an Sv39 satp token from a page-aligned root table physical
// address and an ASID.
func NewSATP(root uint64, asid uint16) uint64 {
	return SATPModeSv39<<satpModeShift | uint64(asid)<<satpASIDShift | root>>PageShift
}

// SATPMode extracts the translation mode field of a satp token.
func SATPMode(satp uint64) uint64 {
	return satp >> satpModeShift
}

// SATPASID extracts the ASID field of a satp token.
func SATPASID(satp uint64) uint16 {
	return uint16(satp >> satpASIDShift)
}

// SATPRoot returns the physical address of the root table named by a satp
// token.
func SATPRoot(satp uint64) uint64 {
	return (satp & satpPPNMask) << PageShift
}

// VPN returns the virtual page number field of va for the given level.
// Level 2 is the root.
func VPN(va uint64, level int) uint64 {
	return (va >> (PageShift + level*Sv39VPNBits)) & (entriesPerTable - 1)
}

// Canonical returns true if va is a valid Sv39 virtual address: bits 63:39
// must equal bit 38.
func Canonical(va uint64) bool {
	top := int64(va) >> (Sv39AddrBits - 1)
	return top == 0 || top == -1
}

// Sv39 page table entry bits. The PPN field starts at bit 10.
const (
	PTEValid    uint64 = 1 << 0
	PTERead     uint64 = 1 << 1
	PTEWrite    uint64 = 1 << 2
	PTEExec     uint64 = 1 << 3
	PTEUser     uint64 = 1 << 4
	PTEGlobal   uint64 = 1 << 5
	PTEAccessed uint64 = 1 << 6
	PTEDirty    uint64 = 1 << 7

	PTEPPNShift = 10
)

// PTELeaf returns true if the entry maps a page rather than pointing at the
// next level table. An entry with any of R/W/X set is a leaf.
func PTELeaf(pte uint64) bool {
	return pte&(PTERead|PTEWrite|PTEExec) != 0
}

// PTEAddr returns the physical address a table entry points at.
func PTEAddr(pte uint64) uint64 {
	return pte >> PTEPPNShift << PageShift
}
