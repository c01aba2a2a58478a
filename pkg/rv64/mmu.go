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
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
)

// pageFault returns the page fault exception matching the access kind,
// with the faulting virtual address in tval.
func pageFault(at hostarch.AccessType, va uint64) error {
	switch {
	case at.Execute:
		return Exception{riscv.CauseInsnPageFault, va}
	case at.Write:
		return Exception{riscv.CauseStorePageFault, va}
	default:
		return Exception{riscv.CauseLoadPageFault, va}
	}
}

// accessFault returns the access fault exception matching the access kind.
// It is raised when an access, or the page walk serving it, touches
// physical memory outside every region.
func accessFault(at hostarch.AccessType, va uint64) error {
	switch {
	case at.Execute:
		return Exception{riscv.CauseInsnAccessFault, va}
	case at.Write:
		return Exception{riscv.CauseStoreAccessFault, va}
	default:
		return Exception{riscv.CauseLoadAccessFault, va}
	}
}

// translate walks the Sv39 page tables rooted in satp and returns the
// physical address for va. Permissions follow priv and the SUM and MXR
// bits of sstatus; an empty access type checks only that a valid mapping
// exists. Accessed and dirty bits are set in the tables as the walk
// succeeds, the way a hardware updater would.
//
// This is a free function so the hart and the usermem adapter share one
// walker.
func translate(mem *Memory, satp, sstatus uint64, priv riscv.Privilege, va uint64, at hostarch.AccessType) (uint64, error) {
	if riscv.SATPMode(satp) != riscv.SATPModeSv39 {
		// Bare: physical addressing.
		return va, nil
	}
	if !riscv.Canonical(va) {
		return 0, pageFault(at, va)
	}

	table := riscv.SATPRoot(satp)
	for level := riscv.Sv39Levels - 1; ; level-- {
		pteAddr := table + 8*riscv.VPN(va, level)
		pte, ok := mem.ReadPhys(pteAddr, 8)
		if !ok {
			return 0, accessFault(at, va)
		}
		if pte&riscv.PTEValid == 0 || (pte&riscv.PTEWrite != 0 && pte&riscv.PTERead == 0) {
			// Invalid, or the reserved write-without-read encoding.
			return 0, pageFault(at, va)
		}

		if !riscv.PTELeaf(pte) {
			if level == 0 {
				return 0, pageFault(at, va)
			}
			table = riscv.PTEAddr(pte)
			continue
		}

		pa := riscv.PTEAddr(pte)
		span := uint64(riscv.PageSize) << (riscv.Sv39VPNBits * level)
		if pa&(span-1) != 0 {
			// Misaligned superpage.
			return 0, pageFault(at, va)
		}

		if at.Any() {
			if priv == riscv.PrivUser && pte&riscv.PTEUser == 0 {
				return 0, pageFault(at, va)
			}
			if priv == riscv.PrivSupervisor && pte&riscv.PTEUser != 0 {
				// Supervisor loads and stores to user pages need SUM.
				// Supervisor execution of user pages is never allowed.
				if at.Execute || sstatus&riscv.StatusSUM == 0 {
					return 0, pageFault(at, va)
				}
			}
			if at.Execute && pte&riscv.PTEExec == 0 {
				return 0, pageFault(at, va)
			}
			if at.Write && pte&riscv.PTEWrite == 0 {
				return 0, pageFault(at, va)
			}
			if at.Read && pte&riscv.PTERead == 0 {
				// MXR lets loads read execute-only pages.
				if sstatus&riscv.StatusMXR == 0 || pte&riscv.PTEExec == 0 {
					return 0, pageFault(at, va)
				}
			}
		}

		updated := pte | riscv.PTEAccessed
		if at.Write {
			updated |= riscv.PTEDirty
		}
		if updated != pte {
			mem.WritePhys(pteAddr, updated, 8)
		}

		return pa | va&(span-1), nil
	}
}

// load reads an n byte value at virtual address va. The hart requires
// natural alignment.
func (c *CPU) load(va uint64, n int) (uint64, error) {
	if va&uint64(n-1) != 0 {
		return 0, Exception{riscv.CauseLoadAddrMisaligned, va}
	}
	pa, err := translate(c.Mem, c.Satp, c.Sstatus, c.Priv, va, hostarch.Read)
	if err != nil {
		return 0, err
	}
	val, ok := c.Mem.ReadPhys(pa, n)
	if !ok {
		return 0, accessFault(hostarch.Read, va)
	}
	return val, nil
}

// store writes an n byte value at virtual address va. The hart requires
// natural alignment.
func (c *CPU) store(va, val uint64, n int) error {
	if va&uint64(n-1) != 0 {
		return Exception{riscv.CauseStoreAddrMisaligned, va}
	}
	pa, err := translate(c.Mem, c.Satp, c.Sstatus, c.Priv, va, hostarch.Write)
	if err != nil {
		return err
	}
	if !c.Mem.WritePhys(pa, val, n) {
		return accessFault(hostarch.Write, va)
	}
	return nil
}

// fetch reads the instruction word at PC.
func (c *CPU) fetch() (riscv.Insn, error) {
	if c.PC&3 != 0 {
		return 0, Exception{riscv.CauseInsnAddrMisaligned, c.PC}
	}
	pa, err := translate(c.Mem, c.Satp, c.Sstatus, c.Priv, c.PC, hostarch.Execute)
	if err != nil {
		return 0, err
	}
	word, ok := c.Mem.ReadPhys(pa, 4)
	if !ok {
		return 0, accessFault(hostarch.Execute, c.PC)
	}
	return riscv.Insn(word), nil
}
