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

// Package rv64 implements an interpreted RV64 hart.
//
// The hart models the supervisor and user privilege levels only: it comes
// out of reset in S-mode, the way a kernel sees the machine after firmware
// has delegated the standard traps. The instruction set is RV64IM plus
// Zicsr and the privileged instructions a supervisor needs (sret, wfi,
// sfence.vma). Address translation is Sv39 against sparse guest physical
// memory.
//
// A CPU is not safe for concurrent use. External interrupt state is
// injected by the owning goroutine between Step calls.
package rv64

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/riscv"
)

// Exception is an architectural trap raised during instruction execution.
// The interpreter converts it into the S-mode trap entry sequence; it never
// escapes Step.
type Exception struct {
	Cause uint64
	Tval  uint64
}

// Error implements error.Error.
func (e Exception) Error() string {
	return fmt.Sprintf("%s (tval=%#x)", riscv.CauseString(e.Cause), e.Tval)
}

// CPU is the state of a single hart.
type CPU struct {
	// X are the integer registers. The x0 slot is present but reads are
	// forced to zero and writes dropped by ReadReg and WriteReg.
	X [32]uint64

	// PC is the program counter.
	PC uint64

	// Priv is the current privilege level.
	Priv riscv.Privilege

	// Supervisor CSRs.
	Sstatus    uint64
	Sie        uint64
	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Sip        uint64
	Satp       uint64

	// Counters.
	Cycle   uint64
	Instret uint64

	// Mem is the guest physical memory.
	Mem *Memory
}

// NewCPU returns a hart in its reset state, attached to mem.
func NewCPU(mem *Memory) *CPU {
	return &CPU{
		Priv: riscv.PrivSupervisor,
		Mem:  mem,
	}
}

// Reset returns the hart to its reset state with the given entry point.
// Memory contents are not touched.
func (c *CPU) Reset(pc uint64) {
	for i := range c.X {
		c.X[i] = 0
	}
	c.PC = pc
	c.Priv = riscv.PrivSupervisor
	c.Sstatus = 0
	c.Sie = 0
	c.Stvec = 0
	c.Scounteren = 0
	c.Sscratch = 0
	c.Sepc = 0
	c.Scause = 0
	c.Stval = 0
	c.Sip = 0
	c.Satp = 0
	c.Cycle = 0
	c.Instret = 0
}

// ReadReg reads an integer register. x0 always reads as zero.
func (c *CPU) ReadReg(reg int) uint64 {
	if reg == riscv.RegZero {
		return 0
	}
	return c.X[reg]
}

// WriteReg writes an integer register. Writes to x0 are dropped.
func (c *CPU) WriteReg(reg int, val uint64) {
	if reg != riscv.RegZero {
		c.X[reg] = val
	}
}

// HandleTrap performs the architectural S-mode trap entry sequence: the
// interrupted pc moves to sepc, the cause and tval registers latch, the
// sstatus stack pushes (SPIE gets SIE, SIE clears, SPP records the prior
// privilege), and control transfers to stvec.
func (c *CPU) HandleTrap(cause, tval uint64) {
	c.Sepc = c.PC
	c.Scause = cause
	c.Stval = tval

	if c.Sstatus&riscv.StatusSIE != 0 {
		c.Sstatus |= riscv.StatusSPIE
	} else {
		c.Sstatus &^= riscv.StatusSPIE
	}
	c.Sstatus &^= riscv.StatusSIE

	if c.Priv == riscv.PrivSupervisor {
		c.Sstatus |= riscv.StatusSPP
	} else {
		c.Sstatus &^= riscv.StatusSPP
	}
	c.Priv = riscv.PrivSupervisor

	if c.Stvec&1 != 0 && riscv.IsInterrupt(cause) {
		// Vectored mode applies to interrupts only.
		c.PC = (c.Stvec &^ 3) + 4*riscv.CauseCode(cause)
	} else {
		c.PC = c.Stvec &^ 3
	}
}

// sret performs the trap return sequence, the inverse of HandleTrap: the
// sstatus stack pops (SIE gets SPIE, SPIE sets, SPP clears) and the hart
// drops to the privilege recorded in SPP.
func (c *CPU) sret() error {
	if c.Priv != riscv.PrivSupervisor {
		return Exception{riscv.CauseIllegalInsn, uint64(riscv.InsnSRET)}
	}

	if c.Sstatus&riscv.StatusSPIE != 0 {
		c.Sstatus |= riscv.StatusSIE
	} else {
		c.Sstatus &^= riscv.StatusSIE
	}
	c.Sstatus |= riscv.StatusSPIE

	if c.Sstatus&riscv.StatusSPP != 0 {
		c.Priv = riscv.PrivSupervisor
	} else {
		c.Priv = riscv.PrivUser
	}
	c.Sstatus &^= riscv.StatusSPP
	return nil
}

// PendingInterrupt returns the highest priority interrupt the hart would
// take before its next instruction, if any. Interrupts are taken from
// U-mode unconditionally and from S-mode only with SIE set.
func (c *CPU) PendingInterrupt() (uint64, bool) {
	pending := c.Sip & c.Sie
	if pending == 0 {
		return 0, false
	}
	if c.Priv == riscv.PrivSupervisor && c.Sstatus&riscv.StatusSIE == 0 {
		return 0, false
	}
	switch {
	case pending&riscv.IntExternal != 0:
		return riscv.CauseExternalInt, true
	case pending&riscv.IntSoftware != 0:
		return riscv.CauseSoftwareInt, true
	default:
		return riscv.CauseTimerInt, true
	}
}
