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

package arch

import (
	"context"
	"fmt"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/usermem"
)

// TrapContext layout, in 8-byte slots. The trap entry stub stores registers
// at these offsets and the restore stub loads them back; both sides are
// checked against this table.
const (
	// TrapContextSlots is the number of slots in the record: x0..x31,
	// sstatus, sepc, and the three kernel slots.
	TrapContextSlots = 37

	// TrapContextSize is the record size in bytes.
	TrapContextSize = TrapContextSlots * 8

	trapCtxSstatus    = 32
	trapCtxSepc       = 33
	trapCtxKernelSATP = 34
	trapCtxKernelSP   = 35
	trapCtxUserTrap   = 36
)

// TrapContext is the complete saved state of an interrupted user execution.
//
// Exactly one lives in each process's address space at a fixed page, and it
// is the sole authoritative record of that process's suspended registers.
// The entry stub fills Regs, Sstatus, and Sepc on every trap; the three
// kernel slots are written once when the context is created and tell the
// entry stub how to reach the kernel.
//
// All fields are 8-byte words so the in-memory image matches the slot table
// above with no padding.
type TrapContext struct {
	// Regs are x0..x31. The x0 slot is hardwired zero and never
	// restored; every other register, tp included, survives the trap.
	Regs [32]uint64

	// Sstatus is the saved status word: interrupt enables and the
	// previous privilege level.
	Sstatus uint64

	// Sepc is the program counter at the trap.
	Sepc uint64

	// KernelSATP names the kernel address space to switch into on entry.
	KernelSATP uint64

	// KernelSP is the kernel stack the trap handler runs on.
	KernelSP uint64

	// UserTrap is the kernel trap handler entry point. This slot is
	// kernel-private: it is never copied to or from user memory.
	UserTrap uint64
}

// NewTrapContext returns a context prepared for a first entry into user
// mode: executing the restore stub on it lands at entry on the given stack,
// in user mode, with interrupts enabled.
func NewTrapContext(entry, sp, kernelSATP, kernelSP, userTrap uint64) *TrapContext {
	c := &TrapContext{
		// SPP clear selects user mode; SPIE transfers to SIE on the
		// return, enabling interrupts.
		Sstatus:    riscv.StatusSPIE,
		Sepc:       entry,
		KernelSATP: kernelSATP,
		KernelSP:   kernelSP,
		UserTrap:   userTrap,
	}
	c.Regs[riscv.RegSP] = sp
	return c
}

// Fork returns an exact copy of this context.
func (c *TrapContext) Fork() *TrapContext {
	n := *c
	return &n
}

// IP returns the current instruction pointer.
func (c *TrapContext) IP() uint64 {
	return c.Sepc
}

// SetIP sets the current instruction pointer.
func (c *TrapContext) SetIP(value uint64) {
	c.Sepc = value
}

// Stack returns the current stack pointer.
func (c *TrapContext) Stack() uint64 {
	return c.Regs[riscv.RegSP]
}

// SetStack sets the current stack pointer.
func (c *TrapContext) SetStack(value uint64) {
	c.Regs[riscv.RegSP] = value
}

// Status returns the saved status word.
func (c *TrapContext) Status() uint64 {
	return c.Sstatus
}

// SetStatus sets the saved status word.
func (c *TrapContext) SetStatus(value uint64) {
	c.Sstatus = value
}

// Reg returns general-purpose register i.
func (c *TrapContext) Reg(i int) uint64 {
	return c.Regs[i]
}

// SetReg sets general-purpose register i. Writes to x0 are ignored, as on
// the hart itself.
func (c *TrapContext) SetReg(i int, value uint64) {
	if i == riscv.RegZero {
		return
	}
	c.Regs[i] = value
}

// RA returns the return address register.
func (c *TrapContext) RA() uint64 {
	return c.Regs[riscv.RegRA]
}

// SetRA sets the return address register.
func (c *TrapContext) SetRA(value uint64) {
	c.Regs[riscv.RegRA] = value
}

// SyscallNo returns the syscall number register (a7).
func (c *TrapContext) SyscallNo() uint64 {
	return c.Regs[riscv.RegA7]
}

// SyscallArgs returns the syscall arguments (a0..a5) in an array.
func (c *TrapContext) SyscallArgs() SyscallArguments {
	return SyscallArguments{
		{Value: c.Regs[riscv.RegA0]},
		{Value: c.Regs[riscv.RegA1]},
		{Value: c.Regs[riscv.RegA2]},
		{Value: c.Regs[riscv.RegA3]},
		{Value: c.Regs[riscv.RegA4]},
		{Value: c.Regs[riscv.RegA5]},
	}
}

// Return returns the syscall return value register (a0).
func (c *TrapContext) Return() uint64 {
	return c.Regs[riscv.RegA0]
}

// SetReturn sets the syscall return value register.
func (c *TrapContext) SetReturn(value uint64) {
	c.Regs[riscv.RegA0] = value
}

// RegisterMap returns a map of all registers.
func (c *TrapContext) RegisterMap() map[string]uint64 {
	m := make(map[string]uint64, TrapContextSlots)
	for i, v := range c.Regs {
		m[riscv.RegName(i)] = v
	}
	m["sstatus"] = c.Sstatus
	m["sepc"] = c.Sepc
	return m
}

// String renders the user-visible registers for debug logging.
func (c *TrapContext) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x ra=%#x a0=%#x a7=%#x sstatus=%#x",
		c.Sepc, c.Regs[riscv.RegSP], c.Regs[riscv.RegRA],
		c.Regs[riscv.RegA0], c.Regs[riscv.RegA7], c.Sstatus)
}

// slots flattens the record into its in-memory slot image.
func (c *TrapContext) slots() [TrapContextSlots]uint64 {
	var s [TrapContextSlots]uint64
	copy(s[:32], c.Regs[:])
	s[trapCtxSstatus] = c.Sstatus
	s[trapCtxSepc] = c.Sepc
	s[trapCtxKernelSATP] = c.KernelSATP
	s[trapCtxKernelSP] = c.KernelSP
	s[trapCtxUserTrap] = c.UserTrap
	return s
}

// setSlots loads the record from a slot image.
func (c *TrapContext) setSlots(s [TrapContextSlots]uint64) {
	copy(c.Regs[:], s[:32])
	c.Sstatus = s[trapCtxSstatus]
	c.Sepc = s[trapCtxSepc]
	c.KernelSATP = s[trapCtxKernelSATP]
	c.KernelSP = s[trapCtxKernelSP]
	c.UserTrap = s[trapCtxUserTrap]
}

// CopyOut writes the full record to memory at addr.
func (c *TrapContext) CopyOut(ctx context.Context, uio usermem.IO, addr hostarch.Addr) error {
	s := c.slots()
	return usermem.CopyUint64SliceOut(ctx, uio, addr, s[:], usermem.IOOpts{})
}

// CopyIn loads the full record from memory at addr.
func (c *TrapContext) CopyIn(ctx context.Context, uio usermem.IO, addr hostarch.Addr) error {
	var s [TrapContextSlots]uint64
	if err := usermem.CopyUint64SliceIn(ctx, uio, addr, s[:], usermem.IOOpts{}); err != nil {
		return err
	}
	c.setSlots(s)
	return nil
}
