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

package ring0

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// KernelOpts is the set of creation options.
	KernelOpts
}

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// PageTables are the kernel tables. These must hold the trampoline
	// mapping and the kernel stacks; this must be provided.
	PageTables *pagetables.PageTables
}

// Hooks are hooks into the platform.
//
// The hart that executes application code lives behind this interface.
// SwitchToUser arms the CPU state and delegates the entry and exit
// sequence to the hook.
type Hooks interface {
	// UserSwitch runs application state on a hart until it traps back
	// into the kernel, returning the trap vector taken.
	UserSwitch(c *CPU, opts SwitchOpts) Vector
}

// CPU is the per-CPU struct.
type CPU struct {
	// self is a self reference.
	//
	// This is always guaranteed to be at offset zero.
	self *CPU

	// kernel is a reference to the kernel that this CPU was initialized
	// with. This reference is kept for accessing the kernel data when
	// the CPU is found in an invalid state.
	kernel *Kernel

	// CPUArchState is the hart state.
	CPUArchState

	// hooks are kernel hooks.
	hooks Hooks
}

// CPUArchState is the hart state armed for, and recorded after, each user
// switch.
type CPUArchState struct {
	// stvec is the supervisor trap vector. Every trap taken while
	// application code runs enters the trampoline here.
	stvec uint64

	// sscratch holds the trap context address while application code
	// runs; the entry stub swaps it with the stack pointer.
	sscratch uint64

	// kernelSATP names the kernel tables.
	kernelSATP uint64

	// userSATP names the tables of the most recent user switch.
	userSATP uint64

	// vector is the most recent trap vector.
	vector Vector

	// faultAddr is the stval value captured with vector.
	faultAddr uint64
}

// STVec returns the armed supervisor trap vector.
//
//go:nosplit
func (c *CPU) STVec() uint64 {
	return c.stvec
}

// SScratch returns the armed sscratch value.
//
//go:nosplit
func (c *CPU) SScratch() uint64 {
	return c.sscratch
}

// KernelSATP returns the satp token naming the kernel tables.
//
//go:nosplit
func (c *CPU) KernelSATP() uint64 {
	return c.kernelSATP
}

// UserSATP returns the satp token of the most recent user switch.
//
//go:nosplit
func (c *CPU) UserSATP() uint64 {
	return c.userSATP
}

// GetVector returns the vector of the most recent trap.
//
//go:nosplit
func (c *CPU) GetVector() Vector {
	return c.vector
}

// GetFaultAddr returns the fault address register.
//
//go:nosplit
func (c *CPU) GetFaultAddr() uint64 {
	return c.faultAddr
}

// SetTrap records the vector and fault address of a trap. The platform
// calls this before returning from UserSwitch.
//
//go:nosplit
func (c *CPU) SetTrap(vector Vector, faultAddr uint64) {
	c.vector = vector
	c.faultAddr = faultAddr
}

// SwitchOpts are options for a kernel switch.
type SwitchOpts struct {
	// TrapContext is the register file to resume.
	TrapContext *arch.TrapContext

	// PageTables are the application tables to install.
	PageTables *pagetables.PageTables

	// UserASID is the address space tag for the application tables.
	UserASID uint16

	// KernelSP is the kernel stack armed for the next trap taken by
	// this task.
	KernelSP uint64

	// Flush forces a TLB flush on switch even if the ASID is stable.
	Flush bool
}

// Vector is a trap vector.
type Vector uintptr

// Exception vectors, numbered as scause encodes them.
const (
	InstructionMisaligned Vector = iota
	InstructionAccessFault
	IllegalInstruction
	Breakpoint
	LoadMisaligned
	LoadAccessFault
	StoreMisaligned
	StoreAccessFault
	UserCall
	SupervisorCall
	_
	_
	InstructionPageFault
	LoadPageFault
	_
	StorePageFault
	exceptionVectors
)

// Interrupt vectors are folded in above the exceptions, keeping their
// scause codes.
const (
	SoftwareInterrupt Vector = exceptionVectors + 1
	TimerInterrupt    Vector = exceptionVectors + 5
	ExternalInterrupt Vector = exceptionVectors + 9

	_NR_VECTORS = exceptionVectors + 16
)

// Syscall is the vector taken by an ecall from application code.
const Syscall = UserCall

// VectorFromCause folds an scause value onto the vector space.
//
//go:nosplit
func VectorFromCause(cause uint64) Vector {
	if riscv.IsInterrupt(cause) {
		return exceptionVectors + Vector(riscv.CauseCode(cause))
	}
	return Vector(cause)
}

// IsPageFault returns true for the translation fault vectors.
//
//go:nosplit
func (v Vector) IsPageFault() bool {
	switch v {
	case InstructionPageFault, LoadPageFault, StorePageFault:
		return true
	}
	return false
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case InstructionMisaligned:
		return "InstructionMisaligned"
	case InstructionAccessFault:
		return "InstructionAccessFault"
	case IllegalInstruction:
		return "IllegalInstruction"
	case Breakpoint:
		return "Breakpoint"
	case LoadMisaligned:
		return "LoadMisaligned"
	case LoadAccessFault:
		return "LoadAccessFault"
	case StoreMisaligned:
		return "StoreMisaligned"
	case StoreAccessFault:
		return "StoreAccessFault"
	case UserCall:
		return "Syscall"
	case SupervisorCall:
		return "SupervisorCall"
	case InstructionPageFault:
		return "InstructionPageFault"
	case LoadPageFault:
		return "LoadPageFault"
	case StorePageFault:
		return "StorePageFault"
	case SoftwareInterrupt:
		return "SoftwareInterrupt"
	case TimerInterrupt:
		return "TimerInterrupt"
	case ExternalInterrupt:
		return "ExternalInterrupt"
	default:
		return fmt.Sprintf("Vector(%d)", uintptr(v))
	}
}
