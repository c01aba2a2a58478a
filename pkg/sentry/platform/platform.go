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

// Package platform provides a Platform abstraction.
//
// A Platform is an execution environment for application code. It owns the
// physical memory applications run against, builds address spaces over that
// memory, and runs register state in those address spaces until a trap
// hands control back. The kernel is written against this boundary; rvemu
// provides the implementation, backed by an emulated RISC-V hart.
package platform

import (
	"context"
	"fmt"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/usermem"
)

// Platform provides abstractions for execution contexts (Context) and
// memory management (Memory, AddressSpace).
type Platform interface {
	// Memory returns the platform memory. Ranges allocated from it are
	// the currency of AddressSpace.MapFile.
	Memory() Memory

	// KernelAddressSpace returns the supervisor address space shared by
	// every context. Kernel stacks are mapped here, and the trampoline
	// page is visible at the same address as in every task.
	KernelAddressSpace() AddressSpace

	// NewAddressSpace returns a new address space for application code,
	// with the trampoline, trap context and stub pages already installed
	// at their fixed addresses.
	NewAddressSpace() (AddressSpace, error)

	// NewContext returns a new execution context.
	NewContext() Context
}

// Memory is the platform's physical memory provider.
type Memory interface {
	// Allocate returns a zeroed range of exactly length bytes, which
	// must be a non-zero multiple of the page size.
	Allocate(length uint64) (FileRange, error)

	// Free returns an allocated range to the platform. The range must
	// no longer be mapped in any address space.
	Free(fr FileRange)
}

// Context represents the execution context for a single thread.
type Context interface {
	// Switch resumes execution of the register state ac in the address
	// space as until a trap returns control to the kernel.
	//
	// If the application invoked a system call, Switch returns a nil
	// error; the number and arguments are in ac. If the application
	// faulted, Switch returns ErrContextSignal, a SignalInfo describing
	// the fault, and the access type that raised it. If a call to
	// Interrupt preempted the slice, Switch returns ErrContextInterrupt.
	//
	// Switch updates ac with the application state captured at the trap.
	Switch(ctx context.Context, as AddressSpace, ac *arch.TrapContext) (*arch.SignalInfo, hostarch.AccessType, error)

	// Interrupt interrupts a concurrent call to Switch, causing it to
	// return ErrContextInterrupt. If no call is active, the next one is
	// interrupted instead. If Interrupt races with the end of a Switch,
	// the interrupt may be coalesced into the trap being returned.
	Interrupt()

	// Release releases resources associated with the context.
	Release()
}

// AddressSpace represents a single virtual address space.
type AddressSpace interface {
	// MapFile installs a mapping of the platform memory range fr at
	// addr with the given permissions.
	//
	// Preconditions: addr and fr must be page-aligned, and fr must have
	// been allocated from the platform memory.
	MapFile(addr hostarch.Addr, fr FileRange, at hostarch.AccessType) error

	// Unmap unmaps the given range.
	//
	// Preconditions: addr and length must be page-aligned.
	Unmap(addr hostarch.Addr, length uint64)

	// Token returns the translation token naming this address space:
	// the satp value armed before entering application code, and the
	// value the restore sequence installs.
	Token() uint64

	// IO is the supervisor's view of the address space. Mapping
	// permissions apply unless IgnorePermissions is set, which is how
	// application images are written through read-only mappings.
	usermem.IO

	// Release releases the address space, returning its page tables and
	// translation tag to the platform.
	Release()
}

var (
	// ErrContextSignal is returned by Context.Switch() to indicate that
	// the Context was interrupted by a signal.
	ErrContextSignal = fmt.Errorf("interrupted by signal")

	// ErrContextInterrupt is returned by Context.Switch() to indicate
	// that the Context was interrupted by a call to Interrupt().
	ErrContextInterrupt = fmt.Errorf("interrupted by platform.Context.Interrupt()")
)
