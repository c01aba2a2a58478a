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
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
)

// Fixed layout of the privileged end of every address space.
//
// The trampoline page is mapped globally at the same address in the kernel
// and in every task, so the entry and restore sequences survive the satp
// switch they perform. The trap context and user stub pages are per-task
// frames mapped below it. The page above the application stack is left
// unmapped as a guard.
const (
	// TrampolineBase is the shared trampoline page.
	TrampolineBase = 0xfffffffffffff000

	// TrapContextBase is the per-task trap context page. It is
	// supervisor-only; applications reach their saved state exclusively
	// through signal frames.
	TrapContextBase = TrampolineBase - hostarch.PageSize

	// UserStubsBase is the per-task page holding the stubs signal
	// handling returns through, and the slot signal info is delivered
	// in.
	UserStubsBase = TrapContextBase - hostarch.PageSize

	// UserStackTop is the initial application stack pointer.
	UserStackTop = UserStubsBase - hostarch.PageSize

	// UserStackSize is the application stack reservation.
	UserStackSize = 32 * hostarch.PageSize

	// KernelStackSize is the per-task kernel stack reservation.
	KernelStackSize = 32 * hostarch.PageSize
)

// Entry point offsets within the trampoline page.
const (
	userTrapEntryOffset = 0x000
	userRestoreOffset   = 0x200
	kernelTrapOffset    = 0x400
)

// Offsets within the user stub page.
const (
	sigreturnOffset        = 0x000
	ignoreHandlerOffset    = 0x040
	terminateHandlerOffset = 0x080
	signalInfoOffset       = 0x200
)

// AddrOfUserTrapEntry returns the address armed in stvec: the register
// save sequence at the head of the trampoline.
//
//go:nosplit
func AddrOfUserTrapEntry() uint64 {
	return TrampolineBase + userTrapEntryOffset
}

// AddrOfUserRestore returns the address of the register restore sequence.
// It is entered with the trap context address in a0 and the application
// satp token in a1.
//
//go:nosplit
func AddrOfUserRestore() uint64 {
	return TrampolineBase + userRestoreOffset
}

// AddrOfKernelTrap returns the address the entry stub hands control to
// after switching to the kernel tables. Harts are stopped at this anchor
// rather than executing through it.
//
//go:nosplit
func AddrOfKernelTrap() uint64 {
	return TrampolineBase + kernelTrapOffset
}

// AddrOfTrapContext returns the fixed trap context address.
//
//go:nosplit
func AddrOfTrapContext() uint64 {
	return TrapContextBase
}

// AddrOfSigreturn returns the stub a signal handler returns through when
// no restorer is registered.
//
//go:nosplit
func AddrOfSigreturn() uint64 {
	return UserStubsBase + sigreturnOffset
}

// AddrOfIgnoreHandler returns the disposition stub for ignored signals.
//
//go:nosplit
func AddrOfIgnoreHandler() uint64 {
	return UserStubsBase + ignoreHandlerOffset
}

// AddrOfTerminateHandler returns the disposition stub for fatal signals.
//
//go:nosplit
func AddrOfTerminateHandler() uint64 {
	return UserStubsBase + terminateHandlerOffset
}

// AddrOfSignalInfo returns the fixed address signal info is delivered in.
//
//go:nosplit
func AddrOfSignalInfo() uint64 {
	return UserStubsBase + signalInfoOffset
}

// KernelStackTop returns the exclusive top of the kernel stack for tid.
//
// Kernel stacks are carved downward from the trampoline, one per task,
// with an unmapped page between neighbors.
//
//go:nosplit
func KernelStackTop(tid uint64) uint64 {
	return TrampolineBase - tid*(KernelStackSize+hostarch.PageSize)
}

// KernelStackBottom returns the lowest mapped byte of the kernel stack for
// tid.
//
//go:nosplit
func KernelStackBottom(tid uint64) uint64 {
	return KernelStackTop(tid) - KernelStackSize
}

// MapTrampoline installs the shared trampoline page into pt. physical
// names the frame holding the Trampoline bytes. The mapping is global and
// supervisor-only.
func MapTrampoline(pt *pagetables.PageTables, physical uintptr) {
	pt.Map(TrampolineBase, hostarch.PageSize, pagetables.MapOpts{
		AccessType: hostarch.ReadExecute,
		Global:     true,
	}, physical)
}

// MapTrapContext installs a task's trap context frame into pt.
func MapTrapContext(pt *pagetables.PageTables, physical uintptr) {
	pt.Map(TrapContextBase, hostarch.PageSize, pagetables.MapOpts{
		AccessType: hostarch.ReadWrite,
	}, physical)
}

// MapUserStubs installs a task's stub page into pt. Applications execute
// these, so the page is user-visible.
func MapUserStubs(pt *pagetables.PageTables, physical uintptr) {
	pt.Map(UserStubsBase, hostarch.PageSize, pagetables.MapOpts{
		AccessType: hostarch.ReadExecute,
		User:       true,
	}, physical)
}
