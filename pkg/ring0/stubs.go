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
	"unsafe"

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// Byte offsets of the non-register slots of arch.TrapContext, used by the
// emitted save and restore sequences.
const (
	ctxSstatus    = unsafe.Offsetof(arch.TrapContext{}.Sstatus)
	ctxSepc       = unsafe.Offsetof(arch.TrapContext{}.Sepc)
	ctxKernelSATP = unsafe.Offsetof(arch.TrapContext{}.KernelSATP)
	ctxKernelSP   = unsafe.Offsetof(arch.TrapContext{}.KernelSP)
	ctxUserTrap   = unsafe.Offsetof(arch.TrapContext{}.UserTrap)
)

// regSlot returns the byte offset of general register x<i> in the trap
// context.
func regSlot(i int) int64 {
	return int64(8 * i)
}

// entryStub builds the register save sequence armed in stvec.
//
// On entry sscratch holds the trap context address. The sequence saves the
// register file and the trap CSRs into the context, then leaves the
// application tables using the kernel slots refreshed by the last
// SwitchToUser. All context loads happen before the satp write; only the
// trampoline itself is touched afterwards.
func entryStub() []uint32 {
	code := []uint32{
		riscv.CSRRW(riscv.RegSP, riscv.CSRSscratch, riscv.RegSP),
		riscv.SD(riscv.RegRA, riscv.RegSP, regSlot(riscv.RegRA)),
		riscv.SD(riscv.RegGP, riscv.RegSP, regSlot(riscv.RegGP)),
	}
	for r := riscv.RegTP; r <= riscv.RegT6; r++ {
		code = append(code, riscv.SD(r, riscv.RegSP, regSlot(r)))
	}
	code = append(code,
		riscv.CSRR(riscv.RegT0, riscv.CSRSstatus),
		riscv.CSRR(riscv.RegT1, riscv.CSRSepc),
		riscv.SD(riscv.RegT0, riscv.RegSP, int64(ctxSstatus)),
		riscv.SD(riscv.RegT1, riscv.RegSP, int64(ctxSepc)),

		// The swap at entry left the application stack pointer in
		// sscratch.
		riscv.CSRR(riscv.RegT2, riscv.CSRSscratch),
		riscv.SD(riscv.RegT2, riscv.RegSP, regSlot(riscv.RegSP)),

		riscv.LD(riscv.RegT0, riscv.RegSP, int64(ctxKernelSATP)),
		riscv.LD(riscv.RegT1, riscv.RegSP, int64(ctxUserTrap)),
		riscv.LD(riscv.RegSP, riscv.RegSP, int64(ctxKernelSP)),
		riscv.CSRW(riscv.CSRSatp, riscv.RegT0),
		riscv.InsnSFenceVMA,
		riscv.JR(riscv.RegT1),
	)
	return code
}

// restoreStub builds the register restore sequence ending in sret.
//
// It is entered with the trap context address in a0 and the application
// satp token in a1. The context page is mapped at the same address in the
// application tables, so translation is switched before the loads; the
// kernel slots are left alone.
func restoreStub() []uint32 {
	code := []uint32{
		riscv.CSRW(riscv.CSRSatp, riscv.RegA1),
		riscv.InsnSFenceVMA,
		riscv.CSRW(riscv.CSRSscratch, riscv.RegA0),
		riscv.MV(riscv.RegSP, riscv.RegA0),
		riscv.LD(riscv.RegT0, riscv.RegSP, int64(ctxSstatus)),
		riscv.LD(riscv.RegT1, riscv.RegSP, int64(ctxSepc)),
		riscv.CSRW(riscv.CSRSstatus, riscv.RegT0),
		riscv.CSRW(riscv.CSRSepc, riscv.RegT1),
		riscv.LD(riscv.RegRA, riscv.RegSP, regSlot(riscv.RegRA)),
		riscv.LD(riscv.RegGP, riscv.RegSP, regSlot(riscv.RegGP)),
	}
	for r := riscv.RegTP; r <= riscv.RegT6; r++ {
		code = append(code, riscv.LD(r, riscv.RegSP, regSlot(r)))
	}
	code = append(code,
		riscv.LD(riscv.RegSP, riscv.RegSP, regSlot(riscv.RegSP)),
		riscv.InsnSRET,
	)
	return code
}

// kernelTrapStub is the landing pad named by the UserTrap slot. Harts stop
// at this anchor before executing it; the pad exists so the jump target is
// mapped in both address spaces.
func kernelTrapStub() []uint32 {
	return []uint32{
		riscv.InsnWFI,
		riscv.JAL(riscv.RegZero, 0),
	}
}

// sigreturnStub invokes rt_sigreturn. Delivery points ra here so that
// handlers without a registered restorer return into the kernel. The stack
// pointer moves back above the pushed context before the trap; the kernel
// reads the context from just below the restored pointer.
func sigreturnStub() []uint32 {
	return []uint32{
		riscv.ADDI(riscv.RegSP, riscv.RegSP, arch.TrapContextSize),
		riscv.LI(riscv.RegA7, linux.SYS_RT_SIGRETURN),
		riscv.InsnECALL,
		riscv.InsnEBREAK,
	}
}

// ignoreStub is the disposition stub for ignored signals. It returns
// through ra, which delivery points at the sigreturn stub.
func ignoreStub() []uint32 {
	return []uint32{
		riscv.InsnRET,
	}
}

// terminateStub is the disposition stub for fatal signals. Delivery leaves
// the signal number in a0, which becomes the exit status.
func terminateStub() []uint32 {
	return []uint32{
		riscv.LI(riscv.RegA7, linux.SYS_EXIT),
		riscv.InsnECALL,
		riscv.InsnEBREAK,
	}
}

// emit packs code words into page at off.
func emit(page []byte, off int, code []uint32) {
	for i, insn := range code {
		hostarch.ByteOrder.PutUint32(page[off+4*i:], insn)
	}
}

// Trampoline renders the contents of the shared trampoline page. The
// untouched remainder of the page is zero, which decodes as an illegal
// instruction.
func Trampoline() []byte {
	page := make([]byte, hostarch.PageSize)
	emit(page, userTrapEntryOffset, entryStub())
	emit(page, userRestoreOffset, restoreStub())
	emit(page, kernelTrapOffset, kernelTrapStub())
	return page
}

// UserStubs renders the contents of a task's stub page. The signal info
// slot is zero until delivery fills it.
func UserStubs() []byte {
	page := make([]byte, hostarch.PageSize)
	emit(page, sigreturnOffset, sigreturnStub())
	emit(page, ignoreHandlerOffset, ignoreStub())
	emit(page, terminateHandlerOffset, terminateStub())
	return page
}
