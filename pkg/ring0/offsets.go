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
	"io"
	"reflect"

	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// Emit prints the layout constants and structure offsets the emitted stubs
// depend on.
func Emit(w io.Writer) {
	fmt.Fprintf(w, "// Automatically generated, do not edit.\n")

	c := &CPU{}
	fmt.Fprintf(w, "\n// CPU offsets.\n")
	fmt.Fprintf(w, "#define CPU_SELF 0x%02x\n", reflect.ValueOf(&c.self).Pointer()-reflect.ValueOf(c).Pointer())
	fmt.Fprintf(w, "#define CPU_STVEC 0x%02x\n", reflect.ValueOf(&c.stvec).Pointer()-reflect.ValueOf(c).Pointer())
	fmt.Fprintf(w, "#define CPU_SSCRATCH 0x%02x\n", reflect.ValueOf(&c.sscratch).Pointer()-reflect.ValueOf(c).Pointer())
	fmt.Fprintf(w, "#define CPU_KERNEL_SATP 0x%02x\n", reflect.ValueOf(&c.kernelSATP).Pointer()-reflect.ValueOf(c).Pointer())
	fmt.Fprintf(w, "#define CPU_USER_SATP 0x%02x\n", reflect.ValueOf(&c.userSATP).Pointer()-reflect.ValueOf(c).Pointer())

	ctx := &arch.TrapContext{}
	fmt.Fprintf(w, "\n// Trap context offsets.\n")
	fmt.Fprintf(w, "#define CTX_REGS 0x%02x\n", reflect.ValueOf(&ctx.Regs[0]).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_SSTATUS 0x%02x\n", reflect.ValueOf(&ctx.Sstatus).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_SEPC 0x%02x\n", reflect.ValueOf(&ctx.Sepc).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_KERNEL_SATP 0x%02x\n", reflect.ValueOf(&ctx.KernelSATP).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_KERNEL_SP 0x%02x\n", reflect.ValueOf(&ctx.KernelSP).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_USER_TRAP 0x%02x\n", reflect.ValueOf(&ctx.UserTrap).Pointer()-reflect.ValueOf(ctx).Pointer())
	fmt.Fprintf(w, "#define CTX_SIZE 0x%02x\n", arch.TrapContextSize)

	fmt.Fprintf(w, "\n// Layout.\n")
	fmt.Fprintf(w, "#define TRAMPOLINE_BASE 0x%08x\n", uint64(TrampolineBase))
	fmt.Fprintf(w, "#define TRAP_CONTEXT_BASE 0x%08x\n", uint64(TrapContextBase))
	fmt.Fprintf(w, "#define USER_STUBS_BASE 0x%08x\n", uint64(UserStubsBase))
	fmt.Fprintf(w, "#define USER_STACK_TOP 0x%08x\n", uint64(UserStackTop))
	fmt.Fprintf(w, "#define KERNEL_STACK_SIZE 0x%08x\n", uint64(KernelStackSize))

	fmt.Fprintf(w, "\n// Vectors.\n")
	fmt.Fprintf(w, "#define Syscall 0x%02x\n", Syscall)
	fmt.Fprintf(w, "#define InstructionPageFault 0x%02x\n", InstructionPageFault)
	fmt.Fprintf(w, "#define LoadPageFault 0x%02x\n", LoadPageFault)
	fmt.Fprintf(w, "#define StorePageFault 0x%02x\n", StorePageFault)
	fmt.Fprintf(w, "#define SoftwareInterrupt 0x%02x\n", SoftwareInterrupt)
	fmt.Fprintf(w, "#define TimerInterrupt 0x%02x\n", TimerInterrupt)
}
