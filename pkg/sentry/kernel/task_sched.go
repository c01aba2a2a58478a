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

package kernel

import (
	"context"
	"fmt"

	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// Context switching between the processor loop and task kernel stacks.
//
// Each side of a switch owns a kernel stack in supervisor memory. Parking
// a side pushes its ProcessContext record onto its own stack and notes the
// record address; resuming pops the record back off. The record address
// doubles as the saved stack pointer, so a parked side is fully described
// by one word. Pushes and pops are exactly paired, which keeps both stacks
// at constant depth across any number of switches.
//
// The stacks live in guest memory mapped by the kernel address space. A
// failed push or pop therefore means the kernel's own mappings are broken,
// and there is nothing sensible to unwind to; these paths panic.

// switchTo resumes t's kernel execution context on the processor. The
// loop's own context parks on the tid 0 stack; t's record is popped from
// t's kernel stack.
//
// Preconditions: t is parked (t.kctxAddr != 0).
func (k *Kernel) switchTo(ctx context.Context, t *Task) {
	kio := k.Platform.KernelAddressSpace()
	addr, err := k.procCtx.PushOn(ctx, kio, k.procSP)
	if err != nil {
		panic(fmt.Sprintf("parking processor context at %#x: %v", k.procSP, err))
	}
	k.procCtxAddr = addr
	k.procSP = addr
	if err := t.kctx.PopFrom(ctx, kio, t.kctxAddr); err != nil {
		panic(fmt.Sprintf("resuming task %d context at %#x: %v", t.tid, t.kctxAddr, err))
	}
	t.ksp = t.kctxAddr + arch.ProcessContextSize
	t.kctxAddr = 0
}

// switchFrom parks t and resumes the processor loop, the inverse of
// switchTo.
//
// Preconditions: t holds the processor (t.kctxAddr == 0).
func (k *Kernel) switchFrom(ctx context.Context, t *Task) {
	kio := k.Platform.KernelAddressSpace()
	addr, err := t.kctx.PushOn(ctx, kio, t.ksp)
	if err != nil {
		panic(fmt.Sprintf("parking task %d context at %#x: %v", t.tid, t.ksp, err))
	}
	t.kctxAddr = addr
	t.ksp = 0
	k.resumeProcessor(ctx)
}

// switchFromExited resumes the processor loop after t's final slice. A
// dead task's context is not worth saving, so only the loop's parked
// record is popped and t's stack is abandoned where it stands.
//
// Preconditions: t holds the processor and has exited.
func (k *Kernel) switchFromExited(ctx context.Context, t *Task) {
	t.ksp = 0
	k.resumeProcessor(ctx)
}

// resumeProcessor pops the loop's parked record off the tid 0 stack.
func (k *Kernel) resumeProcessor(ctx context.Context) {
	kio := k.Platform.KernelAddressSpace()
	if err := k.procCtx.PopFrom(ctx, kio, k.procCtxAddr); err != nil {
		panic(fmt.Sprintf("resuming processor context at %#x: %v", k.procCtxAddr, err))
	}
	k.procSP = k.procCtxAddr + arch.ProcessContextSize
	k.procCtxAddr = 0
}
