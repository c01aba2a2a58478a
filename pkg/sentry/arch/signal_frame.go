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

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/usermem"
)

// sstatusRestorable are the saved status bits a process may restore through
// sigreturn. SPP stays clear so the return lands in user mode no matter what
// the handler wrote into the frame.
const sstatusRestorable = riscv.StatusSIE | riscv.StatusSPIE | riscv.StatusFS | riscv.StatusSUM | riscv.StatusMXR

// UserImage returns a copy of the record as it may appear in user memory.
// The kernel slots carry no information across the user boundary.
func (c *TrapContext) UserImage() *TrapContext {
	n := *c
	n.KernelSATP = 0
	n.KernelSP = 0
	n.UserTrap = 0
	return &n
}

// SignalSetup modifies the context in preparation for handling the given
// signal.
//
// The whole context is pushed onto the user stack so that sigreturn can find
// it; the stack pointer moves down by exactly TrapContextSize. The handler
// enters with the signal number in a0, the address of the delivered
// SignalInfo in a1, and ra aimed at the sigreturn trampoline so that a plain
// return re-enters the kernel.
//
// st is the user stack, with Bottom at the interrupted stack pointer. act
// supplies the handler address and, with SA_RESTORER, a private restorer.
// info is written to infoAddr, the per-process SignalInfo slot. sigreturn is
// the trampoline return stub used when act carries no restorer.
func (c *TrapContext) SignalSetup(ctx context.Context, st *Stack, act *linux.SignalAct, info *SignalInfo, infoAddr hostarch.Addr, sigreturn uint64) error {
	frameAddr, err := st.PushTrapContext(ctx, c.UserImage())
	if err != nil {
		return err
	}
	// The info slot lives on the stubs page, mapped read-execute for the
	// process; the kernel writes it with its own authority.
	b := info.marshal()
	if _, err := st.IO.CopyOut(ctx, infoAddr, b[:], usermem.IOOpts{IgnorePermissions: true}); err != nil {
		return err
	}

	restorer := sigreturn
	if act.HasRestorer() {
		restorer = act.Restorer
	}

	// Set up registers. The saved status word is untouched: the handler
	// runs under the interrupted context's interrupt state.
	c.Regs[riscv.RegSP] = uint64(frameAddr)
	c.Sepc = act.Handler
	c.Regs[riscv.RegRA] = restorer
	c.Regs[riscv.RegA0] = uint64(info.Signo)
	c.Regs[riscv.RegA1] = uint64(infoAddr)
	return nil
}

// SignalRestore restores the context saved by SignalSetup after the handler
// returned through the sigreturn trampoline.
//
// The trampoline moves the stack pointer back above the pushed record before
// trapping, so the record sits just below st.Bottom. The read is validated
// against the process stack bounds before it is trusted; a handler that
// moved sp somewhere else gets EFAULT, not a kernel fault. The kernel slots
// and the privilege bits of the saved status word are never taken from user
// memory.
func (c *TrapContext) SignalRestore(ctx context.Context, st *Stack, stack hostarch.AddrRange) error {
	frameAddr := st.Bottom - TrapContextSize
	if frameAddr > st.Bottom {
		return linuxerr.EFAULT
	}
	frame, ok := frameAddr.ToRange(TrapContextSize)
	if !ok || !stack.IsSupersetOf(frame) {
		return linuxerr.EFAULT
	}

	var saved TrapContext
	if err := saved.CopyIn(ctx, st.IO, frameAddr); err != nil {
		return err
	}

	c.Regs = saved.Regs
	c.Regs[riscv.RegZero] = 0
	c.Sepc = saved.Sepc
	c.Sstatus = c.Sstatus&^sstatusRestorable | saved.Sstatus&sstatusRestorable
	return nil
}
