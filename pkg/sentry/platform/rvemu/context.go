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

package rvemu

import (
	pkgcontext "context"
	"fmt"

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
	"rvisor.dev/rvisor/pkg/sentry/platform/interrupt"
)

// context implements platform.Context.
type context struct {
	// machine is the hart pool.
	machine *machine

	// info is the signal info returned by Switch, reused across faults.
	info arch.SignalInfo

	// interrupt forwards Interrupt calls to whichever hart is running
	// this context, if any.
	interrupt interrupt.Forwarder
}

// Switch implements platform.Context.Switch.
func (c *context) Switch(ctx pkgcontext.Context, as platform.AddressSpace, ac *arch.TrapContext) (*arch.SignalInfo, hostarch.AccessType, error) {
	localAS := as.(*addressSpace)

	cpu := c.machine.Get()
	if !c.interrupt.Enable(cpu) {
		c.machine.Put(cpu) // Already preempted.
		return nil, hostarch.NoAccess, platform.ErrContextInterrupt
	}

	vector := cpu.SwitchToUser(ring0.SwitchOpts{
		TrapContext: ac,
		PageTables:  localAS.pt,
		UserASID:    localAS.asid,
		KernelSP:    ac.KernelSP,
	})
	faultAddr := cpu.GetFaultAddr()

	// Disable before returning the hart so a late Interrupt cannot chase
	// it into the pool.
	c.interrupt.Disable()
	c.machine.Put(cpu)

	if log.IsLogging(log.Debug) {
		log.Debugf("trap: %v, sepc=%#x, stval=%#x", vector, ac.Sepc, faultAddr)
	}

	switch vector {
	case ring0.Syscall:
		return nil, hostarch.NoAccess, nil

	case ring0.SoftwareInterrupt:
		return nil, hostarch.NoAccess, platform.ErrContextInterrupt

	case ring0.InstructionPageFault:
		return c.fault(localAS, faultAddr, hostarch.Execute)

	case ring0.LoadPageFault:
		return c.fault(localAS, faultAddr, hostarch.Read)

	case ring0.StorePageFault:
		return c.fault(localAS, faultAddr, hostarch.Write)

	case ring0.IllegalInstruction:
		c.info = arch.SignalInfo{
			Signo: int32(linux.SIGILL),
			Code:  linux.ILL_ILLOPC,
		}
		c.info.SetAddr(ac.Sepc)
		return &c.info, hostarch.NoAccess, platform.ErrContextSignal

	case ring0.Breakpoint:
		c.info = arch.SignalInfo{
			Signo: int32(linux.SIGTRAP),
			Code:  linux.TRAP_BRKPT,
		}
		c.info.SetAddr(ac.Sepc)
		return &c.info, hostarch.NoAccess, platform.ErrContextSignal

	case ring0.InstructionMisaligned, ring0.LoadMisaligned, ring0.StoreMisaligned:
		c.info = arch.SignalInfo{
			Signo: int32(linux.SIGBUS),
			Code:  linux.BUS_ADRALN,
		}
		c.info.SetAddr(faultAddr)
		return &c.info, hostarch.NoAccess, platform.ErrContextSignal

	default:
		// Access faults mean the supervisor mapped a frame outside
		// guest memory; interrupt vectors besides the bounce are never
		// armed. Either way the machine is broken.
		panic(fmt.Sprintf("unexpected vector %v (fault address %#x)", vector, faultAddr))
	}
}

// fault builds the signal for an application page fault, distinguishing a
// hole in the address space from a permission violation.
func (c *context) fault(as *addressSpace, faultAddr uint64, at hostarch.AccessType) (*arch.SignalInfo, hostarch.AccessType, error) {
	code := int32(linux.SEGV_MAPERR)
	if riscv.Canonical(faultAddr) {
		if _, _, size, _ := as.pt.Lookup(hostarch.Addr(faultAddr), false); size != 0 {
			code = linux.SEGV_ACCERR
		}
	}
	c.info = arch.SignalInfo{
		Signo: int32(linux.SIGSEGV),
		Code:  code,
	}
	c.info.SetAddr(faultAddr)
	return &c.info, at, platform.ErrContextSignal
}

// Interrupt implements platform.Context.Interrupt.
func (c *context) Interrupt() {
	c.interrupt.NotifyInterrupt()
}

// Release implements platform.Context.Release.
func (c *context) Release() {}
