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
	"rvisor.dev/rvisor/pkg/riscv"
)

// Init initializes a new kernel.
//
//go:nosplit
func (k *Kernel) Init(opts KernelOpts) {
	k.KernelOpts = opts
}

// defaultHooks implements hooks.
type defaultHooks struct{}

// UserSwitch implements Hooks.UserSwitch.
func (defaultHooks) UserSwitch(*CPU, SwitchOpts) Vector {
	panic("no platform hooks installed")
}

// Init initializes a new CPU.
//
// Init allows embedding in other objects.
func (c *CPU) Init(k *Kernel, hooks Hooks) {
	c.self = c   // Set self reference.
	c.kernel = k // Set kernel reference.

	// Arm the trap surface. These values hold for the life of the CPU;
	// the platform rearms the hart from them on every switch.
	c.stvec = AddrOfUserTrapEntry()
	c.sscratch = AddrOfTrapContext()
	c.kernelSATP = k.PageTables.SATP(0)

	// Require hooks.
	if hooks != nil {
		c.hooks = hooks
	} else {
		c.hooks = defaultHooks{}
	}
}

// SwitchToUser performs an sret-based switch to the application register
// file.
//
// The status word is sanitized so the return lands in U-mode with
// interrupts enabled, whatever the context claims. The kernel slots of
// the context are refreshed for the next trap entry, then the run is
// delegated to the platform hooks. The return value is the vector that
// interrupted execution.
//
// Precondition: the context Sepc must be canonical.
func (c *CPU) SwitchToUser(switchOpts SwitchOpts) (vector Vector) {
	c.userSATP = switchOpts.PageTables.SATP(switchOpts.UserASID)

	// Sanitize the status word.
	ctx := switchOpts.TrapContext
	ctx.Sstatus &^= riscv.StatusSPP | riscv.StatusSIE
	ctx.Sstatus |= riscv.StatusSPIE

	// Refresh the kernel slots consumed by the next trap entry.
	ctx.KernelSATP = c.kernelSATP
	ctx.KernelSP = switchOpts.KernelSP
	ctx.UserTrap = AddrOfKernelTrap()

	return c.hooks.UserSwitch(c, switchOpts)
}
