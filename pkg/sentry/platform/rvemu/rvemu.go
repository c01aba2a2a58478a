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

// Package rvemu provides a platform backed by an emulated RISC-V machine.
//
// Guest physical memory is sparse host memory registered with the emulated
// bus. Address spaces are real Sv39 tables built inside that memory, so the
// tables ring0 writes are the tables the emulated MMU walks. A Switch
// stages the trap context in the guest, arms a pooled hart the way the
// restore sequence expects to find the machine, and steps the hart until a
// trap lands on the kernel anchor. The vector that comes back maps onto
// the platform contract: syscalls and faults return to the caller, bounced
// harts surface as preemption.
package rvemu

import (
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// RVEmu represents an emulated machine instance.
type RVEmu struct {
	// machine is the underlying machine.
	machine *machine
}

// Options configures a machine.
type Options struct {
	// MemorySize is the guest physical memory size in bytes. It is
	// rounded up to whole pages; zero selects DefaultMemorySize.
	MemorySize uint64

	// Harts bounds the hart pool. Zero selects one hart per host CPU.
	Harts int
}

// New returns a new emulated machine.
func New(opts Options) (*RVEmu, error) {
	m, err := newMachine(opts)
	if err != nil {
		return nil, err
	}
	return &RVEmu{machine: m}, nil
}

// Memory implements platform.Platform.Memory.
func (rv *RVEmu) Memory() platform.Memory {
	return rv.machine
}

// KernelAddressSpace implements platform.Platform.KernelAddressSpace.
func (rv *RVEmu) KernelAddressSpace() platform.AddressSpace {
	return rv.machine.kernelAS
}

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (rv *RVEmu) NewAddressSpace() (platform.AddressSpace, error) {
	return newAddressSpace(rv.machine)
}

// NewContext implements platform.Platform.NewContext.
func (rv *RVEmu) NewContext() platform.Context {
	return &context{
		machine: rv.machine,
	}
}

// Destroy waits for outstanding harts and releases the guest memory. No
// method may be called after Destroy.
func (rv *RVEmu) Destroy() {
	rv.machine.Destroy()
}
