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

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/usermem"
)

// ProcessContext layout, in 8-byte slots.
const (
	// ProcessContextSlots is the number of slots in the record: ra plus
	// the twelve callee-saved registers.
	ProcessContextSlots = 13

	// ProcessContextSize is the record size in bytes.
	ProcessContextSize = ProcessContextSlots * 8
)

// ProcessContext is the callee-saved half of a kernel call frame, pushed on
// a process's kernel stack by the cooperative switch primitive. The calling
// convention guarantees everything else is already spilled by the caller.
//
// The record's own address doubles as the saved stack pointer: resuming a
// context means loading sp with the record address, popping these slots, and
// returning through ra.
type ProcessContext struct {
	// RA is the address execution resumes at when the context is
	// switched back in.
	RA uint64

	// SavedRegs are the callee-saved registers s0..s11.
	SavedRegs [12]uint64
}

// NewProcessContext returns a context whose resumption returns through
// resume. A first switch into a fresh process uses the restore stub address
// here, so the process begins by entering user mode.
func NewProcessContext(resume uint64) *ProcessContext {
	return &ProcessContext{RA: resume}
}

// PushOn writes the record onto the kernel stack whose current top is sp and
// returns the record's address, the new stack top.
func (pc *ProcessContext) PushOn(ctx context.Context, uio usermem.IO, sp hostarch.Addr) (hostarch.Addr, error) {
	addr := sp - ProcessContextSize
	if addr > sp {
		return 0, linuxerr.EFAULT
	}
	var s [ProcessContextSlots]uint64
	s[0] = pc.RA
	copy(s[1:], pc.SavedRegs[:])
	if err := usermem.CopyUint64SliceOut(ctx, uio, addr, s[:], usermem.IOOpts{}); err != nil {
		return 0, err
	}
	return addr, nil
}

// PopFrom loads the record stored at addr.
func (pc *ProcessContext) PopFrom(ctx context.Context, uio usermem.IO, addr hostarch.Addr) error {
	var s [ProcessContextSlots]uint64
	if err := usermem.CopyUint64SliceIn(ctx, uio, addr, s[:], usermem.IOOpts{}); err != nil {
		return err
	}
	pc.RA = s[0]
	copy(pc.SavedRegs[:], s[1:])
	return nil
}
