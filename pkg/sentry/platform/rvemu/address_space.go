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

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/rv64"
	"rvisor.dev/rvisor/pkg/sentry/platform"
	"rvisor.dev/rvisor/pkg/usermem"
)

// addressSpace is a wrapper for a set of Sv39 tables built in guest memory.
type addressSpace struct {
	// machine is the underlying machine.
	machine *machine

	// pt are the tables the emulated MMU walks for this space.
	pt *pagetables.PageTables

	// alloc owns the table nodes.
	alloc *guestAllocator

	// asid names pt in satp tokens.
	asid uint16

	// kernel marks the supervisor space: mappings in it are never user
	// accessible, and it cannot be released.
	kernel bool

	// io reads and writes the space the way the hart would, by walking
	// pt for every access.
	io *rv64.IO

	// frames back the per-task privileged pages.
	frames []platform.FileRange
}

// newAddressSpace returns an application address space: fresh tables with
// the shared trampoline and new trap context and user stub frames installed
// at the fixed layout.
func newAddressSpace(m *machine) (*addressSpace, error) {
	alloc := newGuestAllocator(m)
	as := &addressSpace{
		machine: m,
		pt:      pagetables.New(alloc),
		alloc:   alloc,
	}
	as.asid, _ = m.asids.Assign(as.pt)
	as.io = rv64.NewIO(m.mem, as.pt.SATP(as.asid))

	ring0.MapTrampoline(as.pt, uintptr(m.trampoline.Start))

	ctxFr, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		as.Release()
		return nil, err
	}
	as.frames = append(as.frames, ctxFr)
	ring0.MapTrapContext(as.pt, uintptr(ctxFr.Start))

	stubsFr, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		as.Release()
		return nil, err
	}
	as.frames = append(as.frames, stubsFr)
	if !m.mem.WriteBytes(stubsFr.Start, ring0.UserStubs()) {
		panic(fmt.Sprintf("user stub frame %v outside guest memory", stubsFr))
	}
	ring0.MapUserStubs(as.pt, uintptr(stubsFr.Start))

	return as, nil
}

// MapFile implements platform.AddressSpace.MapFile.
func (as *addressSpace) MapFile(addr hostarch.Addr, fr platform.FileRange, at hostarch.AccessType) error {
	length := fr.Length()
	if !addr.IsPageAligned() || length == 0 || length%hostarch.PageSize != 0 || fr.Start%hostarch.PageSize != 0 {
		return linuxerr.EINVAL
	}
	end, ok := addr.AddLength(length)
	if !ok || !riscv.Canonical(uint64(addr)) || !riscv.Canonical(uint64(end-1)) {
		return linuxerr.EINVAL
	}
	if as.machine.mem.Slice(fr.Start, int(length)) == nil {
		return linuxerr.EFAULT
	}
	as.pt.Map(addr, uintptr(length), pagetables.MapOpts{
		AccessType: at,
		User:       !as.kernel,
	}, uintptr(fr.Start))
	return nil
}

// Unmap implements platform.AddressSpace.Unmap.
//
// The emulated MMU walks the live tables on every access, so there is no
// translation cache to invalidate.
func (as *addressSpace) Unmap(addr hostarch.Addr, length uint64) {
	as.pt.Unmap(addr, uintptr(length))
}

// Token implements platform.AddressSpace.Token.
func (as *addressSpace) Token() uint64 {
	return as.pt.SATP(as.asid)
}

// CopyOut implements usermem.IO.CopyOut.
func (as *addressSpace) CopyOut(ctx pkgcontext.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	return as.io.CopyOut(ctx, addr, src, opts)
}

// CopyIn implements usermem.IO.CopyIn.
func (as *addressSpace) CopyIn(ctx pkgcontext.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	return as.io.CopyIn(ctx, addr, dst, opts)
}

// ZeroOut implements usermem.IO.ZeroOut.
func (as *addressSpace) ZeroOut(ctx pkgcontext.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	return as.io.ZeroOut(ctx, addr, toZero, opts)
}

// Release implements platform.AddressSpace.Release.
func (as *addressSpace) Release() {
	if as.kernel {
		panic("releasing the kernel address space")
	}
	as.machine.asids.Drop(as.pt)
	as.alloc.release()
	for _, fr := range as.frames {
		as.machine.Free(fr)
	}
	as.frames = nil
}
