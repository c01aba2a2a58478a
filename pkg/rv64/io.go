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

package rv64

import (
	"context"

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/usermem"
)

// Kernel copies walk the tables as supervisor accesses with SUM and MXR
// in effect, so user pages are reachable and execute-only pages still
// read.
const ioStatus = riscv.StatusSUM | riscv.StatusMXR

// IO implements usermem.IO against the virtual address space rooted at a
// satp token, using the same Sv39 walker the hart uses. Copies that fault
// partway return the bytes done and EFAULT, like a failed copy_to_user.
type IO struct {
	mem  *Memory
	satp uint64
}

// NewIO returns an IO accessing the address space rooted at satp.
func NewIO(mem *Memory, satp uint64) *IO {
	return &IO{mem: mem, satp: satp}
}

// pageChunk returns the size of the longest access at va that stays on
// one page, at most n bytes.
func pageChunk(va uint64, n int) int {
	remain := riscv.PageSize - int(va&(riscv.PageSize-1))
	if n < remain {
		return n
	}
	return remain
}

func ioAccess(at hostarch.AccessType, opts usermem.IOOpts) hostarch.AccessType {
	if opts.IgnorePermissions {
		// An empty access type walks for validity only.
		return hostarch.NoAccess
	}
	return at
}

// CopyOut implements usermem.IO.CopyOut.
func (u *IO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	at := ioAccess(hostarch.Write, opts)
	var done int
	for done < len(src) {
		va := uint64(addr) + uint64(done)
		n := pageChunk(va, len(src)-done)
		pa, err := translate(u.mem, u.satp, ioStatus, riscv.PrivSupervisor, va, at)
		if err != nil {
			return done, linuxerr.EFAULT
		}
		if !u.mem.WriteBytes(pa, src[done:done+n]) {
			return done, linuxerr.EFAULT
		}
		done += n
	}
	return done, nil
}

// CopyIn implements usermem.IO.CopyIn.
func (u *IO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	at := ioAccess(hostarch.Read, opts)
	var done int
	for done < len(dst) {
		va := uint64(addr) + uint64(done)
		n := pageChunk(va, len(dst)-done)
		pa, err := translate(u.mem, u.satp, ioStatus, riscv.PrivSupervisor, va, at)
		if err != nil {
			return done, linuxerr.EFAULT
		}
		if !u.mem.ReadBytes(pa, dst[done:done+n]) {
			return done, linuxerr.EFAULT
		}
		done += n
	}
	return done, nil
}

// ZeroOut implements usermem.IO.ZeroOut.
func (u *IO) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	if toZero < 0 || toZero > int64(maxIOBytes) {
		return 0, linuxerr.EINVAL
	}
	at := ioAccess(hostarch.Write, opts)
	var done int64
	for done < toZero {
		va := uint64(addr) + uint64(done)
		remain := toZero - done
		if remain > riscv.PageSize {
			remain = riscv.PageSize
		}
		n := pageChunk(va, int(remain))
		pa, err := translate(u.mem, u.satp, ioStatus, riscv.PrivSupervisor, va, at)
		if err != nil {
			return done, linuxerr.EFAULT
		}
		view := u.mem.Slice(pa, n)
		if view == nil {
			return done, linuxerr.EFAULT
		}
		for i := range view {
			view[i] = 0
		}
		done += int64(n)
	}
	return done, nil
}

const maxIOBytes = int(^uint(0) >> 1)
