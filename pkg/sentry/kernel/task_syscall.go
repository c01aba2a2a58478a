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
	"time"

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/errors"
	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/usermem"
)

// maxWriteSize caps a single write, the way MAX_RW_COUNT does on Linux.
const maxWriteSize = 1 << 30

// writeChunk bounds the kernel buffer used to stream write payloads.
const writeChunk = 1 << 16

// doSyscall dispatches the system call recorded in the trap context. The
// saved pc advances over the ecall before dispatch, so a context pushed by
// a subsequent signal delivery resumes after the syscall, and sigreturn
// replaces the pc wholesale.
func (k *Kernel) doSyscall(ctx context.Context, t *Task) taskRunState {
	t.tc.SetIP(t.tc.IP() + 4)
	sysno := t.tc.SyscallNo()
	args := t.tc.SyscallArgs()
	t.Debugf("syscall %d (%#x, %#x, %#x) at %#x", sysno, args[0].Uint64(), args[1].Uint64(), args[2].Uint64(), t.tc.IP()-4)

	var (
		val uint64
		err error
	)
	switch sysno {
	case linux.SYS_EXIT:
		k.mu.Lock()
		t.exitLocked(args[0].Int())
		k.mu.Unlock()
		return nil
	case linux.SYS_SCHED_YIELD:
		t.tc.SetReturn(0)
		k.mu.Lock()
		waiting := len(k.runQueue) > 0
		k.mu.Unlock()
		if waiting {
			return nil
		}
		return (*runApp)(nil)
	case linux.SYS_RT_SIGRETURN:
		return k.doSigreturn(ctx, t)
	case linux.SYS_WRITE:
		val, err = k.sysWrite(ctx, t, args)
	case linux.SYS_KILL:
		val, err = k.sysKill(t, args)
	case linux.SYS_RT_SIGACTION:
		val, err = k.sysSigaction(ctx, t, args)
	case linux.SYS_RT_SIGPROCMASK:
		val, err = k.sysSigprocmask(ctx, t, args)
	case linux.SYS_GETTIMEOFDAY:
		val, err = k.sysGettimeofday(ctx, t, args)
	case linux.SYS_GETPID:
		val = t.tid
	default:
		err = linuxerr.ENOSYS
	}
	if err != nil {
		t.tc.SetReturn(uint64(-int64(ExtractErrno(err))))
	} else {
		t.tc.SetReturn(val)
	}
	return (*runApp)(nil)
}

// sysWrite implements write(2) for the console descriptors. Only stdout
// and stderr exist; both reach the kernel console. A fault partway through
// reports the bytes already written, like Linux.
func (k *Kernel) sysWrite(ctx context.Context, t *Task, args arch.SyscallArguments) (uint64, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	var count int
	if c := args[2].Uint64(); c > maxWriteSize {
		count = maxWriteSize
	} else {
		count = int(c)
	}
	if fd != 1 && fd != 2 {
		return 0, linuxerr.EBADF
	}
	if count == 0 {
		return 0, nil
	}
	buf := make([]byte, min(count, writeChunk))
	written := 0
	for written < count {
		chunk := min(count-written, len(buf))
		n, cerr := t.as.CopyIn(ctx, addr+hostarch.Addr(written), buf[:chunk], usermem.IOOpts{})
		if n > 0 {
			wn, werr := k.console.Write(buf[:n])
			written += wn
			if werr != nil {
				if written > 0 {
					return uint64(written), nil
				}
				return 0, linuxerr.EIO
			}
		}
		if cerr != nil {
			if written > 0 {
				return uint64(written), nil
			}
			return 0, cerr
		}
	}
	return uint64(written), nil
}

// sysKill implements kill(2). The pid must name a live task; signal zero
// probes for existence without queueing anything.
func (k *Kernel) sysKill(t *Task, args arch.SyscallArguments) (uint64, error) {
	pid := args[0].Int()
	sig := linux.Signal(args[1].Int())
	k.mu.Lock()
	defer k.mu.Unlock()
	target := k.tasks[uint64(pid)]
	if pid <= 0 || target == nil || target.runState == TaskExited {
		return 0, linuxerr.ESRCH
	}
	if sig == 0 {
		return 0, nil
	}
	if !sig.IsValid() {
		return 0, linuxerr.EINVAL
	}
	target.queueSignalLocked(SignalInfoNoInfo(sig, t))
	return 0, nil
}

// sysSigaction implements rt_sigaction(2). The userspace sigaction layout
// is four words: handler, flags, restorer, mask.
func (k *Kernel) sysSigaction(ctx context.Context, t *Task, args arch.SyscallArguments) (uint64, error) {
	sig := linux.Signal(args[0].Int())
	actAddr := args[1].Pointer()
	oldActAddr := args[2].Pointer()
	if args[3].SizeT() != linux.SignalSetSize {
		return 0, linuxerr.EINVAL
	}
	if !sig.IsValid() {
		return 0, linuxerr.EINVAL
	}
	if actAddr != 0 && linux.UnblockableSignals&linux.SignalSetOf(sig) != 0 {
		return 0, linuxerr.EINVAL
	}

	var act linux.SignalAct
	if actAddr != 0 {
		var s [4]uint64
		if err := usermem.CopyUint64SliceIn(ctx, t.as, actAddr, s[:], usermem.IOOpts{}); err != nil {
			return 0, err
		}
		act = linux.SignalAct{
			Handler:  s[0],
			Flags:    s[1],
			Restorer: s[2],
			Mask:     linux.SignalSet(s[3]),
		}
	}

	k.mu.Lock()
	old := t.handlers[sig]
	if actAddr != 0 {
		t.handlers[sig] = act
	}
	k.mu.Unlock()

	if oldActAddr != 0 {
		s := [4]uint64{old.Handler, old.Flags, old.Restorer, uint64(old.Mask)}
		if err := usermem.CopyUint64SliceOut(ctx, t.as, oldActAddr, s[:], usermem.IOOpts{}); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sysSigprocmask implements rt_sigprocmask(2).
func (k *Kernel) sysSigprocmask(ctx context.Context, t *Task, args arch.SyscallArguments) (uint64, error) {
	how := args[0].Int()
	setAddr := args[1].Pointer()
	oldAddr := args[2].Pointer()
	if args[3].SizeT() != linux.SignalSetSize {
		return 0, linuxerr.EINVAL
	}

	k.mu.Lock()
	old := t.mask
	k.mu.Unlock()

	if setAddr != 0 {
		word, err := usermem.CopyUint64In(ctx, t.as, setAddr, usermem.IOOpts{})
		if err != nil {
			return 0, err
		}
		set := linux.SignalSet(word)
		k.mu.Lock()
		switch how {
		case linux.SIG_BLOCK:
			t.setMaskLocked(t.mask | set)
		case linux.SIG_UNBLOCK:
			t.setMaskLocked(t.mask &^ set)
		case linux.SIG_SETMASK:
			t.setMaskLocked(set)
		default:
			k.mu.Unlock()
			return 0, linuxerr.EINVAL
		}
		k.mu.Unlock()
	}

	if oldAddr != 0 {
		if err := usermem.CopyUint64Out(ctx, t.as, oldAddr, uint64(old), usermem.IOOpts{}); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sysGettimeofday implements gettimeofday(2) against the host clock. The
// timezone argument is obsolete and ignored.
func (k *Kernel) sysGettimeofday(ctx context.Context, t *Task, args arch.SyscallArguments) (uint64, error) {
	tv := args[0].Pointer()
	if tv == 0 {
		return 0, nil
	}
	now := time.Now()
	s := [2]uint64{uint64(now.Unix()), uint64(now.Nanosecond() / 1000)}
	if err := usermem.CopyUint64SliceOut(ctx, t.as, tv, s[:], usermem.IOOpts{}); err != nil {
		return 0, err
	}
	return 0, nil
}

// ExtractErrno extracts an integer errno from a syscall-layer error.
func ExtractErrno(err error) int32 {
	if e, ok := err.(*errors.Error); ok {
		return int32(e.Errno())
	}
	panic(fmt.Sprintf("unknown syscall error: %v", err))
}
