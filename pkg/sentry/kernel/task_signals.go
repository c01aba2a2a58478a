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
	"math/bits"

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// Signal delivery.
//
// A delivery pushes the task's trap context onto its application stack and
// redirects the task to a handler address; the handler returns through
// rt_sigreturn, which pops the frame and resumes the displaced context.
// Default dispositions take the same path: instead of special-casing
// context surgery in the kernel, delivery aims the task at one of the stub
// handlers on its stubs page. The ignore stub returns immediately, so the
// frame round-trips untouched; the terminate stub calls exit with the
// signal number, so fatal signals become ordinary exits. Only stops are a
// kernel-side action, since a stopped task must not run at all.

// SignalAction is the disposition class of a signal under SIG_DFL.
type SignalAction int

const (
	// SignalActionTerm terminates the task.
	SignalActionTerm SignalAction = iota

	// SignalActionIgnore discards the signal.
	SignalActionIgnore

	// SignalActionStop parks the task until it is continued.
	SignalActionStop

	// SignalActionCont resumes a stopped task.
	SignalActionCont
)

// defaultAction returns sig's default disposition. Signals that dump core
// on Linux terminate; there is nowhere to write a core.
func defaultAction(sig linux.Signal) SignalAction {
	switch sig {
	case linux.SIGCHLD, linux.SIGURG, linux.SIGWINCH:
		return SignalActionIgnore
	case linux.SIGSTOP, linux.SIGTSTP, linux.SIGTTIN, linux.SIGTTOU:
		return SignalActionStop
	case linux.SIGCONT:
		return SignalActionCont
	default:
		return SignalActionTerm
	}
}

// SendSignal queues info for delivery to the task. Stopped tasks wake for
// SIGKILL and SIGCONT. It may be called from any goroutine.
func (t *Task) SendSignal(info *arch.SignalInfo) error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.sendSignalLocked(info)
}

// sendSignalLocked validates and queues info.
//
// Preconditions: k.mu must be locked.
func (t *Task) sendSignalLocked(info *arch.SignalInfo) error {
	if !linux.Signal(info.Signo).IsValid() {
		return linuxerr.EINVAL
	}
	if t.runState == TaskExited {
		return linuxerr.ESRCH
	}
	t.queueSignalLocked(info)
	return nil
}

// queueSignalLocked marks info's signal pending and arranges for the task
// to notice: stopped tasks resume for killing and continuing signals, an
// idle processor loop wakes, and a task in a user slice is interrupted.
//
// Preconditions: k.mu must be locked. info.Signo is a valid signal.
func (t *Task) queueSignalLocked(info *arch.SignalInfo) {
	sig := linux.Signal(info.Signo)
	switch {
	case sig == linux.SIGCONT:
		// Continuing cancels pending stops, and the reverse below.
		t.pending &^= linux.StopSignals
		t.k.resumeLocked(t)
	case linux.StopSignals&linux.SignalSetOf(sig) != 0:
		t.pending &^= linux.SignalSetOf(linux.SIGCONT)
	case sig == linux.SIGKILL:
		t.k.resumeLocked(t)
	}
	t.pending |= linux.SignalSetOf(sig)
	t.pendingInfo[sig] = *info
	if t.k.current == t && t.k.inSwitch {
		t.k.p.Interrupt()
	}
	t.k.wakeLocked()
}

// dequeueSignalLocked removes and returns the lowest-numbered deliverable
// pending signal, or zero if no pending signal is deliverable under the
// current mask.
//
// Preconditions: k.mu must be locked.
func (t *Task) dequeueSignalLocked() linux.Signal {
	deliverable := t.pending &^ t.mask
	if deliverable == 0 {
		return 0
	}
	sig := linux.Signal(bits.TrailingZeros64(uint64(deliverable)) + 1)
	t.pending &^= linux.SignalSetOf(sig)
	return sig
}

// setMaskLocked replaces the signal mask. SIGKILL and SIGSTOP can never be
// masked.
//
// Preconditions: k.mu must be locked.
func (t *Task) setMaskLocked(mask linux.SignalSet) {
	t.mask = mask &^ linux.UnblockableSignals
}

// forceSignalLocked clears suppression of sig so that a fault signal
// reaches the task: an ignoring disposition reverts to the default, and
// the mask bit drops.
//
// Preconditions: k.mu must be locked.
func (t *Task) forceSignalLocked(sig linux.Signal) {
	if t.handlers[sig].IsIgnored() {
		t.handlers[sig] = linux.SignalAct{}
	}
	t.mask &^= linux.SignalSetOf(sig)
}

// stopLocked parks the task. It stays off the run queue until resumed.
//
// Preconditions: k.mu must be locked.
func (t *Task) stopLocked() {
	if t.runState == TaskRunnable {
		t.runState = TaskStopped
	}
}

// resumeLocked makes a stopped task runnable. A task currently on the
// processor is requeued by the loop itself when it parks.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) resumeLocked(t *Task) {
	if t.runState != TaskStopped {
		return
	}
	t.runState = TaskRunnable
	if t != k.current {
		k.runQueue = append(k.runQueue, t)
	}
	k.wakeLocked()
}

// deliverPending delivers every deliverable pending signal before the task
// reenters user code. Handler and stub deliveries stack frames on the
// application stack and execution continues; a stop or a failed delivery
// takes the task off the processor, and deliverPending returns true.
func (k *Kernel) deliverPending(ctx context.Context, t *Task) bool {
	for {
		k.mu.Lock()
		sig := t.dequeueSignalLocked()
		if sig == 0 {
			k.mu.Unlock()
			return false
		}
		info := t.pendingInfo[sig]
		act := t.handlers[sig]
		k.mu.Unlock()

		if linux.UnblockableSignals&linux.SignalSetOf(sig) != 0 {
			// SIGKILL and SIGSTOP take the default action no matter
			// what sigaction managed to record.
			act = linux.SignalAct{}
		}

		// Resolve the disposition to a handler address.
		if act.IsIgnored() {
			act = linux.SignalAct{Handler: ring0.AddrOfIgnoreHandler()}
		} else if act.IsDefault() {
			switch defaultAction(sig) {
			case SignalActionIgnore, SignalActionCont:
				// A resume already happened when SIGCONT was queued;
				// delivery itself is a no-op round trip.
				act = linux.SignalAct{Handler: ring0.AddrOfIgnoreHandler()}
			case SignalActionStop:
				t.Debugf("stopped by signal %d", sig)
				k.mu.Lock()
				t.stopLocked()
				k.mu.Unlock()
				return true
			case SignalActionTerm:
				act = linux.SignalAct{Handler: ring0.AddrOfTerminateHandler()}
			}
		}

		if err := k.setupSignalFrame(ctx, t, &act, sig, &info); err != nil {
			// The frame could not reach the application stack. Kill
			// the task the way an unusable stack kills it anywhere
			// else.
			t.Warningf("signal %d delivery failed: %v", sig, err)
			k.mu.Lock()
			t.exitLocked(int32(linux.SIGSEGV))
			k.mu.Unlock()
			return true
		}
		if act.Handler == ring0.AddrOfTerminateHandler() {
			// Nothing may stack over a termination redirect; later
			// pendings would only delay the exit.
			return false
		}
	}
}

// setupSignalFrame pushes the displaced context and redirects the task to
// act's handler. The displaced mask is saved and the handler runs with sig
// and act.Mask added to the blocked set.
func (k *Kernel) setupSignalFrame(ctx context.Context, t *Task, act *linux.SignalAct, sig linux.Signal, info *arch.SignalInfo) error {
	st := &arch.Stack{IO: t.as, Bottom: hostarch.Addr(t.tc.Stack())}
	if err := t.tc.SignalSetup(ctx, st, act, info, hostarch.Addr(ring0.AddrOfSignalInfo()), ring0.AddrOfSigreturn()); err != nil {
		return err
	}
	k.mu.Lock()
	t.savedMasks = append(t.savedMasks, t.mask)
	t.setMaskLocked(t.mask | act.Mask | linux.SignalSetOf(sig))
	k.mu.Unlock()
	t.Debugf("delivering signal %d to handler %#x, frame at %#x", sig, act.Handler, t.tc.Stack())
	return nil
}

// doSigreturn resumes the context a signal delivery displaced. The return
// trampoline moved the stack pointer back above the pushed frame before
// trapping, so the frame sits just below the saved sp; the whole read is
// validated against the application stack before any of it is trusted. A
// bad frame is the task's own doing and turns into SIGSEGV.
func (k *Kernel) doSigreturn(ctx context.Context, t *Task) taskRunState {
	st := &arch.Stack{IO: t.as, Bottom: hostarch.Addr(t.tc.Stack())}
	if err := t.tc.SignalRestore(ctx, st, t.userStack()); err != nil {
		t.Warningf("bad sigreturn frame below %#x: %v", t.tc.Stack(), err)
		k.mu.Lock()
		t.forceSignalLocked(linux.SIGSEGV)
		t.queueSignalLocked(SignalInfoPriv(linux.SIGSEGV))
		k.mu.Unlock()
		return (*runApp)(nil)
	}
	k.mu.Lock()
	if n := len(t.savedMasks); n > 0 {
		t.setMaskLocked(t.savedMasks[n-1])
		t.savedMasks = t.savedMasks[:n-1]
	}
	k.mu.Unlock()
	t.Debugf("sigreturn to %#x", t.tc.IP())
	return (*runApp)(nil)
}
