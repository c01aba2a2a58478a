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
	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// A Task is the kernel's unit of execution, a lightweight process: one
// address space, one trap context, one kernel stack.
type Task struct {
	// k is the owning kernel. Immutable.
	k *Kernel

	// tid identifies the task and selects its kernel stack. Immutable.
	tid uint64

	// name is a debugging label. Immutable.
	name string

	// as is the task's address space.
	as platform.AddressSpace

	// tc is the register state run on the hart. Between slices it is the
	// authoritative copy; during a slice the platform owns it.
	tc *arch.TrapContext

	// kctx is the task's kernel-side switch context. While the task is
	// off the processor the record is parked on its kernel stack at
	// kctxAddr; while it holds the processor kctxAddr is zero and ksp
	// tracks its kernel stack pointer.
	kctx     arch.ProcessContext
	kctxAddr hostarch.Addr
	ksp      hostarch.Addr

	// frames are the memory ranges backing the task's image and stacks,
	// freed when the task is destroyed.
	frames []platform.FileRange

	// The signal state below is guarded by k.mu.

	// handlers are the registered dispositions, indexed by signal number.
	// The zero value is SIG_DFL.
	handlers [linux.SignalMaximum + 1]linux.SignalAct

	// mask is the blocked signal set. Never contains unblockable signals.
	mask linux.SignalSet

	// pending is the set of queued signals, with the most recent info for
	// each in pendingInfo. Standard signals coalesce.
	pending     linux.SignalSet
	pendingInfo [linux.SignalMaximum + 1]arch.SignalInfo

	// savedMasks holds the masks displaced by signal deliveries, restored
	// in reverse order as handlers return.
	savedMasks []linux.SignalSet

	// runState and exitStatus are guarded by k.mu.
	runState   TaskState
	exitStatus int32
}

// TaskState is the coarse run state of a task.
type TaskState int

const (
	// TaskRunnable means the task is on the run queue or the processor.
	TaskRunnable TaskState = iota

	// TaskStopped means the task is parked until a continuing or killing
	// signal arrives.
	TaskStopped

	// TaskExited means the task has exited and its exit status is final.
	TaskExited
)

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskStopped:
		return "stopped"
	case TaskExited:
		return "exited"
	default:
		return "unknown"
	}
}

// TID returns the task's identifier.
func (t *Task) TID() uint64 {
	return t.tid
}

// Name returns the task's debugging label.
func (t *Task) Name() string {
	return t.name
}

// State returns the task's run state.
func (t *Task) State() TaskState {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.runState
}

// ExitStatus returns the task's exit status. It is meaningful only once
// State returns TaskExited.
func (t *Task) ExitStatus() int32 {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.exitStatus
}

// userStack returns the task's application stack reservation.
func (t *Task) userStack() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: ring0.UserStackTop - ring0.UserStackSize,
		End:   ring0.UserStackTop,
	}
}

// exitLocked marks the task exited with the given status.
//
// Preconditions: k.mu must be locked.
func (t *Task) exitLocked(status int32) {
	if t.runState == TaskExited {
		return
	}
	t.runState = TaskExited
	t.exitStatus = status
	t.k.live--
	t.Infof("exited with status %d", status)
}

// destroy releases the task's memory: the kernel stack mapping, the
// address space, and the frames backing the image and stacks. The task
// record itself stays in the kernel's table so exit statuses remain
// queryable.
func (t *Task) destroy() {
	kas := t.k.Platform.KernelAddressSpace()
	kas.Unmap(hostarch.Addr(ring0.KernelStackBottom(t.tid)), ring0.KernelStackSize)
	t.as.Release()
	for _, fr := range t.frames {
		t.k.Platform.Memory().Free(fr)
	}
	t.frames = nil
}

// Debugf logs a task-prefixed debug message.
func (t *Task) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.Debugf("[t%d] "+format, append([]any{t.tid}, v...)...)
	}
}

// Infof logs a task-prefixed info message.
func (t *Task) Infof(format string, v ...any) {
	if log.IsLogging(log.Info) {
		log.Infof("[t%d] "+format, append([]any{t.tid}, v...)...)
	}
}

// Warningf logs a task-prefixed warning.
func (t *Task) Warningf(format string, v ...any) {
	if log.IsLogging(log.Warning) {
		log.Warningf("[t%d] "+format, append([]any{t.tid}, v...)...)
	}
}
