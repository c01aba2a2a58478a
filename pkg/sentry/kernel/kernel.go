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

// Package kernel provides a small supervisor built on the platform
// boundary.
//
// The kernel multiplexes tasks over a single processor loop, the way the
// machine it models runs a single hart. Each task owns an address space, a
// trap context and a kernel stack in supervisor memory; while a task is off
// the processor its kernel execution state is a context record parked on
// that stack, and the loop moves between tasks with the cooperative switch
// primitive in task_sched.go. User slices run through
// platform.Context.Switch, and the outcomes that come back (syscall,
// interrupt, fault) drive dispatch and signal delivery.
package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// Kernel represents an instance of the supervisor.
type Kernel struct {
	// Platform is the execution environment. Immutable.
	Platform platform.Platform

	// console receives bytes written by tasks. Immutable.
	console io.Writer

	// quantum is the preemption interval, zero to disable. Immutable.
	quantum time.Duration

	// p runs user slices. A single platform context serves the processor
	// loop; the preemption goroutine and external signal senders aim
	// interrupts at it.
	p platform.Context

	// mu protects the scheduler and signal state below. The processor
	// loop holds it only between user slices, so senders on other
	// goroutines never wait on guest execution.
	mu sync.Mutex

	// tasks maps tid to every task ever created, exited ones included.
	tasks map[uint64]*Task

	// runQueue holds runnable tasks in dispatch order. The current task
	// is not on it.
	runQueue []*Task

	// live counts tasks that have not exited.
	live int

	// nextTID numbers the next task. Zero names the processor loop
	// itself, whose kernel stack backs procCtx parking.
	nextTID uint64

	// current is the task holding the processor, nil between tasks.
	current *Task

	// inSwitch is true while current executes a user slice. Senders use
	// it to decide whether a queued signal needs an interrupt to be seen.
	inSwitch bool

	// wake nudges an idle processor loop when every task is stopped and a
	// signal arrives.
	wake chan struct{}

	// procCtx is the loop's own switch context. While a task's kernel
	// state is live the record sits parked at procCtxAddr on the tid 0
	// stack; procSP tracks the loop's stack pointer otherwise.
	procCtx     arch.ProcessContext
	procCtxAddr hostarch.Addr
	procSP      hostarch.Addr
}

// Options configures a kernel.
type Options struct {
	// Platform supplies machine memory, address spaces and the execution
	// context. Required.
	Platform platform.Platform

	// Console receives task write output. Defaults to io.Discard.
	Console io.Writer

	// Quantum preempts user slices at this interval so runnable tasks
	// share the processor. Zero disables preemption; tasks then run until
	// they trap.
	Quantum time.Duration
}

// New returns a kernel on the given platform.
func New(opts Options) (*Kernel, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("kernel requires a platform")
	}
	k := &Kernel{
		Platform: opts.Platform,
		console:  opts.Console,
		quantum:  opts.Quantum,
		tasks:    make(map[uint64]*Task),
		nextTID:  1,
		wake:     make(chan struct{}, 1),
		procSP:   hostarch.Addr(ring0.KernelStackTop(0)),
	}
	if k.console == nil {
		k.console = io.Discard
	}
	k.procCtx = *arch.NewProcessContext(ring0.AddrOfKernelTrap())

	// The processor loop parks on the tid 0 kernel stack.
	fr, err := k.Platform.Memory().Allocate(ring0.KernelStackSize)
	if err != nil {
		return nil, fmt.Errorf("allocating processor stack: %w", err)
	}
	kas := k.Platform.KernelAddressSpace()
	if err := kas.MapFile(hostarch.Addr(ring0.KernelStackBottom(0)), fr, hostarch.ReadWrite); err != nil {
		k.Platform.Memory().Free(fr)
		return nil, fmt.Errorf("mapping processor stack: %w", err)
	}
	k.p = k.Platform.NewContext()
	return k, nil
}

// Run drives the processor loop until every task has exited, and returns
// nil. Canceling ctx interrupts the current user slice and makes Run
// return ctx.Err(); task state stays consistent, with the current task
// parked runnable.
func (k *Kernel) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go k.preempt(ctx, stop)

	for {
		t, err := k.pickTask(ctx)
		if t == nil || err != nil {
			return err
		}
		k.mu.Lock()
		k.current = t
		k.mu.Unlock()

		k.switchTo(ctx, t)
		k.runTask(ctx, t)

		k.mu.Lock()
		exited := t.runState == TaskExited
		k.mu.Unlock()
		if exited {
			k.switchFromExited(ctx, t)
		} else {
			k.switchFrom(ctx, t)
		}

		k.mu.Lock()
		k.current = nil
		if t.runState == TaskRunnable {
			k.runQueue = append(k.runQueue, t)
		}
		k.mu.Unlock()
		if exited {
			t.destroy()
		}
	}
}

// pickTask returns the next runnable task, blocking while every live task
// is stopped. It returns nil with a nil error once no live tasks remain.
func (k *Kernel) pickTask(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k.mu.Lock()
		if len(k.runQueue) > 0 {
			t := k.runQueue[0]
			k.runQueue = k.runQueue[1:]
			k.mu.Unlock()
			return t, nil
		}
		live := k.live
		k.mu.Unlock()
		if live == 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-k.wake:
		}
	}
}

// preempt interrupts the running context on every quantum tick and once on
// cancellation, so a spinning task cannot hold the processor.
func (k *Kernel) preempt(ctx context.Context, stop chan struct{}) {
	var tick <-chan time.Time
	if k.quantum > 0 {
		ticker := time.NewTicker(k.quantum)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			k.p.Interrupt()
			return
		case <-stop:
			return
		case <-tick:
			k.p.Interrupt()
		}
	}
}

// userSlice runs t's trap context until the next trap. The inSwitch window
// lets signal senders on other goroutines know an interrupt is needed for
// prompt delivery.
func (k *Kernel) userSlice(ctx context.Context, t *Task) (*arch.SignalInfo, hostarch.AccessType, error) {
	k.mu.Lock()
	k.inSwitch = true
	k.mu.Unlock()
	info, at, err := k.p.Switch(ctx, t.as, t.tc)
	k.mu.Lock()
	k.inSwitch = false
	k.mu.Unlock()
	return info, at, err
}

// wakeLocked nudges an idle processor loop.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) wakeLocked() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// SendExternalSignal delivers a host-originated signal to the oldest live
// task, the way a console interrupt reaches a foreground process. It may
// be called from any goroutine.
func (k *Kernel) SendExternalSignal(info *arch.SignalInfo) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var target *Task
	for _, t := range k.tasks {
		if t.runState == TaskExited {
			continue
		}
		if target == nil || t.tid < target.tid {
			target = t
		}
	}
	if target == nil {
		return linuxerr.ESRCH
	}
	return target.sendSignalLocked(info)
}
