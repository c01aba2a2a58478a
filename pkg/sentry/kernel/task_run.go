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

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// A taskRunState is a reified state in the task run state machine. It is
// stateless; states are distinguished by type alone and represented as
// typecast nils.
type taskRunState interface {
	// execute executes the state and returns the next state, or nil when
	// the task leaves the processor. The task's runState says why it
	// left: still runnable (yielded or preempted), stopped, or exited.
	execute(ctx context.Context, t *Task) taskRunState
}

// runTask runs t's state machine until the task leaves the processor.
func (k *Kernel) runTask(ctx context.Context, t *Task) {
	var state taskRunState = (*runApp)(nil)
	for state != nil {
		state = state.execute(ctx, t)
	}
}

// runApp is the main entry to the task run loop: deliver what is pending,
// then run the application until it traps.
type runApp struct{}

func (*runApp) execute(ctx context.Context, t *Task) taskRunState {
	if ctx.Err() != nil {
		// Leave the task parked runnable; the processor loop surfaces
		// the cancellation.
		return nil
	}
	if t.k.deliverPending(ctx, t) {
		return nil
	}

	info, at, err := t.k.userSlice(ctx, t)
	switch err {
	case nil:
		return t.k.doSyscall(ctx, t)
	case platform.ErrContextInterrupt:
		return (*runInterrupt)(nil)
	case platform.ErrContextSignal:
		sig := linux.Signal(info.Signo)
		t.Debugf("signal %d at %#x: addr=%#x code=%d %v access", sig, t.tc.IP(), info.Addr(), info.Code, at)
		t.k.mu.Lock()
		t.forceSignalLocked(sig)
		t.queueSignalLocked(info)
		t.k.mu.Unlock()
		return (*runApp)(nil)
	default:
		panic(fmt.Sprintf("unexpected switch error: %v", err))
	}
}

// runInterrupt handles a bounce out of a user slice. The interrupt either
// flags pending work, picked up at the head of runApp, or asks the task to
// share the processor.
type runInterrupt struct{}

func (*runInterrupt) execute(ctx context.Context, t *Task) taskRunState {
	t.k.mu.Lock()
	waiting := len(t.k.runQueue) > 0
	t.k.mu.Unlock()
	if waiting {
		t.Debugf("preempted at %#x", t.tc.IP())
		return nil
	}
	return (*runApp)(nil)
}
