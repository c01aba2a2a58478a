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

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
	"rvisor.dev/rvisor/pkg/usermem"
)

// DefaultImageAddr is where task images load when TaskConfig leaves the
// address unset.
const DefaultImageAddr = 0x10000

// TaskConfig describes a task for CreateTask.
type TaskConfig struct {
	// Name is a debugging label.
	Name string

	// Image is a flat binary mapped read-execute at ImageAddr.
	Image []byte

	// ImageAddr is the load address, page-aligned. Zero selects
	// DefaultImageAddr.
	ImageAddr uint64

	// Entry is the initial program counter. Zero selects ImageAddr.
	Entry uint64

	// Regs seeds general purpose registers by index before the first
	// entry. The stack pointer defaults to the top of the application
	// stack; an explicit x2 entry overrides it.
	Regs map[int]uint64
}

// CreateTask builds a task from cfg and makes it runnable. The task gets
// the next tid, a fresh address space with the image and an application
// stack mapped, and a kernel stack with a parked execution context, so the
// first switch to it enters user code at the configured entry point.
func (k *Kernel) CreateTask(ctx context.Context, cfg TaskConfig) (*Task, error) {
	imageAddr := cfg.ImageAddr
	if imageAddr == 0 {
		imageAddr = DefaultImageAddr
	}
	if !hostarch.Addr(imageAddr).IsPageAligned() {
		return nil, fmt.Errorf("image address %#x is not page-aligned", imageAddr)
	}
	entry := cfg.Entry
	if entry == 0 {
		entry = imageAddr
	}
	for i := range cfg.Regs {
		if i <= 0 || i >= 32 {
			return nil, fmt.Errorf("register index %d out of range", i)
		}
	}

	k.mu.Lock()
	tid := k.nextTID
	k.nextTID++
	k.mu.Unlock()

	as, err := k.Platform.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	t := &Task{
		k:    k,
		tid:  tid,
		name: cfg.Name,
		as:   as,
	}
	ok := false
	defer func() {
		if !ok {
			t.destroy()
		}
	}()

	if len(cfg.Image) > 0 {
		size, aligned := hostarch.Addr(len(cfg.Image)).RoundUp()
		if !aligned {
			return nil, fmt.Errorf("image of %d bytes is too large", len(cfg.Image))
		}
		if err := t.mapRegion(as, hostarch.Addr(imageAddr), uint64(size), hostarch.ReadExecute); err != nil {
			return nil, fmt.Errorf("mapping image: %w", err)
		}
		if _, err := as.CopyOut(ctx, hostarch.Addr(imageAddr), cfg.Image, usermem.IOOpts{
			IgnorePermissions: true,
		}); err != nil {
			return nil, fmt.Errorf("writing image: %w", err)
		}
	}

	stack := t.userStack()
	if err := t.mapRegion(as, stack.Start, uint64(stack.End-stack.Start), hostarch.ReadWrite); err != nil {
		return nil, fmt.Errorf("mapping application stack: %w", err)
	}

	kas := k.Platform.KernelAddressSpace()
	if err := t.mapRegion(kas, hostarch.Addr(ring0.KernelStackBottom(tid)), ring0.KernelStackSize, hostarch.ReadWrite); err != nil {
		return nil, fmt.Errorf("mapping kernel stack: %w", err)
	}

	t.tc = arch.NewTrapContext(entry, ring0.UserStackTop, 0, ring0.KernelStackTop(tid), 0)
	for i, v := range cfg.Regs {
		t.tc.SetReg(i, v)
	}

	// Park a fresh kernel context so the first switch to the task behaves
	// like any later one: the popped record resumes at the return-to-user
	// path, which enters the image at its configured pc.
	kctx := arch.NewProcessContext(ring0.AddrOfUserRestore())
	addr, err := kctx.PushOn(ctx, kas, hostarch.Addr(ring0.KernelStackTop(tid)))
	if err != nil {
		return nil, fmt.Errorf("parking initial context: %w", err)
	}
	t.kctxAddr = addr

	k.mu.Lock()
	k.tasks[tid] = t
	k.runQueue = append(k.runQueue, t)
	k.live++
	k.wakeLocked()
	k.mu.Unlock()
	ok = true

	t.Infof("created %q: entry %#x, %d image bytes at %#x", t.name, entry, len(cfg.Image), imageAddr)
	return t, nil
}

// mapRegion allocates backing memory and maps it at addr in as. The frame
// is recorded on the task for release at destruction.
func (t *Task) mapRegion(as platform.AddressSpace, addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	fr, err := t.k.Platform.Memory().Allocate(length)
	if err != nil {
		return err
	}
	t.frames = append(t.frames, fr)
	return as.MapFile(addr, fr, at)
}
