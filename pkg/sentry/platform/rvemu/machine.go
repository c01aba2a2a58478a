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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/rv64"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// machine contains state associated with the machine as a whole.
type machine struct {
	// mem is the guest physical memory.
	mem *rv64.Memory

	// kernel is the set of global structures.
	kernel ring0.Kernel

	// asids names address spaces in satp tokens.
	asids *pagetables.ASIDs

	// trampoline is the frame backing the shared trampoline page. It is
	// mapped globally in the supervisor tables and in every application
	// address space.
	trampoline platform.FileRange

	// kernelAS is the address space the supervisor itself works through.
	// Kernel stacks are mapped here, never in application tables.
	kernelAS *addressSpace

	// physMu protects frames.
	physMu sync.Mutex

	// frames are the unallocated ranges of guest memory, sorted by start
	// and coalesced.
	frames []platform.FileRange

	// mu protects the hart pool below.
	mu sync.Mutex

	// available is notified when harts are returned to the pool.
	available sync.Cond

	// harts are the idle harts.
	harts []*hart

	// created is the number of harts that exist.
	created int

	// maxHarts bounds created.
	maxHarts int
}

// hart is a single emulated hart, pooled by the machine.
//
// The ring0.CPU is embedded first. Its slots are armed once by CPU.Init;
// UserSwitch rearms the architectural state from them on every pass.
type hart struct {
	ring0.CPU

	// rv is the architectural state.
	rv *rv64.CPU

	// machine is the parent pool.
	machine *machine

	// bounce is set to kick the hart out of its current or next run. It
	// is consumed inside UserSwitch and cleared when the hart goes back
	// in the pool, so a bounce never follows the hart across contexts.
	bounce atomic.Uint32
}

// newMachine builds the guest memory, the supervisor tables and the shared
// trampoline. Harts are created on demand by Get.
func newMachine(opts Options) (*machine, error) {
	size := opts.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	size = (size + hostarch.PageSize - 1) &^ uint64(hostarch.PageSize-1)
	maxHarts := opts.Harts
	if maxHarts <= 0 {
		maxHarts = runtime.NumCPU()
	}

	m := &machine{
		mem:      rv64.NewMemory(),
		maxHarts: maxHarts,
	}
	m.available.L = &m.mu
	if err := m.mem.AddRegion(dramBase, size); err != nil {
		return nil, err
	}
	m.frames = []platform.FileRange{{Start: dramBase, End: dramBase + size}}
	m.asids = pagetables.NewASIDs(1, 0xffff)

	// The supervisor tables must exist before any hart: CPU.Init captures
	// the kernel satp from them.
	alloc := newGuestAllocator(m)
	kpt := pagetables.New(alloc)
	m.kernel.Init(ring0.KernelOpts{PageTables: kpt})

	fr, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	if !m.mem.WriteBytes(fr.Start, ring0.Trampoline()) {
		panic(fmt.Sprintf("trampoline frame %v outside guest memory", fr))
	}
	m.trampoline = fr
	ring0.MapTrampoline(kpt, uintptr(fr.Start))

	m.kernelAS = &addressSpace{
		machine: m,
		pt:      kpt,
		alloc:   alloc,
		kernel:  true,
		io:      rv64.NewIO(m.mem, kpt.SATP(0)),
	}

	log.Debugf("rvemu: %d MB guest memory, up to %d harts", size>>20, maxHarts)
	return m, nil
}

// newHart creates a hart.
//
// Precondition: m.mu held.
func (m *machine) newHart() *hart {
	c := &hart{
		rv:      rv64.NewCPU(m.mem),
		machine: m,
	}
	c.CPU.Init(&m.kernel, c)
	// Bounces arrive as software interrupts; the counters are readable
	// by applications.
	c.rv.Sie = riscv.IntSoftware
	c.rv.Scounteren = 0b111
	return c
}

// Get returns an idle hart, creating one if the pool is empty and the cap
// allows, and blocking otherwise.
func (m *machine) Get() *hart {
	m.mu.Lock()
	for {
		if n := len(m.harts); n > 0 {
			c := m.harts[n-1]
			m.harts = m.harts[:n-1]
			m.mu.Unlock()
			return c
		}
		if m.created < m.maxHarts {
			c := m.newHart()
			m.created++
			m.mu.Unlock()
			return c
		}
		m.available.Wait()
	}
}

// Put returns c to the pool.
func (m *machine) Put(c *hart) {
	c.bounce.Store(0)
	m.mu.Lock()
	m.harts = append(m.harts, c)
	m.mu.Unlock()
	m.available.Signal()
}

// Destroy waits for outstanding harts to come home and releases the guest
// memory.
func (m *machine) Destroy() {
	if err := m.waitForStopped(); err != nil {
		panic(fmt.Sprintf("destroying a running machine: %v", err))
	}
	m.mem.Release()
}

// waitForStopped waits for every created hart to return to the pool.
func (m *machine) waitForStopped() error {
	ctx, cancel := pkgcontext.WithTimeout(pkgcontext.Background(), 5*time.Second)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	op := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.harts) != m.created {
			return fmt.Errorf("%d of %d harts still out", m.created-len(m.harts), m.created)
		}
		return nil
	}
	return backoff.Retry(op, b)
}

// NotifyInterrupt implements interrupt.Receiver.NotifyInterrupt.
//
// It may be called from any goroutine at any point while the hart is
// checked out.
func (c *hart) NotifyInterrupt() {
	c.bounce.Store(1)
}

// UserSwitch implements ring0.Hooks.UserSwitch.
//
// The hart is armed the way hardware finds the machine when the restore
// sequence is entered: supervisor mode on the kernel tables, the trap
// surface loaded from the ring0 slots, interrupts masked, and the restore
// arguments in a0/a1. The hart then steps until a trap deposits it on the
// kernel anchor, at which point the saved context is pulled back out of
// the guest.
func (c *hart) UserSwitch(_ *ring0.CPU, opts ring0.SwitchOpts) ring0.Vector {
	tc := opts.TrapContext
	uio := rv64.NewIO(c.machine.mem, c.UserSATP())

	// Stage the context in the per-task trap context page. The page is
	// mapped in the application tables, supervisor-only.
	if err := tc.CopyOut(pkgcontext.Background(), uio, hostarch.Addr(ring0.AddrOfTrapContext())); err != nil {
		panic(fmt.Sprintf("trap context page unreachable: %v", err))
	}

	rv := c.rv
	rv.Priv = riscv.PrivSupervisor
	rv.Satp = c.KernelSATP()
	rv.Stvec = c.STVec()
	rv.Sscratch = c.SScratch()
	rv.Sstatus &^= riscv.StatusSIE // restore sequence runs masked
	rv.PC = ring0.AddrOfUserRestore()
	rv.X[riscv.RegA0] = ring0.AddrOfTrapContext()
	rv.X[riscv.RegA1] = c.UserSATP()

	for {
		if c.bounce.Swap(0) != 0 {
			rv.Sip |= riscv.IntSoftware
		}
		if rv.Priv == riscv.PrivSupervisor && rv.PC == ring0.AddrOfKernelTrap() {
			// A trap deposited the hart on the anchor. The entry
			// sequence never traps itself, so arriving here with
			// SPP set means the restore sequence faulted.
			if rv.Sstatus&riscv.StatusSPP != 0 {
				panic(fmt.Sprintf("trap from supervisor: %s at %#x (tval=%#x)",
					riscv.CauseString(rv.Scause), rv.Sepc, rv.Stval))
			}
			break
		}
		rv.Step()
	}

	// Unstage the context. The entry sequence stored it through the
	// application tables before switching satp.
	if err := tc.CopyIn(pkgcontext.Background(), uio, hostarch.Addr(ring0.AddrOfTrapContext())); err != nil {
		panic(fmt.Sprintf("trap context page unreachable: %v", err))
	}

	// An injected but undelivered bounce coalesces with the next one.
	rv.Sip &^= riscv.IntSoftware

	vector := ring0.VectorFromCause(rv.Scause)
	c.SetTrap(vector, rv.Stval)
	return vector
}
