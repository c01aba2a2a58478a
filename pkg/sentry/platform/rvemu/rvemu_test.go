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
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
	"rvisor.dev/rvisor/pkg/usermem"
)

const (
	testMemorySize = 16 << 20

	// testCodeAddr is where test programs are mapped in the application
	// address space.
	testCodeAddr = 0x10000
)

func lui(rd int, imm int64) uint32 {
	return riscv.EncodeU(riscv.OpLui, rd, imm)
}

func xori(rd, rs1 int, imm int64) uint32 {
	return riscv.EncodeI(riscv.OpImm, rd, 4, rs1, imm)
}

// Test programs. Each is mapped read-execute at testCodeAddr.
var (
	// testProgramSyscall issues a recognizable syscall.
	testProgramSyscall = []uint32{
		riscv.LI(riscv.RegA7, 93),
		riscv.InsnECALL,
	}

	// testProgramEcallPair traps twice in a row without touching any
	// register.
	testProgramEcallPair = []uint32{
		riscv.InsnECALL,
		riscv.InsnECALL,
	}

	// testProgramSpin loops forever.
	testProgramSpin = []uint32{
		riscv.JAL(riscv.RegZero, 0),
	}

	// testProgramLoadFault loads from an unmapped page.
	testProgramLoadFault = []uint32{
		lui(riscv.RegT1, 0x40000),
		riscv.LD(riscv.RegT0, riscv.RegT1, 0),
	}

	// testProgramStoreFault stores to an unmapped page.
	testProgramStoreFault = []uint32{
		lui(riscv.RegT1, 0x40000),
		riscv.SD(riscv.RegT0, riscv.RegT1, 0),
	}

	// testProgramStoreToCode stores to its own read-execute page.
	testProgramStoreToCode = []uint32{
		lui(riscv.RegT1, testCodeAddr),
		riscv.SD(riscv.RegT0, riscv.RegT1, 0),
	}

	// testProgramTwiddle inverts every register, then traps.
	testProgramTwiddle = func() []uint32 {
		var p []uint32
		for i := 1; i < 32; i++ {
			p = append(p, xori(i, i, -1))
		}
		return append(p, riscv.InsnECALL)
	}()
)

// setTestRegs writes a recognizable pattern to every register.
func setTestRegs(ac *arch.TrapContext) {
	for i := 1; i < 32; i++ {
		ac.SetReg(i, 0x5555000000+uint64(i))
	}
}

// checkTestRegs verifies that the pattern was inverted in place.
func checkTestRegs(ac *arch.TrapContext) error {
	for i := 1; i < 32; i++ {
		if got, want := ac.Reg(i), ^(0x5555000000 + uint64(i)); got != want {
			return fmt.Errorf("%s: got %#x, wanted %#x", riscv.RegName(i), got, want)
		}
	}
	return nil
}

// testHarness matches testing.T and testing.B.
type testHarness interface {
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	Helper()
}

// rvemuTest runs a test case against a fresh machine, handing harts to fn
// until it reports done.
func rvemuTest(t testHarness, setup func(*RVEmu), fn func(*hart) bool) {
	t.Helper()
	k, err := New(Options{MemorySize: testMemorySize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var c *hart
	defer func() {
		if c != nil {
			k.machine.Put(c)
		}
		k.Destroy()
	}()
	if setup != nil {
		setup(k)
	}
	var done bool
	for !done {
		c = k.machine.Get()
		done = fn(c)
		k.machine.Put(c)
		c = nil
	}
}

// applicationTest maps target at testCodeAddr in a fresh address space,
// gives it a page of stack, and invokes fn with a hart and a context
// pointed at the first instruction.
func applicationTest(t testHarness, target []uint32, fn func(c *hart, ac *arch.TrapContext, as *addressSpace) bool) {
	t.Helper()
	var (
		as *addressSpace
		ac *arch.TrapContext
	)
	rvemuTest(t, func(k *RVEmu) {
		var err error
		as, err = newAddressSpace(k.machine)
		if err != nil {
			t.Fatalf("newAddressSpace: %v", err)
		}
		code, err := k.machine.Allocate(hostarch.PageSize)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := as.MapFile(testCodeAddr, code, hostarch.ReadExecute); err != nil {
			t.Fatalf("MapFile: %v", err)
		}
		buf := make([]byte, 4*len(target))
		for i, insn := range target {
			hostarch.ByteOrder.PutUint32(buf[4*i:], insn)
		}
		if _, err := as.CopyOut(pkgcontext.Background(), testCodeAddr, buf, usermem.IOOpts{IgnorePermissions: true}); err != nil {
			t.Fatalf("CopyOut: %v", err)
		}
		stack, err := k.machine.Allocate(hostarch.PageSize)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := as.MapFile(ring0.UserStackTop-hostarch.PageSize, stack, hostarch.ReadWrite); err != nil {
			t.Fatalf("MapFile: %v", err)
		}
		ac = arch.NewTrapContext(testCodeAddr, ring0.UserStackTop, 0, ring0.KernelStackTop(1), 0)
	}, func(c *hart) bool {
		return fn(c, ac, as)
	})
}

func TestAllocateFree(t *testing.T) {
	m, err := newMachine(Options{MemorySize: testMemorySize})
	if err != nil {
		t.Fatalf("newMachine: %v", err)
	}
	defer m.Destroy()

	if _, err := m.Allocate(0); err != linuxerr.EINVAL {
		t.Errorf("Allocate(0): got %v, wanted %v", err, linuxerr.EINVAL)
	}
	if _, err := m.Allocate(123); err != linuxerr.EINVAL {
		t.Errorf("Allocate(123): got %v, wanted %v", err, linuxerr.EINVAL)
	}
	if _, err := m.Allocate(2 * testMemorySize); err != linuxerr.ENOMEM {
		t.Errorf("oversized Allocate: got %v, wanted %v", err, linuxerr.ENOMEM)
	}

	// First fit reuses a freed frame.
	fr1, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	fr2, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.Free(fr1)
	fr3, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fr3 != fr1 {
		t.Errorf("reallocation: got %v, wanted %v", fr3, fr1)
	}
	m.Free(fr2)

	// Dirty, free, reallocate: the frame must come back zeroed.
	b := m.mem.Slice(fr3.Start, hostarch.PageSize)
	for i := range b {
		b[i] = 0xaa
	}
	m.Free(fr3)
	fr4, err := m.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fr4 != fr3 {
		t.Errorf("reallocation: got %v, wanted %v", fr4, fr3)
	}
	b = m.mem.Slice(fr4.Start, hostarch.PageSize)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d of reallocated frame not zeroed: %#x", i, v)
		}
	}
	m.Free(fr4)
}

func TestApplicationSyscall(t *testing.T) {
	applicationTest(t, testProgramSyscall, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		if vector := c.SwitchToUser(ring0.SwitchOpts{
			TrapContext: ac,
			PageTables:  as.pt,
			UserASID:    as.asid,
			KernelSP:    ac.KernelSP,
		}); vector != ring0.Syscall {
			t.Errorf("application syscall: got %v, wanted %v", vector, ring0.Syscall)
		}
		if got, want := ac.Sepc, uint64(testCodeAddr+4); got != want {
			t.Errorf("sepc: got %#x, wanted %#x", got, want)
		}
		if got := ac.SyscallNo(); got != 93 {
			t.Errorf("syscall number: got %d, wanted 93", got)
		}
		return true
	})
}

func TestApplicationFault(t *testing.T) {
	applicationTest(t, testProgramLoadFault, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		if vector := c.SwitchToUser(ring0.SwitchOpts{
			TrapContext: ac,
			PageTables:  as.pt,
			UserASID:    as.asid,
			KernelSP:    ac.KernelSP,
		}); vector != ring0.LoadPageFault {
			t.Errorf("application load fault: got %v, wanted %v", vector, ring0.LoadPageFault)
		}
		if got, want := c.GetFaultAddr(), uint64(0x40000); got != want {
			t.Errorf("fault address: got %#x, wanted %#x", got, want)
		}
		if got, want := ac.Sepc, uint64(testCodeAddr+4); got != want {
			t.Errorf("sepc: got %#x, wanted %#x", got, want)
		}
		return true
	})
}

func TestRegistersSyscall(t *testing.T) {
	applicationTest(t, testProgramTwiddle, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		setTestRegs(ac)
		if vector := c.SwitchToUser(ring0.SwitchOpts{
			TrapContext: ac,
			PageTables:  as.pt,
			UserASID:    as.asid,
			KernelSP:    ac.KernelSP,
		}); vector != ring0.Syscall {
			t.Errorf("application twiddle: got %v, wanted %v", vector, ring0.Syscall)
		}
		if err := checkTestRegs(ac); err != nil {
			t.Errorf("register check failed: %v", err)
		}
		return true
	})
}

func TestRegistersRoundTrip(t *testing.T) {
	applicationTest(t, testProgramEcallPair, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		setTestRegs(ac)
		want := ac.Regs
		for round := 0; round < 2; round++ {
			if vector := c.SwitchToUser(ring0.SwitchOpts{
				TrapContext: ac,
				PageTables:  as.pt,
				UserASID:    as.asid,
				KernelSP:    ac.KernelSP,
			}); vector != ring0.Syscall {
				t.Fatalf("round %d: got %v, wanted %v", round, vector, ring0.Syscall)
			}
			if got, wantPC := ac.Sepc, uint64(testCodeAddr+4*round); got != wantPC {
				t.Errorf("round %d sepc: got %#x, wanted %#x", round, got, wantPC)
			}
			if diff := cmp.Diff(want, ac.Regs); diff != "" {
				t.Errorf("round %d registers (-want +got):\n%s", round, diff)
			}
			ac.Sepc += 4
		}
		return true
	})
}

func TestEmptyAddressSpace(t *testing.T) {
	rvemuTest(t, nil, func(c *hart) bool {
		as, err := newAddressSpace(c.machine)
		if err != nil {
			t.Fatalf("newAddressSpace: %v", err)
		}
		defer as.Release()
		ac := arch.NewTrapContext(testCodeAddr, ring0.UserStackTop, 0, ring0.KernelStackTop(1), 0)
		if vector := c.SwitchToUser(ring0.SwitchOpts{
			TrapContext: ac,
			PageTables:  as.pt,
			UserASID:    as.asid,
			KernelSP:    ac.KernelSP,
		}); vector != ring0.InstructionPageFault {
			t.Errorf("empty address space: got %v, wanted %v", vector, ring0.InstructionPageFault)
		}
		if got, want := c.GetFaultAddr(), uint64(testCodeAddr); got != want {
			t.Errorf("fault address: got %#x, wanted %#x", got, want)
		}
		return true
	})
}

func TestBounce(t *testing.T) {
	applicationTest(t, testProgramSpin, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		go func() {
			time.Sleep(time.Millisecond)
			c.NotifyInterrupt()
		}()
		if vector := c.SwitchToUser(ring0.SwitchOpts{
			TrapContext: ac,
			PageTables:  as.pt,
			UserASID:    as.asid,
			KernelSP:    ac.KernelSP,
		}); vector != ring0.SoftwareInterrupt {
			t.Errorf("application spin: got %v, wanted %v", vector, ring0.SoftwareInterrupt)
		}
		return true
	})
}

func TestBounceStress(t *testing.T) {
	applicationTest(t, testProgramSpin, func(c *hart, ac *arch.TrapContext, as *addressSpace) bool {
		randomSleep := func() {
			if n := rand.Intn(1000); n > 100 {
				time.Sleep(time.Duration(n) * time.Microsecond)
			}
		}
		var g errgroup.Group
		for i := 0; i < 1000; i++ {
			// An asynchronously executing goroutine interrupts at a
			// random point; the spin can only exit through it.
			g.Go(func() error {
				randomSleep()
				c.NotifyInterrupt()
				return nil
			})
			randomSleep()
			vector := c.SwitchToUser(ring0.SwitchOpts{
				TrapContext: ac,
				PageTables:  as.pt,
				UserASID:    as.asid,
				KernelSP:    ac.KernelSP,
			})
			if vector != ring0.SoftwareInterrupt {
				t.Errorf("iteration %d: got %v, wanted %v", i, vector, ring0.SoftwareInterrupt)
				break
			}
		}
		g.Wait()
		return true
	})
}

// contextTest maps target at testCodeAddr and invokes fn with a context on
// the public platform surface. No hart is held across fn, so Switch is
// free to take one from the pool.
func contextTest(t testHarness, target []uint32, fn func(ctx platform.Context, ac *arch.TrapContext, as platform.AddressSpace)) {
	t.Helper()
	k, err := New(Options{MemorySize: testMemorySize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Destroy()
	as, err := k.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	defer as.Release()
	code, err := k.machine.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := as.MapFile(testCodeAddr, code, hostarch.ReadExecute); err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	buf := make([]byte, 4*len(target))
	for i, insn := range target {
		hostarch.ByteOrder.PutUint32(buf[4*i:], insn)
	}
	if _, err := as.CopyOut(pkgcontext.Background(), testCodeAddr, buf, usermem.IOOpts{IgnorePermissions: true}); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	ac := arch.NewTrapContext(testCodeAddr, ring0.UserStackTop, 0, ring0.KernelStackTop(1), 0)
	ctx := k.NewContext()
	defer ctx.Release()
	fn(ctx, ac, as)
}

func TestContextSyscall(t *testing.T) {
	contextTest(t, testProgramSyscall, func(ctx platform.Context, ac *arch.TrapContext, as platform.AddressSpace) {
		si, _, err := ctx.Switch(pkgcontext.Background(), as, ac)
		if err != nil {
			t.Fatalf("Switch: got %v, wanted nil", err)
		}
		if si != nil {
			t.Errorf("signal info: got %v, wanted nil", si)
		}
		if got := ac.SyscallNo(); got != 93 {
			t.Errorf("syscall number: got %d, wanted 93", got)
		}
	})
}

func TestContextSignal(t *testing.T) {
	contextTest(t, testProgramStoreFault, func(ctx platform.Context, ac *arch.TrapContext, as platform.AddressSpace) {
		si, at, err := ctx.Switch(pkgcontext.Background(), as, ac)
		if err != platform.ErrContextSignal {
			t.Fatalf("Switch: got %v, wanted %v", err, platform.ErrContextSignal)
		}
		if got := linux.Signal(si.Signo); got != linux.SIGSEGV {
			t.Errorf("signal: got %v, wanted %v", got, linux.SIGSEGV)
		}
		if si.Code != linux.SEGV_MAPERR {
			t.Errorf("code: got %d, wanted %d", si.Code, linux.SEGV_MAPERR)
		}
		if got, want := si.Addr(), uint64(0x40000); got != want {
			t.Errorf("address: got %#x, wanted %#x", got, want)
		}
		if !at.Write {
			t.Errorf("access type: got %v, wanted write", at)
		}
	})
}

func TestContextAccessError(t *testing.T) {
	contextTest(t, testProgramStoreToCode, func(ctx platform.Context, ac *arch.TrapContext, as platform.AddressSpace) {
		si, _, err := ctx.Switch(pkgcontext.Background(), as, ac)
		if err != platform.ErrContextSignal {
			t.Fatalf("Switch: got %v, wanted %v", err, platform.ErrContextSignal)
		}
		if got := linux.Signal(si.Signo); got != linux.SIGSEGV {
			t.Errorf("signal: got %v, wanted %v", got, linux.SIGSEGV)
		}
		if si.Code != linux.SEGV_ACCERR {
			t.Errorf("code: got %d, wanted %d", si.Code, linux.SEGV_ACCERR)
		}
		if got, want := si.Addr(), uint64(testCodeAddr); got != want {
			t.Errorf("address: got %#x, wanted %#x", got, want)
		}
	})
}

func TestContextInterrupt(t *testing.T) {
	contextTest(t, testProgramSpin, func(ctx platform.Context, ac *arch.TrapContext, as platform.AddressSpace) {
		// Interrupt before Switch: the switch must not run at all.
		ctx.Interrupt()
		if _, _, err := ctx.Switch(pkgcontext.Background(), as, ac); err != platform.ErrContextInterrupt {
			t.Fatalf("Switch: got %v, wanted %v", err, platform.ErrContextInterrupt)
		}

		// Interrupt mid-run: the spin can only exit through it.
		go func() {
			time.Sleep(time.Millisecond)
			ctx.Interrupt()
		}()
		if _, _, err := ctx.Switch(pkgcontext.Background(), as, ac); err != platform.ErrContextInterrupt {
			t.Fatalf("Switch: got %v, wanted %v", err, platform.ErrContextInterrupt)
		}
	})
}
