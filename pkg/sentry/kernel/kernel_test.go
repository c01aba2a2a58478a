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
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sentry/arch"
	"rvisor.dev/rvisor/pkg/sentry/platform/rvemu"
	"rvisor.dev/rvisor/pkg/usermem"
)

const testMemorySize = 16 << 20

func lui(rd int, imm int64) uint32 {
	return riscv.EncodeU(riscv.OpLui, rd, imm)
}

// luiAddr loads a page-aligned address, relying on lui's sign extension
// for the high kernel-adjacent pages.
func luiAddr(rd int, addr uint64) uint32 {
	return lui(rd, int64(addr))
}

// program assembles words into a little-endian flat image.
func program(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// split lays main at the image start and a second fragment one page in, so
// a handler can live at a fixed address away from the entry code.
func split(main, second []uint32) []byte {
	img := make([]byte, hostarch.PageSize+4*len(second))
	copy(img, program(main...))
	copy(img[hostarch.PageSize:], program(second...))
	return img
}

// kernelTest builds a kernel on a fresh emulated machine.
func kernelTest(t testing.TB, opts Options) (*Kernel, func()) {
	t.Helper()
	pf, err := rvemu.New(rvemu.Options{MemorySize: testMemorySize})
	if err != nil {
		t.Fatalf("rvemu.New: %v", err)
	}
	opts.Platform = pf
	k, err := New(opts)
	if err != nil {
		pf.Destroy()
		t.Fatalf("New: %v", err)
	}
	return k, pf.Destroy
}

// runKernel drives the kernel to completion with a generous deadline.
func runKernel(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func checkExit(t *testing.T, task *Task, status int32) {
	t.Helper()
	if got := task.State(); got != TaskExited {
		t.Fatalf("task %d state: got %v, wanted exited", task.TID(), got)
	}
	if got := task.ExitStatus(); got != status {
		t.Errorf("task %d exit status: got %d, wanted %d", task.TID(), got, status)
	}
}

func TestRunNoTasks(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	runKernel(t, k)
}

func TestRunExit(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Name: "exit42",
		Image: program(
			riscv.LI(riscv.RegA0, 42),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 42)
}

func TestWriteConsole(t *testing.T) {
	var console bytes.Buffer
	k, cleanup := kernelTest(t, Options{Console: &console})
	defer cleanup()
	// Write "h" to stdout and "i" to stderr, then exit with the second
	// write's return value.
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(
			riscv.ADDI(riscv.RegSP, riscv.RegSP, -8),
			riscv.LI(riscv.RegT0, 'h'),
			riscv.SD(riscv.RegT0, riscv.RegSP, 0),
			riscv.LI(riscv.RegA0, 1),
			riscv.MV(riscv.RegA1, riscv.RegSP),
			riscv.LI(riscv.RegA2, 1),
			riscv.LI(riscv.RegA7, linux.SYS_WRITE),
			riscv.InsnECALL,
			riscv.LI(riscv.RegT0, 'i'),
			riscv.SD(riscv.RegT0, riscv.RegSP, 0),
			riscv.LI(riscv.RegA0, 2),
			riscv.LI(riscv.RegA7, linux.SYS_WRITE),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 1)
	if got := console.String(); got != "hi" {
		t.Errorf("console: got %q, wanted %q", got, "hi")
	}
}

func TestYieldRoundRobin(t *testing.T) {
	var console bytes.Buffer
	k, cleanup := kernelTest(t, Options{Console: &console})
	defer cleanup()
	writer := func(c byte) []byte {
		return program(
			riscv.ADDI(riscv.RegSP, riscv.RegSP, -8),
			riscv.LI(riscv.RegT0, int64(c)),
			riscv.SD(riscv.RegT0, riscv.RegSP, 0),
			riscv.LI(riscv.RegA0, 1),
			riscv.MV(riscv.RegA1, riscv.RegSP),
			riscv.LI(riscv.RegA2, 1),
			riscv.LI(riscv.RegA7, linux.SYS_WRITE),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA7, linux.SYS_SCHED_YIELD),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA0, 1),
			riscv.LI(riscv.RegA7, linux.SYS_WRITE),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA0, 0),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		)
	}
	ctx := context.Background()
	a, err := k.CreateTask(ctx, TaskConfig{Name: "a", Image: writer('a')})
	if err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	b, err := k.CreateTask(ctx, TaskConfig{Name: "b", Image: writer('b')})
	if err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}
	runKernel(t, k)
	checkExit(t, a, 0)
	checkExit(t, b, 0)
	if got := console.String(); got != "abab" {
		t.Errorf("console: got %q, wanted %q", got, "abab")
	}
}

// installAct builds the preamble that registers a handler one page past
// the image base for the given signal. The sigaction struct is assembled
// on the application stack.
func installAct(handlerAddr uint64, sig int64) []uint32 {
	return []uint32{
		riscv.ADDI(riscv.RegSP, riscv.RegSP, -32),
		luiAddr(riscv.RegT0, handlerAddr),
		riscv.SD(riscv.RegT0, riscv.RegSP, 0),
		riscv.SD(riscv.RegZero, riscv.RegSP, 8),
		riscv.SD(riscv.RegZero, riscv.RegSP, 16),
		riscv.SD(riscv.RegZero, riscv.RegSP, 24),
		riscv.LI(riscv.RegA0, sig),
		riscv.MV(riscv.RegA1, riscv.RegSP),
		riscv.LI(riscv.RegA2, 0),
		riscv.LI(riscv.RegA3, 8),
		riscv.LI(riscv.RegA7, linux.SYS_RT_SIGACTION),
		riscv.InsnECALL,
	}
}

// killSelf raises sig against the task's own pid.
func killSelf(sig int64) []uint32 {
	return []uint32{
		riscv.LI(riscv.RegA7, linux.SYS_GETPID),
		riscv.InsnECALL,
		riscv.LI(riscv.RegA1, sig),
		riscv.LI(riscv.RegA7, linux.SYS_KILL),
		riscv.InsnECALL,
	}
}

func cat(frags ...[]uint32) []uint32 {
	var out []uint32
	for _, f := range frags {
		out = append(out, f...)
	}
	return out
}

// TestSignalHandler delivers a caught signal and checks that the round
// trip is transparent: a callee-saved register loaded before the raise and
// clobbered inside the handler must come back intact, and the handler must
// observably run.
func TestSignalHandler(t *testing.T) {
	var console bytes.Buffer
	k, cleanup := kernelTest(t, Options{Console: &console})
	defer cleanup()

	const imageAddr = 0x1000
	const handlerAddr = imageAddr + hostarch.PageSize
	main := cat(
		installAct(handlerAddr, 7),
		[]uint32{riscv.LI(riscv.RegS2, 0x42)},
		killSelf(7),
		[]uint32{
			// Runs after the handler returns; s2 must have survived
			// the delivery, the handler's clobber, and the restore.
			riscv.MV(riscv.RegA0, riscv.RegS2),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		},
	)
	handler := []uint32{
		riscv.LI(riscv.RegS2, 0x77),
		riscv.LI(riscv.RegA0, 1),
		luiAddr(riscv.RegA1, uint64(ring0.UserStubsBase)),
		riscv.LI(riscv.RegA2, 1),
		riscv.LI(riscv.RegA7, linux.SYS_WRITE),
		riscv.InsnECALL,
		riscv.JR(riscv.RegRA),
	}

	task, err := k.CreateTask(context.Background(), TaskConfig{
		Name:      "handled",
		Image:     split(main, handler),
		ImageAddr: imageAddr,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 0x42)
	if got := console.Len(); got != 1 {
		t.Errorf("handler output: got %d bytes, wanted 1", got)
	}
}

// TestSignalDefaultIgnore raises a default-ignored signal and checks the
// task survives with registers intact.
func TestSignalDefaultIgnore(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(cat(
			[]uint32{riscv.LI(riscv.RegS2, 0x42)},
			killSelf(int64(linux.SIGCHLD)),
			[]uint32{
				riscv.MV(riscv.RegA0, riscv.RegS2),
				riscv.LI(riscv.RegA7, linux.SYS_EXIT),
				riscv.InsnECALL,
			},
		)...),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 0x42)
}

// TestSignalDefaultTerminate raises a default-fatal signal; the exit
// status is the signal number.
func TestSignalDefaultTerminate(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(cat(
			killSelf(int64(linux.SIGUSR1)),
			[]uint32{
				// Unreachable.
				riscv.LI(riscv.RegA0, 77),
				riscv.LI(riscv.RegA7, linux.SYS_EXIT),
				riscv.InsnECALL,
			},
		)...),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGUSR1))
}

// TestSignalKillUncatchable tries to install a handler for SIGKILL, which
// must fail, so the subsequent raise terminates the task.
func TestSignalKillUncatchable(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	const imageAddr = 0x1000
	const handlerAddr = imageAddr + hostarch.PageSize
	main := cat(
		installAct(handlerAddr, int64(linux.SIGKILL)),
		killSelf(int64(linux.SIGKILL)),
		[]uint32{
			riscv.LI(riscv.RegA0, 77),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		},
	)
	handler := []uint32{
		// Exiting 66 here would mean sigaction accepted SIGKILL.
		riscv.LI(riscv.RegA0, 66),
		riscv.LI(riscv.RegA7, linux.SYS_EXIT),
		riscv.InsnECALL,
	}
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image:     split(main, handler),
		ImageAddr: imageAddr,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGKILL))
}

// setMask assembles a SIG_SETMASK rt_sigprocmask call for an immediate
// mask value small enough for an addi.
func setMask(mask int64) []uint32 {
	return []uint32{
		riscv.ADDI(riscv.RegSP, riscv.RegSP, -16),
		riscv.LI(riscv.RegT0, mask),
		riscv.SD(riscv.RegT0, riscv.RegSP, 0),
		riscv.LI(riscv.RegA0, linux.SIG_SETMASK),
		riscv.MV(riscv.RegA1, riscv.RegSP),
		riscv.LI(riscv.RegA2, 0),
		riscv.LI(riscv.RegA3, 8),
		riscv.LI(riscv.RegA7, linux.SYS_RT_SIGPROCMASK),
		riscv.InsnECALL,
		riscv.ADDI(riscv.RegSP, riscv.RegSP, 16),
	}
}

// TestSignalMaskBlocks blocks SIGUSR1, raises it, and exits normally. The
// default action would have terminated the task if the mask leaked.
func TestSignalMaskBlocks(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(cat(
			setMask(1<<(int64(linux.SIGUSR1)-1)),
			killSelf(int64(linux.SIGUSR1)),
			[]uint32{
				riscv.LI(riscv.RegA0, 33),
				riscv.LI(riscv.RegA7, linux.SYS_EXIT),
				riscv.InsnECALL,
			},
		)...),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 33)
}

// TestSignalUnblockDelivers blocks SIGUSR1, raises it, then clears the
// mask; the pending signal must be delivered before the task runs again.
func TestSignalUnblockDelivers(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(cat(
			setMask(1<<(int64(linux.SIGUSR1)-1)),
			killSelf(int64(linux.SIGUSR1)),
			setMask(0),
			[]uint32{
				// Unreachable: the unblock delivers the fatal signal.
				riscv.LI(riscv.RegA0, 33),
				riscv.LI(riscv.RegA7, linux.SYS_EXIT),
				riscv.InsnECALL,
			},
		)...),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGUSR1))
}

// TestStopAndContinue stops the first task with SIGSTOP; the second task
// continues it and exits. The first must resume after its stop and finish.
func TestStopAndContinue(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	ctx := context.Background()
	stopper, err := k.CreateTask(ctx, TaskConfig{
		Name: "stopper",
		Image: program(cat(
			killSelf(int64(linux.SIGSTOP)),
			[]uint32{
				// Runs only after a SIGCONT.
				riscv.LI(riscv.RegA0, 44),
				riscv.LI(riscv.RegA7, linux.SYS_EXIT),
				riscv.InsnECALL,
			},
		)...),
	})
	if err != nil {
		t.Fatalf("CreateTask stopper: %v", err)
	}
	continuer, err := k.CreateTask(ctx, TaskConfig{
		Name: "continuer",
		Image: program(
			riscv.LI(riscv.RegA0, 1),
			riscv.LI(riscv.RegA1, int64(linux.SIGCONT)),
			riscv.LI(riscv.RegA7, linux.SYS_KILL),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA0, 0),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask continuer: %v", err)
	}
	runKernel(t, k)
	checkExit(t, stopper, 44)
	checkExit(t, continuer, 0)
}

// TestFaultTerminates stores to an unmapped page with no handler
// installed; the default SIGSEGV action kills the task.
func TestFaultTerminates(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(
			lui(riscv.RegT1, 0x4000),
			riscv.SD(riscv.RegZero, riscv.RegT1, 0),
		),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGSEGV))
}

// TestFaultHandlerSiAddr catches SIGSEGV and exits with the faulting
// address read out of the delivered siginfo.
func TestFaultHandlerSiAddr(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	const imageAddr = 0x1000
	const handlerAddr = imageAddr + hostarch.PageSize
	main := cat(
		installAct(handlerAddr, int64(linux.SIGSEGV)),
		[]uint32{
			lui(riscv.RegT1, 0x4000),
			riscv.SD(riscv.RegZero, riscv.RegT1, 0),
		},
	)
	handler := []uint32{
		// a1 points at the siginfo; the fault address is its third
		// 64-bit field.
		riscv.LD(riscv.RegA0, riscv.RegA1, 16),
		riscv.LI(riscv.RegA7, linux.SYS_EXIT),
		riscv.InsnECALL,
	}
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image:     split(main, handler),
		ImageAddr: imageAddr,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 0x4000)
}

// TestSigreturnBadFrame points the stack somewhere outside the application
// stack before the handler returns. The sigreturn must be rejected and the
// task killed rather than resuming from an unvalidated frame.
func TestSigreturnBadFrame(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	const imageAddr = 0x1000
	const handlerAddr = imageAddr + hostarch.PageSize
	main := cat(
		installAct(handlerAddr, 7),
		killSelf(7),
		[]uint32{
			// Unreachable: the corrupt frame is fatal.
			riscv.LI(riscv.RegA0, 77),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		},
	)
	handler := []uint32{
		lui(riscv.RegSP, 0x10000),
		riscv.JR(riscv.RegRA),
	}
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image:     split(main, handler),
		ImageAddr: imageAddr,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGSEGV))
}

// TestPreemption lets a spinning task hold the processor; the quantum must
// hand the second task a slice so it can kill the spinner.
func TestPreemption(t *testing.T) {
	k, cleanup := kernelTest(t, Options{Quantum: time.Millisecond})
	defer cleanup()
	ctx := context.Background()
	spinner, err := k.CreateTask(ctx, TaskConfig{
		Name:  "spinner",
		Image: program(riscv.JAL(riscv.RegZero, 0)),
	})
	if err != nil {
		t.Fatalf("CreateTask spinner: %v", err)
	}
	killer, err := k.CreateTask(ctx, TaskConfig{
		Name: "killer",
		Image: program(
			riscv.LI(riscv.RegA0, 1),
			riscv.LI(riscv.RegA1, int64(linux.SIGKILL)),
			riscv.LI(riscv.RegA7, linux.SYS_KILL),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA0, 0),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask killer: %v", err)
	}
	runKernel(t, k)
	checkExit(t, spinner, int32(linux.SIGKILL))
	checkExit(t, killer, 0)
}

// TestExternalSignal interrupts a spinning task from another goroutine,
// the way a forwarded host signal arrives.
func TestExternalSignal(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(riscv.JAL(riscv.RegZero, 0)),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := k.SendExternalSignal(SignalInfoPriv(linux.SIGKILL)); err != nil {
			t.Errorf("SendExternalSignal: %v", err)
		}
	}()
	runKernel(t, k)
	checkExit(t, task, int32(linux.SIGKILL))
}

// TestRunCanceled cancels the run context under a spinning task. Run must
// return promptly with the task parked runnable, not exited.
func TestRunCanceled(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(riscv.JAL(riscv.RegZero, 0)),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := k.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run: got %v, wanted %v", err, context.DeadlineExceeded)
	}
	if got := task.State(); got != TaskRunnable {
		t.Errorf("task state after cancel: got %v, wanted runnable", got)
	}
}

func TestCreateTaskRegs(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(
			riscv.MV(riscv.RegA0, riscv.RegS5),
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
		Regs: map[int]uint64{riscv.RegS5: 123},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, 123)
}

func TestCreateTaskBadConfig(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	ctx := context.Background()
	if _, err := k.CreateTask(ctx, TaskConfig{ImageAddr: 0x1234}); err == nil {
		t.Error("CreateTask accepted an unaligned image address")
	}
	if _, err := k.CreateTask(ctx, TaskConfig{Regs: map[int]uint64{32: 1}}); err == nil {
		t.Error("CreateTask accepted an out-of-range register index")
	}
}

// TestSyscallErrno checks that errors come back as negated errnos: an
// unimplemented syscall number returns -ENOSYS, observable as the exit
// status when passed straight to exit.
func TestSyscallErrno(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(
			riscv.LI(riscv.RegA7, 999),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, -38)
}

func TestKillNoSuchTask(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	task, err := k.CreateTask(context.Background(), TaskConfig{
		Image: program(
			riscv.LI(riscv.RegA0, 55),
			riscv.LI(riscv.RegA1, int64(linux.SIGKILL)),
			riscv.LI(riscv.RegA7, linux.SYS_KILL),
			riscv.InsnECALL,
			riscv.LI(riscv.RegA7, linux.SYS_EXIT),
			riscv.InsnECALL,
		),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	runKernel(t, k)
	checkExit(t, task, -3)
}

// TestSwitchSymmetry pushes and pops execution contexts through the guest
// kernel stacks and checks the records survive the round trip bit for bit.
func TestSwitchSymmetry(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	ctx := context.Background()
	task, err := k.CreateTask(ctx, TaskConfig{Image: program(riscv.InsnECALL)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// The freshly created task pops a pristine record aimed at the
	// return-to-user path.
	k.switchTo(ctx, task)
	if got, want := task.kctx.RA, ring0.AddrOfUserRestore(); got != want {
		t.Errorf("fresh context ra: got %#x, wanted %#x", got, want)
	}
	for i, v := range task.kctx.SavedRegs {
		if v != 0 {
			t.Errorf("fresh context s%d: got %#x, wanted 0", i, v)
		}
	}
	if task.kctxAddr != 0 {
		t.Errorf("live task kctxAddr: got %#x, wanted 0", task.kctxAddr)
	}

	// Park a recognizable record and read it back out of guest memory.
	task.kctx.RA = 0x1234
	for i := range task.kctx.SavedRegs {
		task.kctx.SavedRegs[i] = 0xabc0 + uint64(i)
	}
	want := task.kctx
	k.switchFrom(ctx, task)
	if task.kctxAddr == 0 {
		t.Fatal("parked task has no record address")
	}
	var words [13]uint64
	kas := k.Platform.KernelAddressSpace()
	if err := usermem.CopyUint64SliceIn(ctx, kas, task.kctxAddr, words[:], usermem.IOOpts{}); err != nil {
		t.Fatalf("reading parked record: %v", err)
	}
	if words[0] != want.RA {
		t.Errorf("parked ra: got %#x, wanted %#x", words[0], want.RA)
	}
	for i, v := range want.SavedRegs {
		if words[1+i] != v {
			t.Errorf("parked s%d: got %#x, wanted %#x", i, words[1+i], v)
		}
	}

	// The next switch restores the same record.
	task.kctx = arch.ProcessContext{}
	k.switchTo(ctx, task)
	if task.kctx != want {
		t.Errorf("resumed context: got %+v, wanted %+v", task.kctx, want)
	}
	k.switchFrom(ctx, task)
}

// TestProcessorStackBalanced runs several tasks to exit and checks that
// the loop's own stack bookkeeping returns to its reset state, so records
// cannot accumulate on the tid 0 stack across task lifetimes.
func TestProcessorStackBalanced(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	exit := program(
		riscv.LI(riscv.RegA0, 0),
		riscv.LI(riscv.RegA7, linux.SYS_EXIT),
		riscv.InsnECALL,
	)
	tasks := make([]*Task, 0, 3)
	for i := 0; i < 3; i++ {
		task, err := k.CreateTask(context.Background(), TaskConfig{Image: exit})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		tasks = append(tasks, task)
	}
	runKernel(t, k)
	for _, task := range tasks {
		checkExit(t, task, 0)
	}
	if k.procCtxAddr != 0 {
		t.Errorf("processor record still parked at %#x", k.procCtxAddr)
	}
	if got, want := k.procSP, hostarch.Addr(ring0.KernelStackTop(0)); got != want {
		t.Errorf("processor sp: got %#x, wanted %#x", got, want)
	}
}

// TestWriteFaults drives sysWrite directly at unmapped and partially
// mapped buffers.
func TestWriteFaults(t *testing.T) {
	var console bytes.Buffer
	k, cleanup := kernelTest(t, Options{Console: &console})
	defer cleanup()
	ctx := context.Background()
	task, err := k.CreateTask(ctx, TaskConfig{Image: program(riscv.InsnECALL)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	args := arch.SyscallArguments{
		{Value: 1},
		{Value: 0x4000},
		{Value: 8},
	}
	if _, err := k.sysWrite(ctx, task, args); err != linuxerr.EFAULT {
		t.Errorf("write to unmapped buffer: got %v, wanted EFAULT", err)
	}

	// A buffer running off the end of the image page writes the mapped
	// prefix and reports a short count.
	args = arch.SyscallArguments{
		{Value: 1},
		{Value: DefaultImageAddr + hostarch.PageSize - 4},
		{Value: 8},
	}
	n, err := k.sysWrite(ctx, task, args)
	if err != nil || n != 4 {
		t.Errorf("short write: got (%d, %v), wanted (4, nil)", n, err)
	}
	if console.Len() != 4 {
		t.Errorf("console: got %d bytes, wanted 4", console.Len())
	}

	args = arch.SyscallArguments{
		{Value: 7},
		{Value: DefaultImageAddr},
		{Value: 4},
	}
	if _, err := k.sysWrite(ctx, task, args); err != linuxerr.EBADF {
		t.Errorf("write to bad fd: got %v, wanted EBADF", err)
	}
}

// TestGettimeofday drives the syscall directly and reads the result out of
// the application stack.
func TestGettimeofday(t *testing.T) {
	k, cleanup := kernelTest(t, Options{})
	defer cleanup()
	ctx := context.Background()
	task, err := k.CreateTask(ctx, TaskConfig{Image: program(riscv.InsnECALL)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	tv := uint64(ring0.UserStackTop) - 16
	before := time.Now().Unix()
	if _, err := k.sysGettimeofday(ctx, task, arch.SyscallArguments{{Value: tv}}); err != nil {
		t.Fatalf("sysGettimeofday: %v", err)
	}
	var words [2]uint64
	if err := usermem.CopyUint64SliceIn(ctx, task.as, hostarch.Addr(tv), words[:], usermem.IOOpts{}); err != nil {
		t.Fatalf("reading timeval: %v", err)
	}
	if sec := int64(words[0]); sec < before || sec > before+60 {
		t.Errorf("tv_sec: got %d, wanted about %d", sec, before)
	}
	if words[1] >= 1000000 {
		t.Errorf("tv_usec: got %d, wanted < 1000000", words[1])
	}
}
