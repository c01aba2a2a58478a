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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/sentry/kernel"
	"rvisor.dev/rvisor/pkg/sentry/platform/rvemu"
	"rvisor.dev/rvisor/runrv/cmd/util"
	"rvisor.dev/rvisor/runrv/config"
	"rvisor.dev/rvisor/runrv/flag"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	loadAddr    uint64
	entry       uint64
	interactive bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a flat RV64 binary or a YAML scenario to completion"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <image|scenario> - run a workload to completion.

A bare file runs as a single task. A path ending in .yaml or .yml is a
scenario describing one machine with one or more tasks. The exit status of
the first task becomes the exit status of runrv.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.loadAddr, "load-addr", 0, "guest load address for a flat image; 0 loads at the default address.")
	f.Uint64Var(&r.entry, "entry", 0, "entry point for a flat image; 0 enters at the load address.")
	f.BoolVar(&r.interactive, "i", false, "put the terminal in raw mode for the duration of the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)
	conf := args[0].(*config.Config)
	waitStatus := args[1].(*unix.WaitStatus)

	scn, err := loadScenario(path, r.loadAddr, r.entry)
	if err != nil {
		return util.Errorf("loading %q: %v", path, err)
	}
	results, err := r.exec(ctx, conf, scn)
	if err != nil {
		return util.Errorf("running %q: %v", path, err)
	}
	for _, res := range results {
		util.Infof("task %d (%s): exit status %d", res.tid, res.name, res.status)
	}
	*waitStatus = exitWaitStatus(results[0].status)
	return subcommands.ExitSuccess
}

// taskResult captures one task's exit for reporting after the machine
// stops.
type taskResult struct {
	tid    uint64
	name   string
	status int32
}

// exec runs the scenario to completion and returns the task exits in tid
// order.
func (r *Run) exec(ctx context.Context, conf *config.Config, scn *scenario) ([]taskResult, error) {
	runDir := filepath.Join(conf.RootDir, scn.name)
	unlock, err := lockRuntimeDir(runDir)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := saveMetadata(runDir, scn.name); err != nil {
		return nil, err
	}
	defer os.Remove(filepath.Join(runDir, metadataFilename))

	mem := uint64(conf.TotalMemory)
	if scn.memory != 0 {
		mem = scn.memory
	}
	pf, err := rvemu.New(rvemu.Options{MemorySize: mem, Harts: conf.Harts})
	if err != nil {
		return nil, err
	}
	defer pf.Destroy()

	k, err := kernel.New(kernel.Options{
		Platform: pf,
		Console:  os.Stdout,
		Quantum:  conf.Quantum,
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]*kernel.Task, 0, len(scn.Tasks))
	for _, tc := range scn.Tasks {
		task, err := k.CreateTask(ctx, kernel.TaskConfig{
			Name:      tc.Name,
			Image:     tc.image,
			ImageAddr: tc.Addr,
			Entry:     tc.Entry,
			Regs:      tc.regs,
		})
		if err != nil {
			return nil, fmt.Errorf("creating task %q: %v", tc.Name, err)
		}
		tasks = append(tasks, task)
	}

	// Forward the usual termination signals into the machine.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go forwardSignals(k, sigCh)

	if r.interactive {
		restore, err := rawConsole(k)
		if err != nil {
			return nil, err
		}
		defer restore()
	}

	if err := k.Run(ctx); err != nil {
		return nil, err
	}

	results := make([]taskResult, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, taskResult{tid: t.TID(), name: t.Name(), status: t.ExitStatus()})
	}
	return results, nil
}

// forwardSignals relays host signals to the machine until the channel
// closes. The signal numbering is the same on both sides of the boundary.
func forwardSignals(k *kernel.Kernel, ch <-chan os.Signal) {
	for s := range ch {
		sig, ok := s.(unix.Signal)
		if !ok {
			continue
		}
		if err := k.SendExternalSignal(kernel.SignalInfoPriv(linux.Signal(sig))); err != nil {
			log.Warningf("forwarding %v: %v", s, err)
		}
	}
}

// rawConsole puts the terminal in raw mode for the duration of the run.
// The tty driver generates no signals in raw mode, so a watcher scans
// stdin for the interrupt and quit bytes and forwards those itself.
func rawConsole(k *kernel.Kernel) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("putting terminal in raw mode: %v", err)
	}
	go watchInput(k)
	return func() { term.Restore(fd, oldState) }, nil
}

// watchInput forwards the interrupt and quit bytes from a raw terminal.
func watchInput(k *kernel.Kernel) {
	var buf [1]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		var sig linux.Signal
		switch buf[0] {
		case 0x03: // ^C
			sig = linux.SIGINT
		case 0x1c: // ^\ (quit)
			sig = linux.SIGQUIT
		default:
			continue
		}
		if err := k.SendExternalSignal(kernel.SignalInfoPriv(sig)); err != nil {
			return
		}
	}
}

// metadata is the record left in the runtime directory while the scenario
// runs, for inspection by other invocations.
type metadata struct {
	Scenario string    `json:"scenario"`
	PID      int       `json:"pid"`
	Started  time.Time `json:"started"`
}

func saveMetadata(dir, name string) error {
	meta, err := json.Marshal(metadata{
		Scenario: name,
		PID:      os.Getpid(),
		Started:  time.Now(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFilename), meta, 0640)
}
