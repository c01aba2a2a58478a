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
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/runrv/cmd/util"
	"rvisor.dev/rvisor/runrv/flag"
)

// Trace implements subcommands.Command for the "trace" command. It is run
// with debug logging forced on, so every switch emits the trap vector,
// faulting pc and trap value, and the kernel emits its syscall and signal
// decisions.
type Trace struct {
	Run

	traceFile string
}

// Name implements subcommands.Command.Name.
func (*Trace) Name() string {
	return "trace"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Trace) Synopsis() string {
	return "run a workload with a per-trap trace"
}

// Usage implements subcommands.Command.Usage.
func (*Trace) Usage() string {
	return `trace [flags] <image|scenario> - run a workload with a per-trap trace.

The trace is written to stderr, or with -trace-file appended to a locked
file so concurrent invocations do not interleave.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Trace) SetFlags(f *flag.FlagSet) {
	t.Run.SetFlags(f)
	f.StringVar(&t.traceFile, "trace-file", "", "file to append the trace to; empty writes to stderr.")
}

// Execute implements subcommands.Command.Execute.
func (t *Trace) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out := io.Writer(os.Stderr)
	if t.traceFile != "" {
		l := flock.New(t.traceFile)
		if err := l.Lock(); err != nil {
			return util.Errorf("error acquiring lock on %q: %v", t.traceFile, err)
		}
		defer l.Unlock()
		file, err := os.OpenFile(t.traceFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return util.Errorf("error opening trace file %q: %v", t.traceFile, err)
		}
		defer file.Close()
		out = file
	}
	log.SetLevel(log.Debug)
	log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: out}})
	return t.Run.Execute(ctx, f, args...)
}
