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

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/runrv/cmd/util"
	"rvisor.dev/rvisor/runrv/flag"
)

// Offsets implements subcommands.Command for the "offsets" command.
type Offsets struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Offsets) Name() string {
	return "offsets"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Offsets) Synopsis() string {
	return "print the transition layout and context record offsets"
}

// Usage implements subcommands.Command.Usage.
func (*Offsets) Usage() string {
	return `offsets [flags] - print the transition layout and context record offsets.

The output is an assembly header of #define lines describing the fixed
address layout and the slot offsets of the context records.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (o *Offsets) SetFlags(f *flag.FlagSet) {
	f.StringVar(&o.output, "o", "", "file to write to; empty writes to stdout.")
}

// Execute implements subcommands.Command.Execute.
func (o *Offsets) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	w := io.Writer(os.Stdout)
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			util.Fatalf("error creating file %q: %v", o.output, err)
		}
		defer f.Close()
		w = f
	}
	ring0.Emit(w)
	return subcommands.ExitSuccess
}
