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

// Package flag wraps the standard flag package so commands and the config
// package share a single registration surface.
package flag

import (
	"flag"
	"time"
)

// The following are aliases to the standard flag types.
type (
	// FlagSet is an alias to flag.FlagSet.
	FlagSet = flag.FlagSet

	// Flag is an alias to flag.Flag.
	Flag = flag.Flag

	// Value is an alias to flag.Value.
	Value = flag.Value

	// ErrorHandling is an alias to flag.ErrorHandling.
	ErrorHandling = flag.ErrorHandling
)

// The following are aliases to the standard flag error handling modes.
const (
	// ContinueOnError is an alias to flag.ContinueOnError.
	ContinueOnError = flag.ContinueOnError

	// ExitOnError is an alias to flag.ExitOnError.
	ExitOnError = flag.ExitOnError

	// PanicOnError is an alias to flag.PanicOnError.
	PanicOnError = flag.PanicOnError
)

// CommandLine is the default command-line flag set.
var CommandLine = flag.CommandLine

// NewFlagSet returns a new flag set.
func NewFlagSet(name string, errorHandling ErrorHandling) *FlagSet {
	return flag.NewFlagSet(name, errorHandling)
}

// Parse parses the command line.
func Parse() {
	flag.Parse()
}

// Lookup looks up a command-line flag by name.
func Lookup(name string) *Flag {
	return flag.Lookup(name)
}

// The following methods register flags on the default command-line set.

// Bool registers a bool flag.
func Bool(name string, def bool, usage string) *bool {
	return flag.Bool(name, def, usage)
}

// Int registers an int flag.
func Int(name string, def int, usage string) *int {
	return flag.Int(name, def, usage)
}

// String registers a string flag.
func String(name, def, usage string) *string {
	return flag.String(name, def, usage)
}

// Duration registers a time.Duration flag.
func Duration(name string, def time.Duration, usage string) *time.Duration {
	return flag.Duration(name, def, usage)
}

// Get returns the flag's underlying object. Every registered flag value
// implements flag.Getter; the standard types do since Go 1.2.
func Get(v Value) any {
	return v.(flag.Getter).Get()
}
