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

// Package config provides the configuration for runrv. Fields are populated
// from command-line flags, optionally overridden by a TOML file, via the
// flag tags on Config.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/runrv/flag"
)

// Config holds configuration that applies across commands. It is not part
// of the scenario describing a workload.
type Config struct {
	// RootDir is the runtime root directory where state and lock files
	// live.
	RootDir string `flag:"root"`

	// LogFilename is the file to log to. Empty means logs are discarded.
	LogFilename string `flag:"log"`

	// LogFormat is one of text, json, or json-k8s.
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging, including the per-trap trace lines.
	Debug bool `flag:"debug"`

	// DebugLog is an additional file for debug logs.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the format of the debug log.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr copies debug log output to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// TotalMemory is the guest physical memory size.
	TotalMemory MemSize `flag:"total-memory"`

	// Quantum is the preemption interval for round-robin scheduling. Zero
	// disables preemption; each task then runs until it traps.
	Quantum time.Duration `flag:"quantum"`

	// Harts bounds the emulated hart pool. Zero sizes the pool to the
	// host.
	Harts int `flag:"harts"`
}

func (c *Config) validate() error {
	if err := checkLogFormat(c.LogFormat); err != nil {
		return err
	}
	if err := checkLogFormat(c.DebugLogFormat); err != nil {
		return err
	}
	if c.Quantum < 0 {
		return fmt.Errorf("invalid quantum %v, must not be negative", c.Quantum)
	}
	if c.Harts < 0 {
		return fmt.Errorf("invalid harts %d, must not be negative", c.Harts)
	}
	return nil
}

func checkLogFormat(format string) error {
	switch format {
	case "text", "json", "json-k8s":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	}
}

// Log logs the configuration.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("Config.%s (--%s): %v", f.Name, name, obj.Field(i).Interface())
		} else {
			log.Infof("Config.%s: %v", f.Name, obj.Field(i).Interface())
		}
	}
}

// file is the TOML config file layout. Entries of the flags table are
// applied as if passed --key=value on the command line; flags given
// explicitly on the command line keep their value.
type file struct {
	Flags map[string]string `toml:"flags"`
}

// ApplyFile sets flag values from the TOML file at path. It must run after
// the flag set is parsed and before NewFromFlags reads it.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return err
	}
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	for name, value := range f.Flags {
		if set[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("unknown flag %q in %s", name, path)
		}
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("setting --%s=%q from %s: %w", name, value, path, err)
		}
	}
	return nil
}

// MemSize is a flag value holding a byte count. It accepts K, M and G
// suffixes on top of the usual integer syntax.
type MemSize uint64

func memSizePtr(v uint64) *MemSize {
	m := MemSize(v)
	return &m
}

// String implements flag.Value.String.
func (m *MemSize) String() string {
	v := uint64(*m)
	switch {
	case v >= 1<<30 && v%(1<<30) == 0:
		return fmt.Sprintf("%dG", v>>30)
	case v >= 1<<20 && v%(1<<20) == 0:
		return fmt.Sprintf("%dM", v>>20)
	case v >= 1<<10 && v%(1<<10) == 0:
		return fmt.Sprintf("%dK", v>>10)
	default:
		return strconv.FormatUint(v, 10)
	}
}

// Get implements flag.Getter.Get.
func (m *MemSize) Get() any {
	return *m
}

// Set implements flag.Value.Set.
func (m *MemSize) Set(s string) error {
	digits := s
	shift := uint(0)
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'k', 'K':
			shift, digits = 10, s[:len(s)-1]
		case 'm', 'M':
			shift, digits = 20, s[:len(s)-1]
		case 'g', 'G':
			shift, digits = 30, s[:len(s)-1]
		}
	}
	v, err := strconv.ParseUint(digits, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %v", s, err)
	}
	if shift > 0 && v != v<<shift>>shift {
		return fmt.Errorf("size %q overflows", s)
	}
	*m = MemSize(v << shift)
	return nil
}
