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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rvisor.dev/rvisor/runrv/flag"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// "--root" is always set to something different than the default.
	// Reset it to make it easier to test that default values do not
	// generate flags.
	c.RootDir = ""

	// All defaults does not require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, value := range map[string]string{
		"root":         "some-path",
		"debug":        "true",
		"quantum":      "25ms",
		"total-memory": "64M",
	} {
		if err := testFlags.Lookup(name).Value.Set(value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "some-path"; c.RootDir != want {
		t.Errorf("RootDir=%v, want: %v", c.RootDir, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 25 * time.Millisecond; c.Quantum != want {
		t.Errorf("Quantum=%v, want: %v", c.Quantum, want)
	}
	if want := MemSize(64 << 20); c.TotalMemory != want {
		t.Errorf("TotalMemory=%v, want: %v", c.TotalMemory, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("root", "some-path")
	testFlags.Set("debug", "true")
	testFlags.Set("quantum", "25ms")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 3 {
		t.Errorf("wrong number of flags set, want: 3, got: %d: %s", len(flags), flags)
	}
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--root":    "some-path",
		"--debug":   "true",
		"--quantum": "25ms",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

func TestInvalidLogFormat(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("log-format", "invalid")
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags succeeded on invalid log format")
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[flags]
debug = "true"
quantum = "25ms"
total-memory = "64M"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	// An explicit command-line flag wins over the file.
	testFlags.Set("quantum", "5ms")

	if err := ApplyFile(testFlags, path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 5 * time.Millisecond; c.Quantum != want {
		t.Errorf("Quantum=%v, want: %v", c.Quantum, want)
	}
	if want := MemSize(64 << 20); c.TotalMemory != want {
		t.Errorf("TotalMemory=%v, want: %v", c.TotalMemory, want)
	}
}

func TestApplyFileUnknownFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[flags]\nbogus = \"1\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := ApplyFile(testFlags, path); err == nil {
		t.Errorf("ApplyFile succeeded on unknown flag")
	}
}

func TestMemSize(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    MemSize
		wantErr bool
	}{
		{in: "12", want: 12},
		{in: "0x1000", want: 4096},
		{in: "64k", want: 64 << 10},
		{in: "128M", want: 128 << 20},
		{in: "2G", want: 2 << 30},
		{in: "", wantErr: true},
		{in: "pages", wantErr: true},
		{in: "1000000000000G", wantErr: true},
	} {
		var m MemSize
		err := m.Set(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Set(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Set(%q): %v", tc.in, err)
			continue
		}
		if m != tc.want {
			t.Errorf("Set(%q) = %d, want %d", tc.in, m, tc.want)
		}
	}
}

func TestMemSizeString(t *testing.T) {
	for _, tc := range []struct {
		in   MemSize
		want string
	}{
		{in: 128 << 20, want: "128M"},
		{in: 2 << 30, want: "2G"},
		{in: 4096, want: "4K"},
		{in: 5000, want: "5000"},
		{in: 0, want: "0"},
	} {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("MemSize(%d).String() = %q, want %q", uint64(tc.in), got, tc.want)
		}
	}
}
