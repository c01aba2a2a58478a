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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFlatImage(t *testing.T) {
	dir := t.TempDir()
	image := []byte{0x13, 0x00, 0x00, 0x00}
	path := filepath.Join(dir, "hello.bin")
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatal(err)
	}

	scn, err := loadScenario(path, 0x20000, 0x20010)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if scn.name != "hello" {
		t.Errorf("name = %q, want %q", scn.name, "hello")
	}
	if len(scn.Tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(scn.Tasks))
	}
	task := scn.Tasks[0]
	if task.Addr != 0x20000 || task.Entry != 0x20010 {
		t.Errorf("addr/entry = %#x/%#x, want 0x20000/0x20010", task.Addr, task.Entry)
	}
	if !bytes.Equal(task.image, image) {
		t.Errorf("image bytes do not round trip")
	}
}

func TestLoadYAMLScenario(t *testing.T) {
	dir := t.TempDir()
	init := []byte{1, 2, 3, 4}
	worker := []byte{5, 6, 7, 8}
	if err := os.WriteFile(filepath.Join(dir, "init.bin"), init, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "worker.bin"), worker, 0644); err != nil {
		t.Fatal(err)
	}
	content := `
memory: 64M
tasks:
  - name: init
    image: init.bin
    addr: 0x10000
    entry: 0x10010
    regs:
      a0: 1
      x18: 0x42
  - image: worker.bin
`
	path := filepath.Join(dir, "scn.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	scn, err := loadScenario(path, 0, 0)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if scn.name != "scn" {
		t.Errorf("name = %q, want %q", scn.name, "scn")
	}
	if want := uint64(64 << 20); scn.memory != want {
		t.Errorf("memory = %d, want %d", scn.memory, want)
	}
	if len(scn.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(scn.Tasks))
	}

	first := scn.Tasks[0]
	if first.Name != "init" || first.Addr != 0x10000 || first.Entry != 0x10010 {
		t.Errorf("first task = %q/%#x/%#x, want init/0x10000/0x10010", first.Name, first.Addr, first.Entry)
	}
	if !bytes.Equal(first.image, init) {
		t.Errorf("first image bytes do not round trip")
	}
	wantRegs := map[int]uint64{10: 1, 18: 0x42}
	if diff := cmp.Diff(wantRegs, first.regs); diff != "" {
		t.Errorf("regs mismatch (-want +got):\n%s", diff)
	}

	second := scn.Tasks[1]
	if second.Name != "worker" {
		t.Errorf("second task name = %q, want %q (derived from image)", second.Name, "worker")
	}
	if !bytes.Equal(second.image, worker) {
		t.Errorf("second image bytes do not round trip")
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name     string
		path     string
		loadAddr uint64
	}{
		{
			name: "no tasks",
			path: write("empty.yaml", "tasks: []\n"),
		},
		{
			name: "missing image",
			path: write("noimage.yaml", "tasks:\n  - name: x\n"),
		},
		{
			name: "unknown register",
			path: write("badreg.yaml", "tasks:\n  - image: a.bin\n    regs:\n      q7: 1\n"),
		},
		{
			name: "zero register",
			path: write("zeroreg.yaml", "tasks:\n  - image: a.bin\n    regs:\n      zero: 1\n"),
		},
		{
			name: "image does not exist",
			path: write("noent.yaml", "tasks:\n  - image: nothere.bin\n"),
		},
		{
			name:     "flat flags with scenario",
			path:     write("flags.yaml", "tasks:\n  - image: a.bin\n"),
			loadAddr: 0x10000,
		},
	} {
		if _, err := loadScenario(tc.path, tc.loadAddr, 0); err == nil {
			t.Errorf("%s: loadScenario succeeded, want error", tc.name)
		}
	}
}

func TestResolveRegs(t *testing.T) {
	regs, err := resolveRegs(nil)
	if err != nil || regs != nil {
		t.Errorf("resolveRegs(nil) = %v, %v, want nil, nil", regs, err)
	}

	regs, err = resolveRegs(map[string]uint64{"sp": 0x40000, "A0": 7, "x31": 9})
	if err != nil {
		t.Fatalf("resolveRegs: %v", err)
	}
	want := map[int]uint64{2: 0x40000, 10: 7, 31: 9}
	if diff := cmp.Diff(want, regs); diff != "" {
		t.Errorf("regs mismatch (-want +got):\n%s", diff)
	}
}
