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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/runrv/config"
)

// scenario describes one machine and the tasks to run on it. A YAML
// scenario file looks like:
//
//	memory: 64M
//	tasks:
//	  - name: init
//	    image: ./init.bin
//	    addr: 0x10000
//	    entry: 0x10000
//	    regs:
//	      a0: 1
//	      s2: 0x42
//
// Image paths are resolved relative to the scenario file. Register names
// are the ABI mnemonics or xN numbering.
type scenario struct {
	// Memory is the guest physical memory size, with the usual K, M and
	// G suffixes. Empty uses the configured default.
	Memory string `yaml:"memory"`

	// Tasks lists the tasks, in tid order.
	Tasks []scenarioTask `yaml:"tasks"`

	// name identifies the scenario in the runtime root, derived from the
	// file name.
	name string

	// memory is Memory parsed to bytes, zero when unset.
	memory uint64
}

// scenarioTask describes one task of a scenario.
type scenarioTask struct {
	// Name is a debugging label. Empty defaults to the image file name.
	Name string `yaml:"name"`

	// Image is the path of the flat binary to load.
	Image string `yaml:"image"`

	// Addr is the guest load address, page-aligned. Zero loads at the
	// default address.
	Addr uint64 `yaml:"addr"`

	// Entry is the initial program counter. Zero enters at the load
	// address.
	Entry uint64 `yaml:"entry"`

	// Regs seeds general-purpose registers by ABI name before the first
	// entry.
	Regs map[string]uint64 `yaml:"regs"`

	// image holds the loaded bytes of Image.
	image []byte

	// regs holds Regs resolved to register indices.
	regs map[int]uint64
}

// regIndex maps register names to indices, both ABI mnemonics and xN
// numbering. The zero register is not seedable and is left out.
var regIndex = func() map[string]int {
	m := make(map[string]int, 62)
	for i := 1; i < 32; i++ {
		m[riscv.RegName(i)] = i
		m[fmt.Sprintf("x%d", i)] = i
	}
	return m
}()

func resolveRegs(in map[string]uint64) (map[int]uint64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[int]uint64, len(in))
	for name, val := range in {
		i, ok := regIndex[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		out[i] = val
	}
	return out, nil
}

// loadScenario reads the scenario at path. A .yaml or .yml file is parsed
// as a scenario document; anything else is taken as a flat binary and
// wrapped in a single-task scenario placed at loadAddr with the given
// entry point.
func loadScenario(path string, loadAddr, entry uint64) (*scenario, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" {
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &scenario{
			name: name,
			Tasks: []scenarioTask{{
				Name:  name,
				Image: path,
				Addr:  loadAddr,
				Entry: entry,
				image: image,
			}},
		}, nil
	}

	if loadAddr != 0 || entry != 0 {
		return nil, fmt.Errorf("-load-addr and -entry apply to flat images, the scenario sets its own")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scn := &scenario{name: name}
	if err := yaml.Unmarshal(data, scn); err != nil {
		return nil, fmt.Errorf("parsing scenario: %v", err)
	}
	if len(scn.Tasks) == 0 {
		return nil, fmt.Errorf("scenario has no tasks")
	}
	if scn.Memory != "" {
		var m config.MemSize
		if err := m.Set(scn.Memory); err != nil {
			return nil, err
		}
		scn.memory = uint64(m)
	}

	dir := filepath.Dir(path)
	for i := range scn.Tasks {
		t := &scn.Tasks[i]
		if t.Image == "" {
			return nil, fmt.Errorf("task %d has no image", i+1)
		}
		imgPath := t.Image
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(dir, imgPath)
		}
		if t.image, err = os.ReadFile(imgPath); err != nil {
			return nil, err
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(filepath.Base(t.Image), filepath.Ext(t.Image))
		}
		if t.regs, err = resolveRegs(t.Regs); err != nil {
			return nil, fmt.Errorf("task %q: %v", t.Name, err)
		}
	}
	return scn, nil
}
