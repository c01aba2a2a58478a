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
	"fmt"
	"sort"

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/sentry/platform"
)

// Guest physical layout. DRAM starts at the conventional RISC-V base; the
// hole below it is never handed out, so a stray zero physical address can
// never alias real memory.
const (
	dramBase = 0x80000000

	// DefaultMemorySize is the guest memory size used when Options does
	// not name one.
	DefaultMemorySize = 128 << 20
)

// Allocate implements platform.Memory.Allocate.
//
// Allocation is first fit over the free list. Returned frames are always
// zeroed; freed frames come back with their old contents.
func (m *machine) Allocate(length uint64) (platform.FileRange, error) {
	if length == 0 || length%hostarch.PageSize != 0 {
		return platform.FileRange{}, linuxerr.EINVAL
	}
	m.physMu.Lock()
	defer m.physMu.Unlock()
	for i := range m.frames {
		if m.frames[i].Length() < length {
			continue
		}
		fr := platform.FileRange{
			Start: m.frames[i].Start,
			End:   m.frames[i].Start + length,
		}
		if m.frames[i].Length() == length {
			m.frames = append(m.frames[:i], m.frames[i+1:]...)
		} else {
			m.frames[i].Start += length
		}
		b := m.mem.Slice(fr.Start, int(length))
		if b == nil {
			panic(fmt.Sprintf("free frame %v outside guest memory", fr))
		}
		for i := range b {
			b[i] = 0
		}
		return fr, nil
	}
	return platform.FileRange{}, linuxerr.ENOMEM
}

// Free implements platform.Memory.Free.
func (m *machine) Free(fr platform.FileRange) {
	if fr.Length() == 0 || fr.Start%hostarch.PageSize != 0 || fr.End%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("Free of malformed range %v", fr))
	}
	m.physMu.Lock()
	defer m.physMu.Unlock()

	// Insert sorted by start, then coalesce with the neighbors. A double
	// free shows up here as an overlap with a free range.
	i := sort.Search(len(m.frames), func(i int) bool {
		return m.frames[i].Start >= fr.Start
	})
	if i > 0 && m.frames[i-1].End > fr.Start {
		panic(fmt.Sprintf("Free(%v) overlaps free range %v", fr, m.frames[i-1]))
	}
	if i < len(m.frames) && m.frames[i].Start < fr.End {
		panic(fmt.Sprintf("Free(%v) overlaps free range %v", fr, m.frames[i]))
	}
	m.frames = append(m.frames, platform.FileRange{})
	copy(m.frames[i+1:], m.frames[i:])
	m.frames[i] = fr
	if i+1 < len(m.frames) && m.frames[i].End == m.frames[i+1].Start {
		m.frames[i].End = m.frames[i+1].End
		m.frames = append(m.frames[:i+1], m.frames[i+2:]...)
	}
	if i > 0 && m.frames[i-1].End == m.frames[i].Start {
		m.frames[i-1].End = m.frames[i].End
		m.frames = append(m.frames[:i], m.frames[i+1:]...)
	}
}
