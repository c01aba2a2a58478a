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

package pagetables

import (
	"testing"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/riscv"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   uintptr
	opts   MapOpts
}

type checkVisitor struct {
	expected []mapping // Input.
	current  int       // Temporary.
	found    []mapping // Output.
	failed   string    // Output.
}

func (v *checkVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	v.found = append(v.found, mapping{
		start:  start,
		length: align + 1,
		addr:   pte.Address(),
		opts:   pte.Opts(),
	})
	if v.failed != "" {
		// Don't keep looking for errors.
		return false
	}

	if v.current >= len(v.expected) {
		v.failed = "more mappings than expected"
	} else if v.expected[v.current].start != start {
		v.failed = "start didn't match expected"
	} else if v.expected[v.current].length != align+1 {
		v.failed = "end didn't match expected"
	} else if v.expected[v.current].addr != pte.Address() {
		v.failed = "address didn't match expected"
	} else if v.expected[v.current].opts != pte.Opts() {
		v.failed = "opts didn't match"
	}
	v.current++
	return true
}

func (*checkVisitor) requiresAlloc() bool { return false }

func (*checkVisitor) requiresSplit() bool { return false }

// checkMappings confirms that exactly the given mappings are installed, in
// order, across both halves of the address space.
func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	v := checkVisitor{
		expected: m,
	}
	w := Walker{
		pageTables: pt,
		visitor:    &v,
	}
	w.iterateRange(0, lowerTop+1)
	w.iterateRange(upperBottom, 0)

	// Were we expecting additional mappings?
	if v.failed == "" && v.current != len(v.expected) {
		v.failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if v.failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", v.failed, v.found, v.expected)
	}
}

func TestUnmap(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map and unmap one entry.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Unmap(0x400000, pteSize)

	checkMappings(t, pt, nil)
}

func TestReadOnly(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestReadWrite(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two sequential entries.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Map(0x401000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x401000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Span a pgd with two pages.
	pt.Map(0x000000103ffff000, 2*pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x000000103ffff000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.Read}},
		{0x0000001040000000, pteSize, pteSize * 43, MapOpts{AccessType: hostarch.Read}},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a small page and a huge page.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Map(0x0000002f00200000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x0000002f00200000, pmdSize, pmdSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a small page and a super page.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Map(0x0000000f40000000, pgdSize, MapOpts{AccessType: hostarch.Read}, pgdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x0000000f40000000, pgdSize, pgdSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestSplit1GPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a super page and knock out the middle.
	pt.Map(0x0000000f40000000, pgdSize, MapOpts{AccessType: hostarch.Read}, pgdSize*42)
	pt.Unmap(hostarch.Addr(0x0000000f40000000+pteSize), pgdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{0x0000000f40000000, pteSize, pgdSize * 42, MapOpts{AccessType: hostarch.Read}},
		{0x0000000f40000000 + pgdSize - pteSize, pteSize, pgdSize*43 - pteSize, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestSplit2MPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a huge page and knock out the middle.
	pt.Map(0x0000002f00200000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*42)
	pt.Unmap(hostarch.Addr(0x0000002f00200000+pteSize), pmdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{0x0000002f00200000, pteSize, pmdSize * 42, MapOpts{AccessType: hostarch.Read}},
		{0x0000002f00200000 + pmdSize - pteSize, pteSize, pmdSize*43 - pteSize, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestUpperHalf(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map the top page of the address space and a global page below it.
	pt.Map(0xfffffffffffff000, pteSize, MapOpts{AccessType: hostarch.ReadExecute, Global: true}, pteSize*42)
	pt.Map(0xffffffd000200000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0xffffffd000200000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.ReadWrite}},
		{0xfffffffffffff000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadExecute, Global: true}},
	})

	pt.Unmap(0xfffffffffffff000, pteSize)
	checkMappings(t, pt, []mapping{
		{0xffffffd000200000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}

func TestUserOpts(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// User mappings must round-trip the U bit.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite, User: true}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite, User: true}},
	})
}

func TestMapReplace(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	if prev := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42); prev {
		t.Errorf("first Map got prev=true, wanted false")
	}
	if prev := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42); prev {
		t.Errorf("identical Map got prev=true, wanted false")
	}
	if prev := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42); !prev {
		t.Errorf("remap with new opts got prev=false, wanted true")
	}
	if prev := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*47); !prev {
		t.Errorf("remap with new physical got prev=false, wanted true")
	}
}

func TestIsEmpty(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	if !pt.IsEmpty(0x400000, pteSize) {
		t.Errorf("IsEmpty got false, wanted true")
	}
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	if pt.IsEmpty(0x400000, pteSize) {
		t.Errorf("IsEmpty got true, wanted false")
	}
}

func TestLookup(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a huge page; every address inside resolves through it.
	pt.Map(0x0000002f00200000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*42)

	virtual, physical, size, opts := pt.Lookup(0x0000002f00200000+0x12345, false)
	if virtual != 0x0000002f00200000 {
		t.Errorf("Lookup virtual got %#x, wanted %#x", virtual, 0x0000002f00200000)
	}
	if physical != pmdSize*42 {
		t.Errorf("Lookup physical got %#x, wanted %#x", physical, pmdSize*42)
	}
	if size != pmdSize {
		t.Errorf("Lookup size got %#x, wanted %#x", size, pmdSize)
	}
	if !opts.AccessType.Read || opts.AccessType.Write {
		t.Errorf("Lookup opts got %v, wanted read-only", opts)
	}

	// A miss reports a zero size.
	if _, _, size, _ := pt.Lookup(0x400000, false); size != 0 {
		t.Errorf("Lookup of unmapped address got size %#x, wanted 0", size)
	}
}

func TestLookupFindFirst(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	pt.Map(0x0000002f00200000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	virtual, _, size, _ := pt.Lookup(0x400000, true)
	if size == 0 {
		t.Fatalf("Lookup found nothing, wanted a mapping")
	}
	if virtual != 0x0000002f00200000 {
		t.Errorf("Lookup virtual got %#x, wanted %#x", virtual, 0x0000002f00200000)
	}

	// Nothing maps beyond the installed page.
	if _, _, size, _ := pt.Lookup(0x0000002f00201000, true); size != 0 {
		t.Errorf("Lookup past last mapping got size %#x, wanted 0", size)
	}
}

func TestSATP(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	satp := pt.SATP(5)
	if mode := riscv.SATPMode(satp); mode != riscv.SATPModeSv39 {
		t.Errorf("SATP mode got %d, wanted %d", mode, riscv.SATPModeSv39)
	}
	if asid := riscv.SATPASID(satp); asid != 5 {
		t.Errorf("SATP asid got %d, wanted 5", asid)
	}
	if root := riscv.SATPRoot(satp); root != uint64(pt.rootPhysical) {
		t.Errorf("SATP root got %#x, wanted %#x", root, pt.rootPhysical)
	}
}

func TestASIDs(t *testing.T) {
	a := NewASIDs(1, 2)
	if a == nil {
		t.Fatalf("NewASIDs(1, 2) returned nil")
	}

	pt1 := New(NewRuntimeAllocator())
	pt2 := New(NewRuntimeAllocator())
	pt3 := New(NewRuntimeAllocator())

	asid1, flush := a.Assign(pt1)
	if asid1 == 0 || !flush {
		t.Errorf("first Assign got (%d, %t), wanted fresh ASID with flush", asid1, flush)
	}
	if again, flush := a.Assign(pt1); again != asid1 || flush {
		t.Errorf("repeat Assign got (%d, %t), wanted (%d, false)", again, flush, asid1)
	}

	asid2, flush := a.Assign(pt2)
	if asid2 == 0 || asid2 == asid1 || !flush {
		t.Errorf("second Assign got (%d, %t), wanted distinct ASID with flush", asid2, flush)
	}

	// The pool is exhausted, so this evicts one of the others.
	asid3, flush := a.Assign(pt3)
	if asid3 == 0 || !flush {
		t.Errorf("eviction Assign got (%d, %t), wanted reused ASID with flush", asid3, flush)
	}
	if asid3 != asid1 && asid3 != asid2 {
		t.Errorf("eviction Assign got %d, wanted one of %d or %d", asid3, asid1, asid2)
	}

	// Drop returns the ASID to the pool.
	a.Drop(pt3)
	if again, _ := a.Assign(New(NewRuntimeAllocator())); again != asid3 {
		t.Errorf("Assign after Drop got %d, wanted %d", again, asid3)
	}

	if NewASIDs(1, 0) != nil {
		t.Errorf("NewASIDs with zero size got non-nil, wanted nil")
	}
}

func TestAllocatorRecycle(t *testing.T) {
	a := NewRuntimeAllocator()

	ptes := a.NewPTEs()
	physical := a.PhysicalFor(ptes)
	if physical&(pteSize-1) != 0 {
		t.Errorf("PTEs not page-aligned: %#x", physical)
	}
	if got := a.LookupPTEs(physical); got != ptes {
		t.Errorf("LookupPTEs got %p, wanted %p", got, ptes)
	}

	// Freed entries come back through the pool after a Recycle.
	a.FreePTEs(ptes)
	a.Recycle()
	if got := a.NewPTEs(); got != ptes {
		t.Errorf("NewPTEs after Recycle got %p, wanted %p", got, ptes)
	}
}
