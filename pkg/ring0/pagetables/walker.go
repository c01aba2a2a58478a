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

// visitor is called on each entry in a walked range.
type visitor interface {
	// visit is called on each PTE. It receives the virtual address of the
	// region the entry maps, the entry itself, and the alignment mask of
	// the entry's level. The returned boolean indicates whether the walk
	// should continue.
	visit(start uintptr, pte *PTE, align uintptr) bool

	// requiresAlloc indicates that new entries should be allocated within
	// the walked range. Such visitors must leave every visited entry
	// valid.
	requiresAlloc() bool

	// requiresSplit indicates that super pages spanning the boundary of
	// the walked range should be split before visiting.
	requiresSplit() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the visitor to call on each entry.
	visitor visitor
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
//
// If requiresAlloc is true, then Set _must_ be called on all given PTEs. The
// exception is super pages. If a valid super page cannot be installed, then
// the walk will continue to individual entries.
//
// This algorithm will attempt to maximize the use of super pages whenever
// possible. Whether a super page is provided will be clear through the range
// provided in the callback.
//
// Note that if requiresAlloc is true, then no gaps will be present. However,
// if alloc is not set, then the iteration will likely be full of gaps.
//
// An end of zero means the range runs to the top of the address space.
//
// Note that this function should generally be avoided in favor of Map,
// Unmap, etc. when not necessary.
//
// Precondition: start must be page-aligned.
// Precondition: start must be less than end.
// Precondition: If requiresAlloc is true, then start and end should not
// span non-canonical ranges. If they do, a panic will result.
//
//go:nosplit
func (w *Walker) iterateRange(start, end uintptr) {
	if start%pteSize != 0 {
		panic("unaligned start")
	}
	if end == 0 && start != 0 {
		// The range runs to the top of the address space. The level
		// index bounds in iterateRangeCanonical terminate the walk at
		// the last slot, so the unaligned sentinel is never visited.
		end = ^uintptr(0)
	}
	if end < start {
		panic("start > end")
	}
	if start > lowerTop && start < upperBottom {
		panic("initial address not canonical")
	}
	if end > lowerTop+1 && end < upperBottom {
		panic("final address not canonical")
	}

	switch {
	case end <= lowerTop+1:
		// Lower half only.
		w.iterateRangeCanonical(start, end)
	case start >= upperBottom:
		// Upper half only.
		w.iterateRangeCanonical(start, end)
	case w.visitor.requiresAlloc():
		panic("alloc spans non-canonical range")
	default:
		// Spans the non-canonical hole. Iterate each half.
		if !w.iterateRangeCanonical(start, lowerTop+1) {
			return
		}
		w.iterateRangeCanonical(upperBottom, end)
	}
}

// next returns the next address for the walker.
//
//go:nosplit
func next(start uintptr, size uintptr) uintptr {
	start &= ^(size - 1)
	start += size
	return start
}

// iterateRangeCanonical walks a canonical range.
//
//go:nosplit
func (w *Walker) iterateRangeCanonical(start, end uintptr) bool {
	for pgdIndex := uint16((start & pgdMask) >> pgdShift); start < end && pgdIndex < entriesPerPage; pgdIndex++ {
		var (
			pgdEntry   = &w.pageTables.root[pgdIndex]
			pmdEntries *PTEs
		)
		if !pgdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = next(start, pgdSize)
				continue
			}

			// This level has 1-GB super pages. Is this entire
			// region at least as large as a single PGD entry? If
			// so, we can skip allocating a new page for the pmd.
			if start&(pgdSize-1) == 0 && end-start >= pgdSize {
				pgdEntry.SetSuper()
				if !w.visitor.visit(uintptr(start&^(pgdSize-1)), pgdEntry, pgdSize-1) {
					return false
				}
				if pgdEntry.Valid() {
					start = next(start, pgdSize)
					continue
				}
			}

			// Allocate a new pmd.
			pmdEntries = w.pageTables.Allocator.NewPTEs()
			pgdEntry.setPageTable(w.pageTables, pmdEntries)
		} else if pgdEntry.IsSuper() {
			// Does this page need to be split?
			if w.visitor.requiresSplit() && (start&(pgdSize-1) != 0 || end < next(start, pgdSize)) {
				// Install the relevant entries.
				pmdEntries = w.pageTables.Allocator.NewPTEs()
				for index := uint16(0); index < entriesPerPage; index++ {
					pmdEntries[index].SetSuper()
					pmdEntries[index].Set(
						pgdEntry.Address()+(pmdSize*uintptr(index)),
						pgdEntry.Opts())
				}
				pgdEntry.setPageTable(w.pageTables, pmdEntries)
			} else {
				// A super page to be checked directly. The root
				// table is never freed, so a cleared entry needs
				// no accounting here.
				if !w.visitor.visit(uintptr(start&^(pgdSize-1)), pgdEntry, pgdSize-1) {
					return false
				}

				// Note that the super page was changed.
				start = next(start, pgdSize)
				continue
			}
		} else {
			pmdEntries = w.pageTables.Allocator.LookupPTEs(pgdEntry.Address())
		}

		// Map the next level, since this is valid.
		clearPMDEntries := uint16(0)

		for pmdIndex := uint16((start & pmdMask) >> pmdShift); start < end && pmdIndex < entriesPerPage; pmdIndex++ {
			var (
				pmdEntry   = &pmdEntries[pmdIndex]
				pteEntries *PTEs
			)
			if !pmdEntry.Valid() {
				if !w.visitor.requiresAlloc() {
					// Skip over this entry.
					clearPMDEntries++
					start = next(start, pmdSize)
					continue
				}

				// This level has 2-MB super pages. Is this
				// entire region at least as large as a single
				// PMD entry? If so, we can skip allocating a
				// new page for the pte.
				if start&(pmdSize-1) == 0 && end-start >= pmdSize {
					pmdEntry.SetSuper()
					if !w.visitor.visit(uintptr(start&^(pmdSize-1)), pmdEntry, pmdSize-1) {
						return false
					}
					if pmdEntry.Valid() {
						start = next(start, pmdSize)
						continue
					}
				}

				// Allocate a new pte.
				pteEntries = w.pageTables.Allocator.NewPTEs()
				pmdEntry.setPageTable(w.pageTables, pteEntries)
			} else if pmdEntry.IsSuper() {
				// Does this page need to be split?
				if w.visitor.requiresSplit() && (start&(pmdSize-1) != 0 || end < next(start, pmdSize)) {
					// Install the relevant entries.
					pteEntries = w.pageTables.Allocator.NewPTEs()
					for index := uint16(0); index < entriesPerPage; index++ {
						pteEntries[index].Set(
							pmdEntry.Address()+(pteSize*uintptr(index)),
							pmdEntry.Opts())
					}
					pmdEntry.setPageTable(w.pageTables, pteEntries)
				} else {
					// A super page to be checked directly.
					if !w.visitor.visit(uintptr(start&^(pmdSize-1)), pmdEntry, pmdSize-1) {
						return false
					}

					// Might have been cleared.
					if !pmdEntry.Valid() {
						clearPMDEntries++
					}

					// Note that the super page was changed.
					start = next(start, pmdSize)
					continue
				}
			} else {
				pteEntries = w.pageTables.Allocator.LookupPTEs(pmdEntry.Address())
			}

			// Map the next level, since this is valid.
			clearPTEEntries := uint16(0)

			for pteIndex := uint16((start & pteMask) >> pteShift); start < end && pteIndex < entriesPerPage; pteIndex++ {
				var (
					pteEntry = &pteEntries[pteIndex]
				)
				if !pteEntry.Valid() && !w.visitor.requiresAlloc() {
					clearPTEEntries++
					start += pteSize
					continue
				}

				// At this point, we are guaranteed that start%pteSize == 0.
				if !w.visitor.visit(uintptr(start&^(pteSize-1)), pteEntry, pteSize-1) {
					return false
				}
				if !pteEntry.Valid() {
					if w.visitor.requiresAlloc() {
						panic("PTE not set after iteration with requiresAlloc!")
					}
					clearPTEEntries++
				}

				// Note that the pte was changed.
				start += pteSize
				continue
			}

			// Check if we no longer need this page.
			if clearPTEEntries == entriesPerPage {
				pmdEntry.Clear()
				w.pageTables.Allocator.FreePTEs(pteEntries)
				clearPMDEntries++
			}
		}

		// Check if we no longer need this page.
		if clearPMDEntries == entriesPerPage {
			pgdEntry.Clear()
			w.pageTables.Allocator.FreePTEs(pmdEntries)
		}
	}
	return true
}
