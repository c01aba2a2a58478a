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
	"sync"
)

// limitASID is the maximum value of a usable ASID. The satp register holds
// a 16-bit ASID field and the emulated hart implements all of it.
const limitASID = uint16(0xffff)

// ASIDs is a simple ASID database.
type ASIDs struct {
	// mu protects below.
	mu sync.Mutex

	// cache are the assigned page tables.
	cache map[*PageTables]uint16

	// avail are available ASIDs.
	avail []uint16
}

// NewASIDs returns a new ASID database.
//
// start is the first index to assign. Typically this will be one, as the
// zero ASID is reserved for the kernel tables. size is the number of ASIDs
// available in the pool. If size is zero, then nil is returned.
func NewASIDs(start, size uint16) *ASIDs {
	if size == 0 || uint32(start)+uint32(size) > uint32(limitASID)+1 {
		return nil
	}
	a := &ASIDs{
		cache: make(map[*PageTables]uint16),
	}
	for asid := start; asid != start+size; asid++ {
		a.avail = append(a.avail, asid)
	}
	return a
}

// Assign assigns an ASID to the given PageTables.
//
// The second return value is true if the address space tagged with the
// returned ASID may hold stale translations, in which case the caller must
// flush before use.
//
//go:nosplit
func (a *ASIDs) Assign(pt *PageTables) (uint16, bool) {
	a.mu.Lock()
	if asid, ok := a.cache[pt]; ok {
		a.mu.Unlock()
		return asid, false // No flush.
	}

	// Is there something available?
	if len(a.avail) > 0 {
		asid := a.avail[len(a.avail)-1]
		a.avail = a.avail[:len(a.avail)-1]
		a.cache[pt] = asid

		// We need to flush because while this was in the available
		// pool, it may have been used previously.
		a.mu.Unlock()
		return asid, true
	}

	// Evict a random entry.
	for old, asid := range a.cache {
		delete(a.cache, old)
		a.cache[pt] = asid

		// A flush is definitely required in this case, these page
		// tables may still be active. (They will just be assigned
		// some other ASID.)
		a.mu.Unlock()
		return asid, true
	}

	// No ASID available.
	a.mu.Unlock()
	return 0, false
}

// Drop drops references to a set of page tables.
//
//go:nosplit
func (a *ASIDs) Drop(pt *PageTables) {
	a.mu.Lock()
	if asid, ok := a.cache[pt]; ok {
		delete(a.cache, pt)
		a.avail = append(a.avail, asid)
	}
	a.mu.Unlock()
}
