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

// Package hostarch contains properties of the machine the supervisor runs
// on: address and page arithmetic, access types, and byte order. The target
// is riscv64 with Sv39 paging, so page geometry is fixed.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// HugePageShift is the binary log of the Sv39 megapage size.
	HugePageShift = 21

	// HugePageSize is the Sv39 megapage size (a level-1 leaf mapping).
	HugePageSize = 1 << HugePageShift
)

// ByteOrder is the byte order of the machine: RISC-V is little-endian.
var ByteOrder = binary.LittleEndian
