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

package riscv

// CSR is a control and status register number as encoded in the csr field
// of Zicsr instructions.
type CSR uint16

// Control and status registers.
const (
	// User counters, read-only.
	CSRCycle   CSR = 0xc00
	CSRTime    CSR = 0xc01
	CSRInstret CSR = 0xc02

	// Supervisor trap setup and handling.
	CSRSstatus    CSR = 0x100
	CSRSie        CSR = 0x104
	CSRStvec      CSR = 0x105
	CSRScounteren CSR = 0x106
	CSRSscratch   CSR = 0x140
	CSRSepc       CSR = 0x141
	CSRScause     CSR = 0x142
	CSRStval      CSR = 0x143
	CSRSip        CSR = 0x144

	// Supervisor address translation.
	CSRSatp CSR = 0x180
)

// MinPrivilege returns the lowest privilege level that may access the CSR.
// Bits 9:8 of the CSR number encode it.
func (c CSR) MinPrivilege() Privilege {
	return Privilege((c >> 8) & 3)
}

// ReadOnly returns true if the CSR is architecturally read-only. Bits 11:10
// of the CSR number are both set for read-only registers.
func (c CSR) ReadOnly() bool {
	return c>>10 == 3
}

// sstatus bits. SD summarizes dirty extended state and is read-only.
const (
	StatusSIE  uint64 = 1 << 1  // supervisor interrupt enable
	StatusSPIE uint64 = 1 << 5  // SIE prior to trap
	StatusSPP  uint64 = 1 << 8  // privilege prior to trap (0=U, 1=S)
	StatusFS   uint64 = 3 << 13 // floating point unit state
	StatusSUM  uint64 = 1 << 18 // permit S-mode access to U pages
	StatusMXR  uint64 = 1 << 19 // make executable pages readable
	StatusSD   uint64 = 1 << 63
)

// StatusMask covers the sstatus bits a supervisor may observe. Writes are
// further restricted to the mask without SD.
const StatusMask = StatusSIE | StatusSPIE | StatusSPP | StatusFS | StatusSUM | StatusMXR | StatusSD

// sip/sie bits.
const (
	IntSoftware uint64 = 1 << 1 // supervisor software interrupt
	IntTimer    uint64 = 1 << 5 // supervisor timer interrupt
	IntExternal uint64 = 1 << 9 // supervisor external interrupt
)

// CauseInterrupt is the interrupt flag in scause. When set, the remaining
// bits hold an interrupt code rather than an exception code.
const CauseInterrupt uint64 = 1 << 63

// Exception causes.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes as they appear in scause.
const (
	CauseSoftwareInt uint64 = CauseInterrupt | 1
	CauseTimerInt    uint64 = CauseInterrupt | 5
	CauseExternalInt uint64 = CauseInterrupt | 9
)

// IsInterrupt returns true if the scause value describes an interrupt.
func IsInterrupt(cause uint64) bool {
	return cause&CauseInterrupt != 0
}

// CauseCode returns the exception or interrupt code of an scause value.
func CauseCode(cause uint64) uint64 {
	return cause &^ CauseInterrupt
}

// CauseString renders an scause value for tracing.
func CauseString(cause uint64) string {
	if IsInterrupt(cause) {
		switch CauseCode(cause) {
		case 1:
			return "software interrupt"
		case 5:
			return "timer interrupt"
		case 9:
			return "external interrupt"
		}
		return "interrupt"
	}
	switch cause {
	case CauseInsnAddrMisaligned:
		return "instruction address misaligned"
	case CauseInsnAccessFault:
		return "instruction access fault"
	case CauseIllegalInsn:
		return "illegal instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseLoadAddrMisaligned:
		return "load address misaligned"
	case CauseLoadAccessFault:
		return "load access fault"
	case CauseStoreAddrMisaligned:
		return "store address misaligned"
	case CauseStoreAccessFault:
		return "store access fault"
	case CauseEcallFromU:
		return "ecall from U"
	case CauseEcallFromS:
		return "ecall from S"
	case CauseInsnPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	}
	return "unknown"
}
