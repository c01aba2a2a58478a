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

package rv64

import "rvisor.dev/rvisor/pkg/riscv"

// Writable sstatus bits. SD is a read-only summary of FS.
const sstatusWritable = riscv.StatusMask &^ riscv.StatusSD

// Interrupt bits modeled in sie and sip.
const sintMask = riscv.IntSoftware | riscv.IntTimer | riscv.IntExternal

// csrRead reads a CSR, checking the privilege encoded in the register
// number. Unimplemented CSRs raise illegal instruction rather than reading
// as zero; the supervisor under test should never touch them.
func (c *CPU) csrRead(csr riscv.CSR) (uint64, error) {
	if c.Priv < csr.MinPrivilege() {
		return 0, Exception{riscv.CauseIllegalInsn, 0}
	}

	switch csr {
	case riscv.CSRCycle, riscv.CSRTime:
		if c.Priv == riscv.PrivUser && c.Scounteren&1 == 0 {
			return 0, Exception{riscv.CauseIllegalInsn, 0}
		}
		return c.Cycle, nil
	case riscv.CSRInstret:
		if c.Priv == riscv.PrivUser && c.Scounteren&4 == 0 {
			return 0, Exception{riscv.CauseIllegalInsn, 0}
		}
		return c.Instret, nil

	case riscv.CSRSstatus:
		status := c.Sstatus & riscv.StatusMask
		if status&riscv.StatusFS == riscv.StatusFS {
			status |= riscv.StatusSD
		}
		return status, nil
	case riscv.CSRSie:
		return c.Sie, nil
	case riscv.CSRStvec:
		return c.Stvec, nil
	case riscv.CSRScounteren:
		return c.Scounteren, nil
	case riscv.CSRSscratch:
		return c.Sscratch, nil
	case riscv.CSRSepc:
		return c.Sepc, nil
	case riscv.CSRScause:
		return c.Scause, nil
	case riscv.CSRStval:
		return c.Stval, nil
	case riscv.CSRSip:
		return c.Sip, nil
	case riscv.CSRSatp:
		return c.Satp, nil

	default:
		return 0, Exception{riscv.CauseIllegalInsn, 0}
	}
}

// csrWrite writes a CSR, checking privilege and the architectural
// read-only encoding.
func (c *CPU) csrWrite(csr riscv.CSR, val uint64) error {
	if c.Priv < csr.MinPrivilege() {
		return Exception{riscv.CauseIllegalInsn, 0}
	}
	if csr.ReadOnly() {
		return Exception{riscv.CauseIllegalInsn, 0}
	}

	switch csr {
	case riscv.CSRSstatus:
		c.Sstatus = (c.Sstatus &^ sstatusWritable) | (val & sstatusWritable)
	case riscv.CSRSie:
		c.Sie = val & sintMask
	case riscv.CSRStvec:
		c.Stvec = val
	case riscv.CSRScounteren:
		c.Scounteren = val
	case riscv.CSRSscratch:
		c.Sscratch = val
	case riscv.CSRSepc:
		// Return addresses are always at least halfword aligned.
		c.Sepc = val &^ 1
	case riscv.CSRScause:
		c.Scause = val
	case riscv.CSRStval:
		c.Stval = val
	case riscv.CSRSip:
		// Software may only raise and clear its own interrupt; timer and
		// external pending bits belong to the platform.
		c.Sip = (c.Sip &^ riscv.IntSoftware) | (val & riscv.IntSoftware)
	case riscv.CSRSatp:
		c.Satp = val
	default:
		return Exception{riscv.CauseIllegalInsn, 0}
	}
	return nil
}

// csrOp executes the Zicsr read-modify-write forms. CSRRW with rd x0
// skips the read and the set and clear forms with a zero operand skip the
// write, so side effects match what the instruction asks for.
func (c *CPU) csrOp(insn riscv.Insn) error {
	csr := insn.CSRField()
	f3 := insn.Funct3()

	var operand uint64
	if f3 >= 5 {
		// Immediate forms carry a zero extended 5 bit value in the rs1
		// field.
		operand = uint64(insn.Rs1())
	} else {
		operand = c.ReadReg(insn.Rs1())
	}
	writes := f3&3 == 1 || insn.Rs1() != riscv.RegZero
	reads := f3&3 != 1 || insn.Rd() != riscv.RegZero

	var old uint64
	if reads {
		v, err := c.csrRead(csr)
		if err != nil {
			// The only failure is illegal instruction; report it with the
			// offending word in tval.
			return c.illegal(insn)
		}
		old = v
	}
	if writes {
		var val uint64
		switch f3 & 3 {
		case 1:
			val = operand
		case 2:
			val = old | operand
		case 3:
			val = old &^ operand
		}
		if err := c.csrWrite(csr, val); err != nil {
			return c.illegal(insn)
		}
	}
	c.WriteReg(insn.Rd(), old)
	return nil
}
