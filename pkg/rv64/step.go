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

import (
	"math"
	"math/bits"

	"rvisor.dev/rvisor/pkg/riscv"
)

// Step executes one instruction, or takes one pending interrupt instead.
// Traps do not escape: they fold into the architectural entry sequence,
// leaving the hart in S-mode at stvec.
func (c *CPU) Step() {
	c.Cycle++

	if cause, ok := c.PendingInterrupt(); ok {
		c.HandleTrap(cause, 0)
		return
	}

	if err := c.step(); err != nil {
		exc, ok := err.(Exception)
		if !ok {
			panic(err)
		}
		c.HandleTrap(exc.Cause, exc.Tval)
		return
	}
	c.Instret++
}

// illegal raises illegal instruction with the offending word in tval.
func (c *CPU) illegal(insn riscv.Insn) error {
	return Exception{riscv.CauseIllegalInsn, uint64(uint32(insn))}
}

// boolToReg converts a comparison result for the slt family.
func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// step fetches and executes one instruction.
func (c *CPU) step() error {
	insn, err := c.fetch()
	if err != nil {
		return err
	}
	next := c.PC + 4

	switch insn.Opcode() {
	case riscv.OpLoad:
		size := 0
		switch insn.Funct3() {
		case 0, 4:
			size = 1
		case 1, 5:
			size = 2
		case 2, 6:
			size = 4
		case 3:
			size = 8
		default:
			return c.illegal(insn)
		}
		val, err := c.load(c.ReadReg(insn.Rs1())+uint64(insn.ImmI()), size)
		if err != nil {
			return err
		}
		switch insn.Funct3() {
		case 0:
			val = uint64(int8(val))
		case 1:
			val = uint64(int16(val))
		case 2:
			val = uint64(int32(val))
		}
		c.WriteReg(insn.Rd(), val)

	case riscv.OpMiscMem:
		// fence and fence.i. Nothing to order on an in-order hart with no
		// instruction cache.
		if insn.Funct3() > 1 {
			return c.illegal(insn)
		}

	case riscv.OpImm:
		a := c.ReadReg(insn.Rs1())
		imm := uint64(insn.ImmI())
		var val uint64
		switch insn.Funct3() {
		case 0:
			val = a + imm
		case 1:
			if imm>>6 != 0 {
				return c.illegal(insn)
			}
			val = a << (imm & 0x3f)
		case 2:
			val = boolToReg(int64(a) < insn.ImmI())
		case 3:
			val = boolToReg(a < imm)
		case 4:
			val = a ^ imm
		case 5:
			switch imm >> 6 {
			case 0:
				val = a >> (imm & 0x3f)
			case 0x10:
				val = uint64(int64(a) >> (imm & 0x3f))
			default:
				return c.illegal(insn)
			}
		case 6:
			val = a | imm
		case 7:
			val = a & imm
		}
		c.WriteReg(insn.Rd(), val)

	case riscv.OpAuipc:
		c.WriteReg(insn.Rd(), c.PC+uint64(insn.ImmU()))

	case riscv.OpImm32:
		a := uint32(c.ReadReg(insn.Rs1()))
		imm := insn.ImmI()
		var val uint32
		switch insn.Funct3() {
		case 0:
			val = a + uint32(imm)
		case 1:
			if imm>>5 != 0 {
				return c.illegal(insn)
			}
			val = a << (imm & 0x1f)
		case 5:
			switch imm >> 5 {
			case 0:
				val = a >> (imm & 0x1f)
			case 0x20:
				val = uint32(int32(a) >> (imm & 0x1f))
			default:
				return c.illegal(insn)
			}
		default:
			return c.illegal(insn)
		}
		c.WriteReg(insn.Rd(), uint64(int32(val)))

	case riscv.OpStore:
		size := 1 << insn.Funct3()
		if size > 8 {
			return c.illegal(insn)
		}
		va := c.ReadReg(insn.Rs1()) + uint64(insn.ImmS())
		if err := c.store(va, c.ReadReg(insn.Rs2()), size); err != nil {
			return err
		}

	case riscv.OpReg:
		a, b := c.ReadReg(insn.Rs1()), c.ReadReg(insn.Rs2())
		var val uint64
		switch insn.Funct7() {
		case 0:
			switch insn.Funct3() {
			case 0:
				val = a + b
			case 1:
				val = a << (b & 0x3f)
			case 2:
				val = boolToReg(int64(a) < int64(b))
			case 3:
				val = boolToReg(a < b)
			case 4:
				val = a ^ b
			case 5:
				val = a >> (b & 0x3f)
			case 6:
				val = a | b
			case 7:
				val = a & b
			}
		case 0x20:
			switch insn.Funct3() {
			case 0:
				val = a - b
			case 5:
				val = uint64(int64(a) >> (b & 0x3f))
			default:
				return c.illegal(insn)
			}
		case 1:
			val = mulDiv(insn.Funct3(), a, b)
		default:
			return c.illegal(insn)
		}
		c.WriteReg(insn.Rd(), val)

	case riscv.OpLui:
		c.WriteReg(insn.Rd(), uint64(insn.ImmU()))

	case riscv.OpReg32:
		a, b := c.ReadReg(insn.Rs1()), c.ReadReg(insn.Rs2())
		var val uint32
		switch insn.Funct7() {
		case 0:
			switch insn.Funct3() {
			case 0:
				val = uint32(a) + uint32(b)
			case 1:
				val = uint32(a) << (b & 0x1f)
			case 5:
				val = uint32(a) >> (b & 0x1f)
			default:
				return c.illegal(insn)
			}
		case 0x20:
			switch insn.Funct3() {
			case 0:
				val = uint32(a) - uint32(b)
			case 5:
				val = uint32(int32(a) >> (b & 0x1f))
			default:
				return c.illegal(insn)
			}
		case 1:
			v, ok := mulDiv32(insn.Funct3(), uint32(a), uint32(b))
			if !ok {
				return c.illegal(insn)
			}
			val = v
		default:
			return c.illegal(insn)
		}
		c.WriteReg(insn.Rd(), uint64(int32(val)))

	case riscv.OpBranch:
		a, b := c.ReadReg(insn.Rs1()), c.ReadReg(insn.Rs2())
		var taken bool
		switch insn.Funct3() {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return c.illegal(insn)
		}
		if taken {
			next = c.PC + uint64(insn.ImmB())
		}

	case riscv.OpJalr:
		if insn.Funct3() != 0 {
			return c.illegal(insn)
		}
		target := (c.ReadReg(insn.Rs1()) + uint64(insn.ImmI())) &^ 1
		c.WriteReg(insn.Rd(), next)
		next = target

	case riscv.OpJal:
		c.WriteReg(insn.Rd(), next)
		next = c.PC + uint64(insn.ImmJ())

	case riscv.OpSystem:
		switch insn.Funct3() {
		case 0:
			switch {
			case uint32(insn) == riscv.InsnECALL:
				if c.Priv == riscv.PrivUser {
					return Exception{riscv.CauseEcallFromU, 0}
				}
				return Exception{riscv.CauseEcallFromS, 0}
			case uint32(insn) == riscv.InsnEBREAK:
				return Exception{riscv.CauseBreakpoint, c.PC}
			case uint32(insn) == riscv.InsnSRET:
				if err := c.sret(); err != nil {
					return err
				}
				next = c.Sepc
			case uint32(insn) == riscv.InsnWFI:
				if c.Sip&c.Sie == 0 {
					// Stall in place until an enabled interrupt becomes
					// pending. The global enable does not matter for
					// wakeup.
					next = c.PC
				}
			case insn.Funct7() == 0x09 && insn.Rd() == riscv.RegZero:
				// sfence.vma. There is no TLB to flush.
				if c.Priv == riscv.PrivUser {
					return c.illegal(insn)
				}
			default:
				return c.illegal(insn)
			}
		case 4:
			return c.illegal(insn)
		default:
			if err := c.csrOp(insn); err != nil {
				return err
			}
		}

	default:
		return c.illegal(insn)
	}

	c.PC = next
	return nil
}

// mulDiv implements the M extension on 64 bit operands.
func mulDiv(f3 uint32, a, b uint64) uint64 {
	switch f3 {
	case 0: // mul
		return a * b
	case 1: // mulh
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return hi
	case 2: // mulhsu
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		return hi
	case 3: // mulhu
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4: // div
		switch {
		case b == 0:
			return ^uint64(0)
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return a
		default:
			return uint64(int64(a) / int64(b))
		}
	case 5: // divu
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 6: // rem
		switch {
		case b == 0:
			return a
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return 0
		default:
			return uint64(int64(a) % int64(b))
		}
	default: // remu
		if b == 0 {
			return a
		}
		return a % b
	}
}

// mulDiv32 implements the M extension W forms. The caller sign extends
// the result.
func mulDiv32(f3 uint32, a, b uint32) (uint32, bool) {
	switch f3 {
	case 0: // mulw
		return a * b, true
	case 4: // divw
		switch {
		case b == 0:
			return ^uint32(0), true
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return a, true
		default:
			return uint32(int32(a) / int32(b)), true
		}
	case 5: // divuw
		if b == 0 {
			return ^uint32(0), true
		}
		return a / b, true
	case 6: // remw
		switch {
		case b == 0:
			return a, true
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return 0, true
		default:
			return uint32(int32(a) % int32(b)), true
		}
	case 7: // remuw
		if b == 0 {
			return a, true
		}
		return a % b, true
	default:
		return 0, false
	}
}
