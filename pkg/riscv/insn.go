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

// Major opcodes (bits 6:0).
const (
	OpLoad    = 0x03
	OpMiscMem = 0x0f
	OpImm     = 0x13
	OpAuipc   = 0x17
	OpImm32   = 0x1b
	OpStore   = 0x23
	OpReg     = 0x33
	OpLui     = 0x37
	OpReg32   = 0x3b
	OpBranch  = 0x63
	OpJalr    = 0x67
	OpJal     = 0x6f
	OpSystem  = 0x73
)

// Fixed instruction words.
const (
	InsnECALL     = 0x00000073
	InsnEBREAK    = 0x00100073
	InsnSRET      = 0x10200073
	InsnMRET      = 0x30200073
	InsnWFI       = 0x10500073
	InsnSFenceVMA = 0x12000073 // sfence.vma x0, x0
	InsnFenceI    = 0x0000100f
	InsnNOP       = 0x00000013 // addi x0, x0, 0
	InsnRET       = 0x00008067 // jalr x0, 0(ra)
)

// Insn is a 32-bit instruction word with field accessors. Immediates are
// returned sign-extended.
type Insn uint32

// Opcode returns bits 6:0.
func (i Insn) Opcode() uint32 { return uint32(i) & 0x7f }

// Rd returns bits 11:7.
func (i Insn) Rd() int { return int(i>>7) & 0x1f }

// Funct3 returns bits 14:12.
func (i Insn) Funct3() uint32 { return uint32(i>>12) & 0x7 }

// Rs1 returns bits 19:15.
func (i Insn) Rs1() int { return int(i>>15) & 0x1f }

// Rs2 returns bits 24:20.
func (i Insn) Rs2() int { return int(i>>20) & 0x1f }

// Funct7 returns bits 31:25.
func (i Insn) Funct7() uint32 { return uint32(i) >> 25 }

// ImmI returns the I-type immediate.
func (i Insn) ImmI() int64 { return int64(int32(i) >> 20) }

// ImmS returns the S-type immediate.
func (i Insn) ImmS() int64 {
	return int64((int32(i)>>25)<<5 | int32((i>>7)&0x1f))
}

// ImmB returns the B-type immediate.
func (i Insn) ImmB() int64 {
	return int64((int32(i)>>31)<<12 |
		int32((i>>25)&0x3f)<<5 |
		int32((i>>8)&0xf)<<1 |
		int32((i>>7)&0x1)<<11)
}

// ImmU returns the U-type immediate.
func (i Insn) ImmU() int64 { return int64(int32(i) &^ 0xfff) }

// ImmJ returns the J-type immediate.
func (i Insn) ImmJ() int64 {
	return int64((int32(i)>>31)<<20 |
		int32((i>>21)&0x3ff)<<1 |
		int32((i>>20)&0x1)<<11 |
		int32((i>>12)&0xff)<<12)
}

// CSRField returns the CSR number of a Zicsr instruction.
func (i Insn) CSRField() CSR { return CSR(i >> 20) }

// EncodeI packs an I-type instruction. The low 12 bits of imm are used.
func EncodeI(op uint32, rd int, f3 uint32, rs1 int, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

// EncodeS packs an S-type instruction.
func EncodeS(op uint32, f3 uint32, rs1, rs2 int, imm int64) uint32 {
	return uint32((imm>>5)&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		f3<<12 | uint32(imm&0x1f)<<7 | op
}

// EncodeB packs a B-type instruction. imm is a byte offset, bit 0 ignored.
func EncodeB(op uint32, f3 uint32, rs1, rs2 int, imm int64) uint32 {
	return uint32((imm>>12)&0x1)<<31 | uint32((imm>>5)&0x3f)<<25 |
		uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 |
		uint32((imm>>1)&0xf)<<8 | uint32((imm>>11)&0x1)<<7 | op
}

// EncodeU packs a U-type instruction. The low 12 bits of imm are ignored.
func EncodeU(op uint32, rd int, imm int64) uint32 {
	return uint32(imm&^0xfff) | uint32(rd)<<7 | op
}

// EncodeJ packs a J-type instruction. imm is a byte offset, bit 0 ignored.
func EncodeJ(op uint32, rd int, imm int64) uint32 {
	return uint32((imm>>20)&0x1)<<31 | uint32((imm>>1)&0x3ff)<<21 |
		uint32((imm>>11)&0x1)<<20 | uint32((imm>>12)&0xff)<<12 |
		uint32(rd)<<7 | op
}

// EncodeR packs an R-type instruction.
func EncodeR(op uint32, rd int, f3 uint32, rs1, rs2 int, f7 uint32) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

// Assembler mnemonics for the handful of instructions the trampoline
// stubs are built from.

// ADDI encodes addi rd, rs1, imm.
func ADDI(rd, rs1 int, imm int64) uint32 { return EncodeI(OpImm, rd, 0, rs1, imm) }

// LI encodes li rd, imm for immediates representable in 12 bits.
func LI(rd int, imm int64) uint32 { return ADDI(rd, RegZero, imm) }

// MV encodes mv rd, rs.
func MV(rd, rs int) uint32 { return ADDI(rd, rs, 0) }

// LD encodes ld rd, imm(rs1).
func LD(rd, rs1 int, imm int64) uint32 { return EncodeI(OpLoad, rd, 3, rs1, imm) }

// SD encodes sd rs2, imm(rs1).
func SD(rs2, rs1 int, imm int64) uint32 { return EncodeS(OpStore, 3, rs1, rs2, imm) }

// JALR encodes jalr rd, imm(rs1).
func JALR(rd, rs1 int, imm int64) uint32 { return EncodeI(OpJalr, rd, 0, rs1, imm) }

// JR encodes jr rs1.
func JR(rs1 int) uint32 { return JALR(RegZero, rs1, 0) }

// JAL encodes jal rd, imm.
func JAL(rd int, imm int64) uint32 { return EncodeJ(OpJal, rd, imm) }

// CSRRW encodes csrrw rd, csr, rs1.
func CSRRW(rd int, csr CSR, rs1 int) uint32 {
	return EncodeI(OpSystem, rd, 1, rs1, int64(csr))
}

// CSRRS encodes csrrs rd, csr, rs1.
func CSRRS(rd int, csr CSR, rs1 int) uint32 {
	return EncodeI(OpSystem, rd, 2, rs1, int64(csr))
}

// CSRR encodes csrr rd, csr.
func CSRR(rd int, csr CSR) uint32 { return CSRRS(rd, csr, RegZero) }

// CSRW encodes csrw csr, rs1.
func CSRW(csr CSR, rs1 int) uint32 { return CSRRW(RegZero, csr, rs1) }
