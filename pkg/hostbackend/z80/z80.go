// Package z80 implements hostbackend.Backend for the Zilog Z80: the only
// concrete host this port ships (spec.md §6). The Z80 has no general
// register file in the TCG sense - only three usable 16-bit pairs (HL, DE,
// BC) plus the index register IX - so this backend narrows TCG's generic
// "r" register class down to what the hardware actually offers and encodes
// every op as real Z80 machine code bytes straight into the Context's code
// buffer, instead of emitting assembly text the way the teacher's
// pkg/codegen/z80.go does.
//
// Register layout (spec.md §4.H "host-specific enumeration, starting at 0"):
// HL and DE are the two general-purpose temps RegAllocOrder offers the
// allocator; BC is reserved as call-argument/scratch storage (never handed
// out by ParseConstraint, so it is free whenever the multi-instruction
// sequences below need a spare byte); IX is the fixed frame-pointer register
// spec.md §4.B's GlobalMem/spill path addresses through.
//
// Every 16-bit op here is built from real 8-bit Z80 instructions operating
// on a register pair's high/low halves (e.g. ADD as an ADD/ADC chain through
// A), rather than the narrower native 16-bit forms (ADD HL,rr etc.)
// that only work when HL specifically holds the result - this way the
// encoding is correct regardless of which of HL/DE the allocator chose.
package z80

import (
	"fmt"

	"github.com/minz/tcg/pkg/hostbackend"
	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

// Reg identifies one of the four register pairs this backend models.
const (
	HL regset.Reg = iota
	DE
	BC
	IX
	nRegs
)

// Backend is one Z80 host target instance. codeOrigin is the address the
// generated CodeBuf will be loaded at (needed to turn a Relocation's
// CodeBuf-relative label offset into an absolute jump target); frameBase is
// the fixed memory address IX is loaded with once per process, the base
// every global/spill-slot offset is relative to.
type Backend struct {
	ctx        *tcgir.Context
	codeOrigin uint16
	frameBase  uint16
	traps      map[int]uintptr
}

// New builds a Z80 backend. codeOrigin and frameBase are both absolute
// 16-bit addresses in the guest Z80's address space, chosen by whatever
// harness maps the generated code and frame memory (pkg/hostbackend/z80's
// own tests use remogatto/z80's flat 64K array for both).
func New(codeOrigin, frameBase uint16) *Backend {
	return &Backend{codeOrigin: codeOrigin, frameBase: frameBase, traps: make(map[int]uintptr)}
}

// Traps returns the absolute guest addresses (codeOrigin-relative) of every
// helper-call trap site emitted in the current TB, mapped to the host
// function address CallEmit targeted, so a harness can intercept execution
// there instead of running the placeholder byte (cmd/tcgc prints them under
// --debug).
func (b *Backend) Traps() map[uint16]uintptr {
	out := make(map[uint16]uintptr, len(b.traps))
	for pos, target := range b.traps {
		out[b.codeOrigin+uint16(pos)] = target
	}
	return out
}

func (b *Backend) Name() string        { return "z80" }
func (b *Backend) RegBits() int        { return 16 }
func (b *Backend) InsnUnitSize() int   { return 1 }
func (b *Backend) StackGrowsUp() bool  { return true }
func (b *Backend) ExtendArgs() bool    { return false }
func (b *Backend) BigEndian() bool     { return false }
func (b *Backend) AlignCallArgs() bool { return false }

func (b *Backend) TargetInit(ctx *tcgir.Context) {
	b.ctx = ctx
	ctx.ReservedRegs = regset.New(IX)
	ctx.HasFrameReg = true
	ctx.FrameReg = IX
}

func (b *Backend) RegAllocOrder() []regset.Reg { return []regset.Reg{HL, DE} }
func (b *Backend) CallIArgRegs() []regset.Reg  { return []regset.Reg{BC, DE} }
func (b *Backend) CallOArgRegs() []regset.Reg  { return []regset.Reg{HL} }
func (b *Backend) CallClobberRegs() regset.Set { return regset.New(HL, DE, BC) }
func (b *Backend) ReservedRegs() regset.Set    { return regset.New(IX) }

func (b *Backend) Supports(opc tcgir.Opcode) bool {
	switch opc {
	case tcgir.OpAdd2, tcgir.OpSub2, tcgir.OpMulu2, tcgir.OpMuls2, tcgir.OpMulsh, tcgir.OpMuluh,
		tcgir.OpExtrLo, tcgir.OpExtrHi, tcgir.OpExtS32, tcgir.OpExtU32:
		return false
	default:
		return true
	}
}

func (b *Backend) ParseConstraint(ct string, cursor *int) regset.Set {
	switch ct[*cursor] {
	case 'r':
		*cursor++
		return regset.New(HL, DE)
	default:
		panic(fmt.Sprintf("z80: unknown constraint char %q", ct[*cursor]))
	}
}

// TargetConstMatch: every 16-bit value fits as an immediate on this host
// (LD rr,nn and the 8-bit ALU-immediate forms both take a full operand), so
// the only thing to reject is a type this backend doesn't implement.
func (b *Backend) TargetConstMatch(val int64, typ tcgir.TempType, ct string) bool {
	return typ == tcgir.TypeI32
}

// --- byte emission ---

func (b *Backend) emit8(v byte) {
	b.ctx.CodeBuf[b.ctx.CodePos] = v
	b.ctx.CodePos++
}

func (b *Backend) emit16(v uint16) {
	b.emit8(byte(v))
	b.emit8(byte(v >> 8))
}

func (b *Backend) patch16(at int, v uint16) {
	b.ctx.CodeBuf[at] = byte(v)
	b.ctx.CodeBuf[at+1] = byte(v >> 8)
}

func requireI32(typ tcgir.TempType) {
	if typ != tcgir.TypeI32 {
		panic("z80: 64-bit temps are not supported by this backend")
	}
}

// --- register-pair plumbing ---

// halves returns the 8-bit register codes (B=0,C=1,D=2,E=3,H=4,L=5,A=7) for
// a pair's low and high byte.
func halves(r regset.Reg) (lo, hi int) {
	switch r {
	case HL:
		return 5, 4
	case DE:
		return 3, 2
	case BC:
		return 1, 0
	default:
		panic(fmt.Sprintf("z80: register %d has no 8-bit halves", r))
	}
}

func pairCode(r regset.Reg) int {
	switch r {
	case BC:
		return 0
	case DE:
		return 1
	case HL:
		return 2
	default:
		panic(fmt.Sprintf("z80: register %d is not a general pair", r))
	}
}

const regA = 7

// --- 8-bit instruction encoders ---

func (b *Backend) ldRR(dst, src int) {
	if dst == src {
		return
	}
	b.emit8(0x40 | byte(dst<<3) | byte(src))
}

type aluOp int

const (
	aluAdd aluOp = iota
	aluAdc
	aluSub
	aluSbc
	aluAnd
	aluXor
	aluOr
)

func (b *Backend) aluReg(op aluOp, r int) { b.emit8(0x80 | byte(op)<<3 | byte(r)) }
func (b *Backend) aluImm(op aluOp, n byte) {
	b.emit8(0xC6 | byte(op)<<3)
	b.emit8(n)
}

func (b *Backend) cpl()          { b.emit8(0x2F) }
func (b *Backend) orR(r int)     { b.emit8(0xB0 | byte(r)) }
func (b *Backend) inc16(pp int)  { b.emit8(0x03 | byte(pp<<4)) }
func (b *Backend) cb(base byte, r int) {
	b.emit8(0xCB)
	b.emit8(base | byte(r))
}

func (b *Backend) ldIdx(r int, d int32) {
	b.emit8(0xDD)
	b.emit8(0x46 | byte(r<<3))
	b.emit8(byte(int8(d)))
}

func (b *Backend) stIdx(r int, d int32) {
	b.emit8(0xDD)
	b.emit8(0x70 | byte(r))
	b.emit8(byte(int8(d)))
}

// --- emission primitives the allocator drives ---

func (b *Backend) OutMov(typ tcgir.TempType, dst, src regset.Reg) {
	requireI32(typ)
	if dst == src {
		return
	}
	dstLo, dstHi := halves(dst)
	srcLo, srcHi := halves(src)
	b.ldRR(dstHi, srcHi)
	b.ldRR(dstLo, srcLo)
}

func (b *Backend) OutMovi(typ tcgir.TempType, dst regset.Reg, imm int64) {
	requireI32(typ)
	b.emit8(0x01 | byte(pairCode(dst)<<4))
	b.emit16(uint16(imm))
}

func (b *Backend) OutLd(typ tcgir.TempType, dst, base regset.Reg, offset int32) {
	requireI32(typ)
	if base != IX {
		panic("z80: memory operands must be IX-relative")
	}
	lo, hi := halves(dst)
	b.ldIdx(lo, offset)
	b.ldIdx(hi, offset+1)
}

func (b *Backend) OutSt(typ tcgir.TempType, src, base regset.Reg, offset int32) {
	requireI32(typ)
	if base != IX {
		panic("z80: memory operands must be IX-relative")
	}
	lo, hi := halves(src)
	b.stIdx(lo, offset)
	b.stIdx(hi, offset+1)
}

// binHiLo computes dst = dst <op> operand (register or immediate), per
// spec.md §4.H's destructive out_op contract: dst already holds the first
// operand's value because the op's constraint table aliases it to the
// output. lowOp/highOp let add (ADD then ADC, to chain the carry between
// halves) differ from and/or/xor (the same bitwise op on both halves).
func (b *Backend) binHiLo(dst regset.Reg, srcReg regset.Reg, srcConst bool, srcImm int64, lowOp, highOp aluOp) {
	dstLo, dstHi := halves(dst)
	if srcConst {
		lo, hi := byte(srcImm), byte(srcImm>>8)
		b.ldRR(regA, dstLo)
		b.aluImm(lowOp, lo)
		b.ldRR(dstLo, regA)
		b.ldRR(regA, dstHi)
		b.aluImm(highOp, hi)
		b.ldRR(dstHi, regA)
		return
	}
	srcLo, srcHi := halves(srcReg)
	b.ldRR(regA, dstLo)
	b.aluReg(lowOp, srcLo)
	b.ldRR(dstLo, regA)
	b.ldRR(regA, dstHi)
	b.aluReg(highOp, srcHi)
	b.ldRR(dstHi, regA)
}

func (b *Backend) negNot(dst regset.Reg, negate bool) {
	lo, hi := halves(dst)
	b.ldRR(regA, lo)
	b.cpl()
	b.ldRR(lo, regA)
	b.ldRR(regA, hi)
	b.cpl()
	b.ldRR(hi, regA)
	if negate {
		b.inc16(pairCode(dst))
	}
}

type shiftKind int

const (
	shiftLeft shiftKind = iota
	shiftRightLogical
	shiftRightArith
)

func (b *Backend) shift(dst regset.Reg, count regset.Reg, countConst bool, countImm int64, kind shiftKind) {
	if !countConst {
		panic("z80: shift/rotate count must be a compile-time constant on this backend")
	}
	lo, hi := halves(dst)
	for i := 0; i < int(countImm); i++ {
		switch kind {
		case shiftLeft:
			b.cb(0x20, lo) // SLA lo
			b.cb(0x10, hi) // RL hi
		case shiftRightLogical:
			b.cb(0x38, hi) // SRL hi
			b.cb(0x18, lo) // RR lo
		case shiftRightArith:
			b.cb(0x28, hi) // SRA hi
			b.cb(0x18, lo) // RR lo
		}
	}
}

// OutOp dispatches the arithmetic/bitwise opcodes: args holds [out..., in...],
// with constArgs[pos]/imms[pos] describing any input left as an immediate
// instead of a placed register. This backend's constraint table always
// aliases a binary op's first input to its output, so args[0] (the output)
// and args[1] (the first input) are always the same physical register pair
// by the time OutOp is called.
func (b *Backend) OutOp(opc tcgir.Opcode, args []regset.Reg, constArgs []hostbackend.ConstArg, imms []int64) {
	switch opc {
	case tcgir.OpAdd:
		b.binHiLo(args[0], args[2], constArgs[2], imms[2], aluAdd, aluAdc)
	case tcgir.OpSub:
		b.binHiLo(args[0], args[2], constArgs[2], imms[2], aluSub, aluSbc)
	case tcgir.OpAnd:
		b.binHiLo(args[0], args[2], constArgs[2], imms[2], aluAnd, aluAnd)
	case tcgir.OpOr:
		b.binHiLo(args[0], args[2], constArgs[2], imms[2], aluOr, aluOr)
	case tcgir.OpXor:
		b.binHiLo(args[0], args[2], constArgs[2], imms[2], aluXor, aluXor)
	case tcgir.OpShl:
		b.shift(args[0], args[2], constArgs[2], imms[2], shiftLeft)
	case tcgir.OpShr:
		b.shift(args[0], args[2], constArgs[2], imms[2], shiftRightLogical)
	case tcgir.OpSar:
		b.shift(args[0], args[2], constArgs[2], imms[2], shiftRightArith)
	case tcgir.OpNeg:
		b.negNot(args[0], true)
	case tcgir.OpNot:
		b.negNot(args[0], false)
	default:
		panic(fmt.Sprintf("z80: OutOp: opcode %s not implemented by this backend", opc))
	}
}

func (b *Backend) OutCall(target uintptr) {
	pos := b.ctx.CodePos
	b.traps[pos] = target
	b.emit8(0x00) // placeholder NOP; a harness intercepts by address before this ever executes
}

func (b *Backend) OutTBInit() {
	b.traps = make(map[int]uintptr)
}

func (b *Backend) OutTBFinalize() {}

func (b *Backend) OutBr() int {
	ptr := b.ctx.CodePos
	b.emit8(0xC3) // JP nn
	b.emit16(0)
	return ptr
}

// ccNZ, ccZ, ccNC, ccC are the only condition codes this backend's
// comparison sequence (see compare16) can drive JP cc,nn from: Z/NZ for
// equality, C/NC for an unsigned 16-bit less-than or greater-or-equal.
// Signed conditions and unsigned gt/le would need extra flag bookkeeping
// this teaching backend doesn't implement; they panic.
const (
	ccNZ = 0
	ccZ  = 1
	ccNC = 2
	ccC  = 3
)

func (b *Backend) compare16(aReg, cReg regset.Reg, cConst bool, cImm int64, needZero bool) {
	aLo, aHi := halves(aReg)
	if cConst {
		lo, hi := byte(cImm), byte(cImm>>8)
		b.ldRR(regA, aLo)
		b.aluImm(aluSub, lo)
		if needZero {
			b.ldRR(1 /*C*/, regA) // stash the low-byte diff in BC's C half
		}
		b.ldRR(regA, aHi)
		b.aluImm(aluSbc, hi)
		if needZero {
			b.orR(1)
		}
		return
	}
	cLo, cHi := halves(cReg)
	b.ldRR(regA, aLo)
	b.aluReg(aluSub, cLo)
	if needZero {
		b.ldRR(1, regA)
	}
	b.ldRR(regA, aHi)
	b.aluReg(aluSbc, cHi)
	if needZero {
		b.orR(1)
	}
}

func (b *Backend) OutBrCond(typ tcgir.TempType, cond tcgir.Cond, a, c regset.Reg, cIsConst bool, cImm int64) int {
	requireI32(typ)
	var cc int
	switch cond {
	case tcgir.CondEq:
		b.compare16(a, c, cIsConst, cImm, true)
		cc = ccZ
	case tcgir.CondNe:
		b.compare16(a, c, cIsConst, cImm, true)
		cc = ccNZ
	case tcgir.CondLtu:
		b.compare16(a, c, cIsConst, cImm, false)
		cc = ccC
	case tcgir.CondGeu:
		b.compare16(a, c, cIsConst, cImm, false)
		cc = ccNC
	default:
		panic(fmt.Sprintf("z80: condition %v not supported by this backend", cond))
	}
	ptr := b.ctx.CodePos
	b.emit8(0xC2 | byte(cc<<3)) // JP cc,nn
	b.emit16(0)
	return ptr
}

func (b *Backend) PatchReloc(at int, kind tcgir.RelocKind, value int64, addend int64) {
	b.patch16(at+1, b.codeOrigin+uint16(value+addend))
}

// QemuPrologue loads the frame pointer once; there is no dispatcher loop to
// generate here since this backend's own tests drive one TB at a time
// directly through an emulator rather than chaining translation blocks.
func (b *Backend) QemuPrologue(ctx *tcgir.Context) {
	b.ctx = ctx
	b.emit8(0xDD)
	b.emit8(0x21) // LD IX,nn
	b.emit16(b.frameBase)
}
