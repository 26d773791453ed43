// Package fakehost is a minimal, deliberately dumb HostBackend used only by
// this module's own unit tests (pkg/builder, pkg/liveness, pkg/regalloc).
// It has 4 general-purpose registers (R0-R3) and records every emission as
// a trace entry instead of real machine code, so tests can assert on
// allocator/liveness *decisions* without depending on a real instruction
// encoding. The real target is pkg/hostbackend/z80.
package fakehost

import (
	"fmt"

	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

const (
	R0 regset.Reg = iota
	R1
	R2
	R3
	NRegs
)

// Trace is one recorded emission call, for test assertions.
type Trace struct {
	Kind string // "mov","movi","ld","st","op","br","brcond","call","tb_init","tb_finalize","reloc","prologue"
	A, B regset.Reg
	Imm  int64
	Opc  tcgir.Opcode
	Args []regset.Reg
}

type Backend struct {
	regBits      int
	bigEndian    bool
	alignArgs    bool
	extendArgs   bool
	stackGrowsUp bool
	Trace        []Trace
}

// New builds a 32-bit-host fake by default; tests override via the setters.
func New() *Backend {
	return &Backend{regBits: 32}
}

func (b *Backend) WithRegBits(n int) *Backend   { b.regBits = n; return b }
func (b *Backend) WithBigEndian(v bool) *Backend { b.bigEndian = v; return b }
func (b *Backend) WithAlignArgs(v bool) *Backend { b.alignArgs = v; return b }
func (b *Backend) WithExtendArgs(v bool) *Backend { b.extendArgs = v; return b }

func (b *Backend) Name() string          { return "fakehost" }
func (b *Backend) RegBits() int          { return b.regBits }
func (b *Backend) InsnUnitSize() int     { return 1 }
func (b *Backend) StackGrowsUp() bool    { return b.stackGrowsUp }
func (b *Backend) ExtendArgs() bool      { return b.extendArgs }
func (b *Backend) BigEndian() bool       { return b.bigEndian }
func (b *Backend) AlignCallArgs() bool   { return b.alignArgs }

func (b *Backend) TargetInit(ctx *tcgir.Context) {
	ctx.ReservedRegs = regset.Set(0)
}

func (b *Backend) RegAllocOrder() []regset.Reg    { return []regset.Reg{R0, R1, R2, R3} }
func (b *Backend) CallIArgRegs() []regset.Reg     { return []regset.Reg{R0, R1} }
func (b *Backend) CallOArgRegs() []regset.Reg     { return []regset.Reg{R0} }
func (b *Backend) CallClobberRegs() regset.Set    { return regset.New(R0, R1) }
func (b *Backend) ReservedRegs() regset.Set       { return 0 }

func (b *Backend) Supports(opc tcgir.Opcode) bool {
	switch opc {
	case tcgir.OpAdd, tcgir.OpSub:
		return true
	default:
		return false
	}
}

func (b *Backend) ParseConstraint(ct string, cursor *int) regset.Set {
	switch ct[*cursor] {
	case 'r':
		*cursor++
		return regset.New(R0, R1, R2, R3)
	case 'L': // like qemu's "L": everything except the call-clobber set
		*cursor++
		return regset.New(R0, R1, R2, R3).AndNot(b.CallClobberRegs())
	default:
		panic(fmt.Sprintf("fakehost: unknown constraint char %q", ct[*cursor]))
	}
}

func (b *Backend) TargetConstMatch(val int64, typ tcgir.TempType, ct string) bool {
	return val >= -128 && val <= 127
}

func (b *Backend) OutMov(typ tcgir.TempType, dst, src regset.Reg) {
	b.Trace = append(b.Trace, Trace{Kind: "mov", A: dst, B: src})
}
func (b *Backend) OutMovi(typ tcgir.TempType, dst regset.Reg, imm int64) {
	b.Trace = append(b.Trace, Trace{Kind: "movi", A: dst, Imm: imm})
}
func (b *Backend) OutLd(typ tcgir.TempType, dst, base regset.Reg, offset int32) {
	b.Trace = append(b.Trace, Trace{Kind: "ld", A: dst, B: base, Imm: int64(offset)})
}
func (b *Backend) OutSt(typ tcgir.TempType, src, base regset.Reg, offset int32) {
	b.Trace = append(b.Trace, Trace{Kind: "st", A: src, B: base, Imm: int64(offset)})
}
func (b *Backend) OutOp(opc tcgir.Opcode, args []regset.Reg, constArgs []bool, imms []int64) {
	b.Trace = append(b.Trace, Trace{Kind: "op", Opc: opc, Args: append([]regset.Reg{}, args...)})
}
func (b *Backend) OutBr() int {
	ptr := len(b.Trace)
	b.Trace = append(b.Trace, Trace{Kind: "br"})
	return ptr
}
func (b *Backend) OutBrCond(typ tcgir.TempType, cond tcgir.Cond, a, c regset.Reg, cIsConst bool, cImm int64) int {
	ptr := len(b.Trace)
	imm := int64(c)
	if cIsConst {
		imm = cImm
	}
	b.Trace = append(b.Trace, Trace{Kind: "brcond", A: a, Imm: imm, Opc: tcgir.Opcode(cond)})
	return ptr
}
func (b *Backend) OutCall(target uintptr) {
	b.Trace = append(b.Trace, Trace{Kind: "call", Imm: int64(target)})
}
func (b *Backend) OutTBInit()     { b.Trace = append(b.Trace, Trace{Kind: "tb_init"}) }
func (b *Backend) OutTBFinalize() { b.Trace = append(b.Trace, Trace{Kind: "tb_finalize"}) }
func (b *Backend) PatchReloc(at int, kind tcgir.RelocKind, value int64, addend int64) {
	b.Trace = append(b.Trace, Trace{Kind: "reloc", Imm: value + addend})
}
func (b *Backend) QemuPrologue(ctx *tcgir.Context) {
	b.Trace = append(b.Trace, Trace{Kind: "prologue"})
}
