// Package builder implements the IR construction API of spec.md §4.B/§4.C:
// the only way a front-end (or, in this port, pkg/luair's Lua scripts)
// appends operations to a Context. Grounded on the teacher's
// Emit/EmitImm/EmitLabel/EmitJump convenience-constructor style in
// pkg/ir/ir.go, generalized from MinZ's fixed 3-register instruction shape
// to spec.md's constraint-driven variable-arity ops.
package builder

import (
	"fmt"

	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/hostbackend"
	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

// Builder wraps a Context with the construction operations spec.md names.
// It holds no state of its own beyond the Context/Backend/Helpers it was
// given, so multiple Builders may share one Context across front-end
// phases (not across threads — spec.md §5 still applies per Context).
type Builder struct {
	Ctx     *tcgir.Context
	Backend hostbackend.Backend
	Helpers *helper.Registry
}

// New creates a Builder over an already-FuncStart'd Context.
func New(ctx *tcgir.Context, backend hostbackend.Backend, helpers *helper.Registry) *Builder {
	return &Builder{Ctx: ctx, Backend: backend, Helpers: helpers}
}

// GlobalReg declares a fixed-register global: a temp permanently bound to a
// specific host register, per spec.md §4.B. It fails if that host register
// is already reserved (by an earlier global, or the backend's own
// ReservedRegs).
func (b *Builder) GlobalReg(typ tcgir.TempType, hostReg regset.Reg, name string) (int, error) {
	if b.Ctx.ReservedRegs.Test(hostReg) {
		return -1, fmt.Errorf("builder: host register %d already reserved", hostReg)
	}
	if len(b.Ctx.Temps) != b.Ctx.NbGlobals {
		return -1, fmt.Errorf("builder: globals must be declared before any temp-new/const")
	}
	idx := b.Ctx.NewTemp(typ, tcgir.LocalityGlobal, name)
	t := &b.Ctx.Temps[idx]
	t.FixedReg = hostReg
	t.HasFixedReg = true
	b.Ctx.ReservedRegs = b.Ctx.ReservedRegs.With(hostReg)
	b.Ctx.NbGlobals++
	return idx, nil
}

// GlobalMem declares a memory-backed global at [baseReg+offset], per
// spec.md §4.B. On a 32-bit host, an I64 global becomes two consecutive
// I32 temps; the returned slice is always ordered [low, high] regardless of
// host endianness (endianness only decides which temp owns the lower
// memory address, via offset).
func (b *Builder) GlobalMem(typ tcgir.TempType, baseReg regset.Reg, offset int32, name string) ([]int, error) {
	if len(b.Ctx.Temps) != b.Ctx.NbGlobals {
		return nil, fmt.Errorf("builder: globals must be declared before any temp-new/const")
	}
	mk := func(t tcgir.TempType, off int32, nm string) int {
		idx := b.Ctx.NewTemp(t, tcgir.LocalityGlobal, nm)
		tp := &b.Ctx.Temps[idx]
		tp.MemAllocated = true
		tp.MemReg = baseReg
		tp.MemOffset = off
		b.Ctx.NbGlobals++
		return idx
	}
	if typ == tcgir.TypeI64 && b.Backend.RegBits() == 32 {
		word0 := mk(tcgir.TypeI32, offset, name+"$w0")
		word1 := mk(tcgir.TypeI32, offset+4, name+"$w1")
		if b.Backend.BigEndian() {
			b.Ctx.Temps[word0].Name = name + "_hi"
			b.Ctx.Temps[word1].Name = name + "_lo"
			return []int{word1, word0}, nil
		}
		b.Ctx.Temps[word0].Name = name + "_lo"
		b.Ctx.Temps[word1].Name = name + "_hi"
		return []int{word0, word1}, nil
	}
	return []int{mk(typ, offset, name)}, nil
}

// TempNew allocates a virtual register, preferring a previously-freed slot
// of matching (type, locality) before growing the temp array.
func (b *Builder) TempNew(typ tcgir.TempType, local bool) int {
	loc := tcgir.LocalityScratch
	if local {
		loc = tcgir.LocalityLocal
	}
	if idx, ok := b.Ctx.TakeFreeTemp(typ, loc); ok {
		return idx
	}
	return b.Ctx.NewTemp(typ, loc, "")
}

// TempFree returns idx to the free-temp pool. Freeing a global or an
// already-free temp is a programmer invariant violation (spec.md §7 class
// 1) and panics, via Context.ReleaseTemp.
func (b *Builder) TempFree(idx int) {
	if b.Ctx.Temps[idx].IsGlobal() {
		panic(fmt.Sprintf("builder: cannot free global temp %d", idx))
	}
	b.Ctx.ReleaseTemp(idx)
}

// Const allocates a fresh scratch temp initialized by a movi op. The
// allocator may later elide the host movi entirely if the temp dies before
// any use (spec.md §8 round-trip property).
func (b *Builder) Const(typ tcgir.TempType, value int64) int {
	idx := b.TempNew(typ, false)
	b.Movi(idx, value)
	return idx
}

// --- op-emit convenience constructors ---

func (b *Builder) emit(opc tcgir.Opcode, outs, ins []int, consts []int64) int {
	def := tcgir.OpDefs[opc]
	if len(outs) != def.NbOArgs || len(ins) != def.NbIArgs || len(consts) != def.NbCArgs {
		panic(fmt.Sprintf("builder: %s expects (%d,%d,%d) args, got (%d,%d,%d)",
			opc, def.NbOArgs, def.NbIArgs, def.NbCArgs, len(outs), len(ins), len(consts)))
	}
	idx := b.Ctx.AppendOp(opc, def.NbArgs())
	args := b.Ctx.Args(idx)
	n := 0
	for _, o := range outs {
		args[n] = int64(o)
		n++
	}
	for _, i := range ins {
		args[n] = int64(i)
		n++
	}
	for _, c := range consts {
		args[n] = c
		n++
	}
	return idx
}

func (b *Builder) Movi(dest int, imm int64) int { return b.emit(tcgir.OpMovi, []int{dest}, nil, []int64{imm}) }
func (b *Builder) Mov(dest, src int) int         { return b.emit(tcgir.OpMov, []int{dest}, []int{src}, nil) }
func (b *Builder) Add(dest, a, c int) int        { return b.emit(tcgir.OpAdd, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Sub(dest, a, c int) int        { return b.emit(tcgir.OpSub, []int{dest}, []int{a, c}, nil) }
func (b *Builder) And(dest, a, c int) int        { return b.emit(tcgir.OpAnd, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Or(dest, a, c int) int         { return b.emit(tcgir.OpOr, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Xor(dest, a, c int) int        { return b.emit(tcgir.OpXor, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Shl(dest, a, c int) int        { return b.emit(tcgir.OpShl, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Shr(dest, a, c int) int        { return b.emit(tcgir.OpShr, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Sar(dest, a, c int) int        { return b.emit(tcgir.OpSar, []int{dest}, []int{a, c}, nil) }
func (b *Builder) Neg(dest, a int) int           { return b.emit(tcgir.OpNeg, []int{dest}, []int{a}, nil) }
func (b *Builder) Not(dest, a int) int           { return b.emit(tcgir.OpNot, []int{dest}, []int{a}, nil) }

func (b *Builder) Add2(hiDest, loDest, aHi, aLo, bHi, bLo int) int {
	return b.emit(tcgir.OpAdd2, []int{hiDest, loDest}, []int{aHi, aLo, bHi, bLo}, nil)
}
func (b *Builder) Sub2(hiDest, loDest, aHi, aLo, bHi, bLo int) int {
	return b.emit(tcgir.OpSub2, []int{hiDest, loDest}, []int{aHi, aLo, bHi, bLo}, nil)
}
func (b *Builder) Mulu2(hiDest, loDest, a, c int) int {
	return b.emit(tcgir.OpMulu2, []int{hiDest, loDest}, []int{a, c}, nil)
}
func (b *Builder) Muls2(hiDest, loDest, a, c int) int {
	return b.emit(tcgir.OpMuls2, []int{hiDest, loDest}, []int{a, c}, nil)
}
func (b *Builder) Mulsh(hiDest, a, c int) int { return b.emit(tcgir.OpMulsh, []int{hiDest}, []int{a, c}, nil) }
func (b *Builder) Muluh(hiDest, a, c int) int { return b.emit(tcgir.OpMuluh, []int{hiDest}, []int{a, c}, nil) }

func (b *Builder) Ld(dest, base int, offset int32) int {
	return b.emit(tcgir.OpLd, []int{dest}, []int{base}, []int64{int64(offset)})
}
func (b *Builder) St(src, base int, offset int32) int {
	return b.emit(tcgir.OpSt, nil, []int{src, base}, []int64{int64(offset)})
}

func (b *Builder) Discard(t int) int    { return b.emit(tcgir.OpDiscard, []int{t}, nil, nil) }
func (b *Builder) InsnStart(pc int64) int { return b.emit(tcgir.OpInsnStart, nil, nil, []int64{pc}) }
// Return emits a function return. val may be -1 for a void return: the op
// always carries its one input slot (so Op.NbIArgs() stays accurate for
// liveness/regalloc), with -1 as the "no value" sentinel rather than a
// variable-arity op.
func (b *Builder) Return(val int) int {
	return b.emit(tcgir.OpReturn, nil, []int{val}, nil)
}

// --- labels and branches ---

func (b *Builder) NewLabel() int { return b.Ctx.NewLabel() }

func (b *Builder) SetLabel(label int) int {
	return b.emit(tcgir.OpSetLabel, nil, nil, []int64{int64(label)})
}

func (b *Builder) Br(label int) int {
	return b.emit(tcgir.OpBr, nil, nil, []int64{int64(label)})
}

func (b *Builder) BrCond(cond tcgir.Cond, a, c, label int) int {
	return b.emit(tcgir.OpBrCond, nil, []int{a, c}, []int64{int64(cond), int64(label)})
}
