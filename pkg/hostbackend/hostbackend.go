// Package hostbackend defines the polymorphic capability set the allocator
// and builder use to talk to a concrete host architecture (spec.md §4.H,
// §9 "Polymorphism over host backend"). Exactly one implementation exists
// per supported host, chosen at build time; this port ships
// pkg/hostbackend/z80.
package hostbackend

import (
	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

// ConstArg records, per argument position, whether that argument was
// passed to OutOp as an immediate (true) or a placed register (false) —
// the const_args mask of spec.md §4.H's out_op contract.
type ConstArg = bool

// Backend is the full capability surface spec.md §4.H lists. The allocator
// (pkg/regalloc) and liveness (pkg/liveness, via Supports) use exactly
// this surface and nothing else.
type Backend interface {
	// Name identifies the host, e.g. "z80".
	Name() string

	// RegBits, InsnUnitSize, StackGrowsUp, ExtendArgs are the build-time
	// target parameters of spec.md §6: no runtime config exists, these are
	// fixed for the lifetime of a Backend value.
	RegBits() int
	InsnUnitSize() int
	StackGrowsUp() bool
	ExtendArgs() bool
	BigEndian() bool
	AlignCallArgs() bool // CALL_ALIGN_ARGS: odd-positioned 64-bit pairs get a DUMMY_ARG pad

	// TargetInit fills the register-class tables used throughout
	// allocation: the first-fit spill order, the argument/return register
	// conventions, the call-clobber set, and any registers reserved before
	// allocation begins (e.g. a dedicated frame-pointer register).
	TargetInit(ctx *tcgir.Context)
	RegAllocOrder() []regset.Reg
	CallIArgRegs() []regset.Reg
	CallOArgRegs() []regset.Reg
	CallClobberRegs() regset.Set
	ReservedRegs() regset.Set

	// Supports reports whether this host implements opc directly — used by
	// liveness's add2/sub2/mulu2-family rewriting (spec.md §4.F) to decide
	// whether a scalar replacement opcode exists, instead of assuming yes.
	Supports(opc tcgir.Opcode) bool

	// ParseConstraint consumes one constraint character at *cursor from ct
	// and returns the allowed-register set it denotes (spec.md §4.E).
	// Digits ('0'-'9') and 'i' are handled by pkg/constraint itself and
	// never reach ParseConstraint.
	ParseConstraint(ct string, cursor *int) regset.Set

	// TargetConstMatch decides whether val fits ct as an immediate operand
	// (spec.md §4.E's CONST bit, spec.md §4.G step 1's constant folding).
	TargetConstMatch(val int64, typ tcgir.TempType, ct string) bool

	// --- code emission primitives (spec.md §4.H) ---
	OutMov(typ tcgir.TempType, dst, src regset.Reg)
	OutMovi(typ tcgir.TempType, dst regset.Reg, imm int64)
	OutLd(typ tcgir.TempType, dst, base regset.Reg, offset int32)
	OutSt(typ tcgir.TempType, src, base regset.Reg, offset int32)
	OutOp(opc tcgir.Opcode, args []regset.Reg, constArgs []ConstArg, imms []int64)

	// OutBr and OutBrCond emit an unconditional/conditional jump and return
	// the code-buffer offset of the word that encodes the target, so the
	// allocator can register it as a Relocation (immediately resolved via
	// PatchReloc if the label is already placed, or queued on the label's
	// pending list otherwise) without needing to know the host's jump
	// encoding. Mirrors tcg_out_reloc's caller-supplied-offset convention.
	OutBr() (relocPtr int)
	OutBrCond(typ tcgir.TempType, cond tcgir.Cond, a, c regset.Reg, cIsConst bool, cImm int64) (relocPtr int)

	OutCall(target uintptr)
	OutTBInit()
	OutTBFinalize()
	PatchReloc(at int, kind tcgir.RelocKind, value int64, addend int64)

	// QemuPrologue emits the one-time dispatcher prologue (spec.md §4.H);
	// called once per process, not per TB.
	QemuPrologue(ctx *tcgir.Context)
}
