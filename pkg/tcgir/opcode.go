package tcgir

import "fmt"

// Opcode is a machine-independent IR operation, the unit the front-end
// emits and the allocator consumes. It mirrors the qemu tcg.c opcode list
// (INDEX_op_*) trimmed to the set this port implements.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpInsnStart
	OpDiscard
	OpSetLabel
	OpCall
	OpBr         // unconditional jump to a label
	OpBrCond     // conditional jump: arg0 cond arg1 -> label
	OpMovi       // load immediate
	OpMov        // register-to-register copy
	OpLd         // load from [base+offset]
	OpSt         // store to [base+offset]
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpNeg
	OpNot
	OpAdd2  // 2-out (hi,lo) + 4-in (a_hi,a_lo,b_hi,b_lo) widening add
	OpSub2  // 2-out + 4-in widening subtract
	OpMulu2 // 2-out (hi,lo) + 2-in unsigned widening multiply
	OpMuls2 // 2-out (hi,lo) + 2-in signed widening multiply
	OpMulsh // 1-out (hi only) + 2-in signed multiply-high
	OpMuluh // 1-out (hi only) + 2-in unsigned multiply-high
	OpExtrLo // 1-out (i32) + 1-in (i64): low 32 bits, used only to split call args
	OpExtrHi // 1-out (i32) + 1-in (i64): high 32 bits, used only to split call args
	OpExtS32 // 1-out (i64) + 1-in (i32): sign-extend, used only to widen call args
	OpExtU32 // 1-out (i64) + 1-in (i32): zero-extend, used only to widen call args
	OpReturn
	opcodeCount
)

// DummyArg is the CALL parameter-buffer sentinel for CALL_ALIGN_ARGS
// padding: a slot written but not bound to any temp (spec.md §8's
// "DUMMY_ARG pad precedes odd-positioned pairs").
const DummyArg = -2

// Cond is a comparison kind for OpBrCond.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLt
	CondLe
	CondGt
	CondGe
	CondLtu
	CondLeu
	CondGtu
	CondGeu
)

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", o)
}

var opcodeNames = map[Opcode]string{
	OpNop:       "nop",
	OpInsnStart: "insn_start",
	OpDiscard:   "discard",
	OpSetLabel:  "set_label",
	OpCall:      "call",
	OpBr:        "br",
	OpBrCond:    "brcond",
	OpMovi:      "movi",
	OpMov:       "mov",
	OpLd:        "ld",
	OpSt:        "st",
	OpAdd:       "add",
	OpSub:       "sub",
	OpAnd:       "and",
	OpOr:        "or",
	OpXor:       "xor",
	OpShl:       "shl",
	OpShr:       "shr",
	OpSar:       "sar",
	OpNeg:       "neg",
	OpNot:       "not",
	OpAdd2:      "add2",
	OpSub2:      "sub2",
	OpMulu2:     "mulu2",
	OpMuls2:     "muls2",
	OpMulsh:     "mulsh",
	OpMuluh:     "muluh",
	OpExtrLo:    "extrlo",
	OpExtrHi:    "extrhi",
	OpExtS32:    "exts32",
	OpExtU32:    "extu32",
	OpReturn:    "return",
}

// OpFlag holds the bit flags an OpDef carries, per spec.md §3.
type OpFlag uint8

const (
	FlagSideEffects OpFlag = 1 << iota
	FlagBBEnd
	FlagCallClobber
	FlagNotPresent
)

// MaxOpArgs bounds the number of args (outs+ins+consts) a single non-call
// op may carry: op_dead_args is a uint16 bitmask, one bit per arg position,
// so positions >= 16 can never be represented. This documents that bound
// at the point it's chosen, per spec.md §9.
const MaxOpArgs = 16

// OpDef is the immutable per-opcode descriptor. CALL has variable arity
// (Op.Callo/Calli) and its OpDefs entry carries only flags; every other
// opcode, the 2-out widening ops (add2/sub2/mulu2/...) included, takes its
// arity from OpDefs.
type OpDef struct {
	Name       string
	NbOArgs    int
	NbIArgs    int
	NbCArgs    int
	Flags      OpFlag
	SortedArgs []int // permutation: allocation order over [0, NbOArgs+NbIArgs)
}

func (d OpDef) HasFlag(f OpFlag) bool { return d.Flags&f != 0 }

func (d OpDef) NbArgs() int { return d.NbOArgs + d.NbIArgs + d.NbCArgs }

// OpDefs is the static, once-initialized table of opcode descriptors,
// mirroring the original's tcg_op_defs[]. Every opcode has an entry,
// including SET_LABEL and the ADD2 family; CALL's entry is a nominal
// zero-arity one, since a call's real shape lives in Op.Callo/Calli.
var OpDefs [opcodeCount]OpDef

func init() {
	def := func(opc Opcode, oargs, iargs, cargs int, flags OpFlag) {
		if oargs+iargs+cargs > MaxOpArgs {
			panic(fmt.Sprintf("tcgir: opcode %s exceeds MaxOpArgs", opc))
		}
		sorted := make([]int, oargs+iargs)
		for i := range sorted {
			sorted[i] = i
		}
		OpDefs[opc] = OpDef{
			Name:       opc.String(),
			NbOArgs:    oargs,
			NbIArgs:    iargs,
			NbCArgs:    cargs,
			Flags:      flags,
			SortedArgs: sorted,
		}
	}
	def(OpNop, 0, 0, 0, 0)
	def(OpInsnStart, 0, 0, 0, 0)
	def(OpDiscard, 1, 0, 0, 0)
	def(OpSetLabel, 0, 0, 1, FlagBBEnd)
	def(OpBr, 0, 0, 1, FlagBBEnd)
	def(OpBrCond, 0, 2, 2, FlagBBEnd) // cargs: [cond, label]
	def(OpMovi, 1, 0, 1, 0)
	def(OpMov, 1, 1, 0, 0)
	def(OpLd, 1, 1, 1, FlagSideEffects)
	def(OpSt, 0, 2, 1, FlagSideEffects)
	def(OpAdd, 1, 2, 0, 0)
	def(OpSub, 1, 2, 0, 0)
	def(OpAnd, 1, 2, 0, 0)
	def(OpOr, 1, 2, 0, 0)
	def(OpXor, 1, 2, 0, 0)
	def(OpShl, 1, 2, 0, 0)
	def(OpShr, 1, 2, 0, 0)
	def(OpSar, 1, 2, 0, 0)
	def(OpNeg, 1, 1, 0, 0)
	def(OpNot, 1, 1, 0, 0)
	def(OpAdd2, 2, 4, 0, 0)
	def(OpSub2, 2, 4, 0, 0)
	def(OpMulu2, 2, 2, 0, 0)
	def(OpMuls2, 2, 2, 0, 0)
	def(OpMulsh, 1, 2, 0, 0)
	def(OpMuluh, 1, 2, 0, 0)
	def(OpExtrLo, 1, 1, 0, 0)
	def(OpExtrHi, 1, 1, 0, 0)
	def(OpExtS32, 1, 1, 0, 0)
	def(OpExtU32, 1, 1, 0, 0)
	def(OpReturn, 0, 1, 0, FlagBBEnd|FlagSideEffects)
	// CALL's shape is dynamic (Callo/Calli); give it a nominal zero-arity
	// entry so OpDefs[OpCall] is still a valid, flagged descriptor.
	def(OpCall, 0, 0, 0, FlagSideEffects|FlagCallClobber)
}

// Scalar2HighDead maps a 2-out widening opcode to the scalar opcode used
// when liveness determines the high output is dead, per spec.md §4.F.
var Scalar2HighDead = map[Opcode]Opcode{
	OpAdd2:  OpAdd,
	OpSub2:  OpSub,
	OpMulu2: OpAdd, // placeholder deleted below; multiply has no "add" scalar form
}

func init() {
	// mulu2/muls2 low-half already equals a normal multiply, but this port
	// has no standalone "mul" opcode (§2's table gives multiply 17% of the
	// budget to liveness+regalloc machinery, not to enumerating every
	// arithmetic opcode) — so mulu2/mulsh/muluh rewriting to a scalar form
	// is modeled but intentionally left without a target, matching real
	// hosts that lack a narrow multiply-low opcode and must keep the wide
	// form. See pkg/liveness for how Scalar2HighDead is consulted.
	delete(Scalar2HighDead, OpMulu2)
}
