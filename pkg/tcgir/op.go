package tcgir

// sentinel index meaning "no such op"/"no such param slot".
const noIndex = -1

// Op is one node of the doubly-linked instruction list, stored in a
// slice grown by append (Context.Ops) and addressed by index rather than
// pointer, per spec.md §9's "re-architect as index-based doubly-linked
// list". Args live in a side parameter buffer (Context.Params); ArgsBase
// is the offset of this op's first arg.
//
// Non-call ops take their arity from OpDefs[Opc]. Call ops carry dynamic
// Callo/Calli and their parameter layout is [outs…, ins…, func_addr,
// flags], matching spec.md §3.
type Op struct {
	Opc   Opcode
	Callo int // CALL only: number of return values
	Calli int // CALL only: number of arguments

	ArgsBase int
	NbArgs   int // total stored args for this op (may shrink on rewrite)

	Prev, Next int // indices into Context.Ops; noIndex at the ends

	removed bool

	// Liveness annotations, populated by pkg/liveness and consumed by
	// pkg/regalloc. Bit n corresponds to op arg position n; bits >= 16 are
	// never used (MaxOpArgs).
	DeadArgs uint16
	SyncArgs uint8
}

// NbOArgs reports this op's current output arity, accounting for CALL's
// dynamic shape.
func (op *Op) NbOArgs() int {
	if op.Opc == OpCall {
		return op.Callo
	}
	return OpDefs[op.Opc].NbOArgs
}

// NbIArgs reports this op's current input arity.
func (op *Op) NbIArgs() int {
	if op.Opc == OpCall {
		return op.Calli
	}
	return OpDefs[op.Opc].NbIArgs
}

func (op *Op) IsRemoved() bool { return op.removed }
