package tcgir

import "github.com/minz/tcg/pkg/hostbackend/regset"

// TempType is a temp's base or current type. On a 32-bit host an I64
// global/local is split into two consecutive I32 temps (see
// pkg/builder.GlobalMem); each half is created as an I32 temp, so its
// BaseType and Type are both I32.
type TempType uint8

const (
	TypeI32 TempType = iota
	TypeI64
)

func (t TempType) Size() int {
	if t == TypeI64 {
		return 8
	}
	return 4
}

// Locality partitions the temp index space, per spec.md §3: globals occupy
// [0, nb_globals), locals/scratch occupy the rest.
type Locality uint8

const (
	LocalityGlobal Locality = iota
	LocalityLocal           // temp_local: must survive basic-block boundaries
	LocalityScratch
)

// ValType is the transient allocator state tag for a temp's current
// location, per spec.md §3's tagged union.
type ValType uint8

const (
	ValDead ValType = iota
	ValReg
	ValMem
	ValConst
)

// Temp is a pseudo-register: either a long-lived global modeling guest CPU
// state, a local that must reside in the stack frame across basic blocks,
// or transient scratch. The allocator-owned fields (Val, Reg, Const,
// MemCoherent) are transient per-TB state reset by ResetAllocState when
// register allocation starts.
type Temp struct {
	Index int

	BaseType TempType
	Type     TempType

	FixedReg    regset.Reg
	HasFixedReg bool

	TempLocal    bool
	Locality     Locality
	MemAllocated bool
	MemReg       regset.Reg
	MemOffset    int32

	Name string

	// Transient allocator state, valid only during register allocation of
	// the current function (reset per spec.md §4.G invariants).
	Val         ValType
	Reg         regset.Reg
	Const       int64
	MemCoherent bool
}

// IsGlobal reports whether this temp models guest CPU state.
func (t *Temp) IsGlobal() bool { return t.Locality == LocalityGlobal }

// ResetAllocState clears the transient allocator fields back to the
// function-entry state: a fixed-register temp starts in its register
// (memory-coherent if it is a global); other globals start MEM-coherent
// (spec.md §3 invariant: "between basic blocks their canonical copy is in
// memory"); everything else starts DEAD.
func (t *Temp) ResetAllocState() {
	if t.HasFixedReg {
		t.Val = ValReg
		t.Reg = t.FixedReg
		t.MemCoherent = t.IsGlobal()
		return
	}
	if t.IsGlobal() {
		t.Val = ValMem
		t.MemCoherent = true
		return
	}
	t.Val = ValDead
	t.MemCoherent = false
}
