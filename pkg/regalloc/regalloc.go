// Package regalloc implements the single-pass linear-scan register
// allocator of spec.md §4.G: one forward walk over the liveness-tagged op
// list, placing each op's operands according to its compiled constraint
// table, spilling first-fit over the backend's RegAllocOrder when no
// register is free, and lowering CALL/label/branch ops into the host's
// calling convention and relocation scheme.
//
// Grounded on the teacher's Z80RegisterAllocator in
// pkg/codegen/register_allocator.go: the free/RegisterPool map, the
// allocate-or-spill fallback in allocateRegister/getFreeRegister, and the
// per-virtual-register spill-slot map are all the same shape here,
// generalized from a fixed Z80 register set to an arbitrary host's
// RegAllocOrder and from ad hoc register preference to constraint-table-
// driven placement.
package regalloc

import (
	"errors"
	"fmt"

	"github.com/minz/tcg/pkg/constraint"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/hostbackend"
	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

// ErrBufferExhausted is Run's sole non-nil return value: spec.md §7 class 2,
// the code buffer's high-water mark was passed mid-TB. It carries no op
// index or position because the caller's only valid response is to flush
// the TB cache and retry the whole compilation with a fresh buffer, not to
// inspect where it happened.
var ErrBufferExhausted = errors.New("regalloc: code buffer exhausted before translation block finished")

// Allocator binds one Context to one Backend for the duration of a single
// translation block's code generation.
type Allocator struct {
	Ctx     *tcgir.Context
	Backend hostbackend.Backend

	constraints map[tcgir.Opcode]constraint.OpConstraints
	nHostRegs   int

	callArgsBase     int32
	callArgsReserved bool
}

// maxCallArgsAreaSlots bounds the outgoing stack-args area reserved for any
// single call lowered by this allocator (spec.md §4.G: "if the total stack
// exceeds the statically-reserved call-args area, compilation aborts").
const maxCallArgsAreaSlots = 8

// New builds an Allocator and compiles the default constraint table
// (spec.md §4.E) for every arithmetic/memory opcode this port implements.
// Call Backend.TargetInit on ctx before New, since the default table's
// priorities depend on RegAllocOrder's length.
func New(ctx *tcgir.Context, backend hostbackend.Backend) *Allocator {
	a := &Allocator{Ctx: ctx, Backend: backend, nHostRegs: len(backend.RegAllocOrder())}
	a.constraints = defaultConstraints(backend, a.nHostRegs)
	return a
}

// defaultConstraints encodes the destructive, two-operand convention typical
// of small accumulator-style hosts (the port's eventual Z80 target): binary
// ops alias their first input to the output register, matching "ADD A,r"'s
// read-modify-write shape, while the second operand may be a register or an
// immediate. This is deliberately generic rather than per-host; a concrete
// backend with a three-operand ISA would compile its own table instead of
// calling New's default (not needed for the hosts this port ships).
func defaultConstraints(b hostbackend.Backend, n int) map[tcgir.Opcode]constraint.OpConstraints {
	c := make(map[tcgir.Opcode]constraint.OpConstraints)
	binary := func(op tcgir.Opcode) {
		c[op] = constraint.Compile(b, []string{"0", "ri"}, []string{"r"}, n)
	}
	unary := func(op tcgir.Opcode) {
		c[op] = constraint.Compile(b, []string{"0"}, []string{"r"}, n)
	}
	for _, op := range []tcgir.Opcode{tcgir.OpAdd, tcgir.OpSub, tcgir.OpAnd, tcgir.OpOr, tcgir.OpXor, tcgir.OpShl, tcgir.OpShr, tcgir.OpSar} {
		binary(op)
	}
	for _, op := range []tcgir.Opcode{tcgir.OpNeg, tcgir.OpNot} {
		unary(op)
	}
	c[tcgir.OpMov] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	c[tcgir.OpLd] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	c[tcgir.OpSt] = constraint.Compile(b, []string{"r", "r"}, nil, n)
	c[tcgir.OpAdd2] = constraint.Compile(b, []string{"r", "r", "r", "r"}, []string{"r", "r"}, n)
	c[tcgir.OpSub2] = constraint.Compile(b, []string{"r", "r", "r", "r"}, []string{"r", "r"}, n)
	c[tcgir.OpMulu2] = constraint.Compile(b, []string{"r", "r"}, []string{"r", "r"}, n)
	c[tcgir.OpMuls2] = constraint.Compile(b, []string{"r", "r"}, []string{"r", "r"}, n)
	c[tcgir.OpMulsh] = constraint.Compile(b, []string{"r", "r"}, []string{"r"}, n)
	c[tcgir.OpMuluh] = constraint.Compile(b, []string{"r", "r"}, []string{"r"}, n)
	c[tcgir.OpExtrLo] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	c[tcgir.OpExtrHi] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	c[tcgir.OpExtS32] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	c[tcgir.OpExtU32] = constraint.Compile(b, []string{"r"}, []string{"r"}, n)
	return c
}

// Run walks ctx's op list in program order, emitting host code through
// Backend for every live op. spec.md §7 separates two failure classes here:
// class 1 (an unhandled opcode, an impossible operand constraint, a
// duplicate label resolution, stack args overflowing the reserved area -
// all programmer/compiler-bug invariant violations) panics immediately,
// since there is no sensible recovery; class 2 (the code buffer's
// high-water mark reached mid-TB, an ordinary resource limit the caller is
// expected to hit in normal operation) is reported as ErrBufferExhausted so
// the caller can flush the TB cache and retry with a fresh buffer.
func (a *Allocator) Run() error {
	for i := range a.Ctx.Temps {
		a.Ctx.Temps[i].ResetAllocState()
	}
	for r := range a.Ctx.RegToTemp {
		a.Ctx.RegToTemp[r] = -1
	}

	var overflowed bool
	a.Ctx.ForEachOp(func(idx int, op *tcgir.Op) {
		if overflowed {
			return
		}
		a.emit(idx, op)
		if a.Ctx.CodePos > a.Ctx.CodeHighWater {
			overflowed = true
		}
	})
	if overflowed {
		return ErrBufferExhausted
	}
	return nil
}

func (a *Allocator) emit(idx int, op *tcgir.Op) {
	switch op.Opc {
	case tcgir.OpNop, tcgir.OpInsnStart:
		return
	case tcgir.OpDiscard:
		a.discard(idx)
	case tcgir.OpMovi:
		a.movi(idx)
	case tcgir.OpCall:
		a.call(idx, op)
	case tcgir.OpSetLabel:
		a.setLabel(idx)
	case tcgir.OpBr:
		a.br(idx)
	case tcgir.OpBrCond:
		a.brCond(idx, op)
	case tcgir.OpReturn:
		a.ret(idx, op)
	default:
		oc, ok := a.constraints[op.Opc]
		if !ok {
			panic(fmt.Sprintf("regalloc: no constraint table for opcode %s", op.Opc))
		}
		a.generic(idx, op, oc)
	}
}

// --- core placement primitives ---

func (a *Allocator) bind(tempIdx int, r regset.Reg) {
	tp := &a.Ctx.Temps[tempIdx]
	a.Ctx.RegToTemp[r] = tempIdx
	tp.Val = tcgir.ValReg
	tp.Reg = r
	if !tp.IsGlobal() {
		tp.MemCoherent = false
	}
}

// allocFreshReg returns a register in allowed not in avoid, spilling the
// first-fit candidate (in RegAllocOrder) if none is free. Total exhaustion -
// every candidate register reserved or already excluded by avoid - means the
// constraint table asked for something this backend can never satisfy, a
// class-1 programmer invariant violation (spec.md §7), so it panics rather
// than returning an error the caller would have no sane way to recover from.
func (a *Allocator) allocFreshReg(allowed, avoid regset.Set) regset.Reg {
	candidates := allowed.AndNot(avoid).AndNot(a.Ctx.ReservedRegs)
	for _, r := range a.Backend.RegAllocOrder() {
		if candidates.Test(r) && a.Ctx.RegToTemp[r] == -1 {
			return r
		}
	}
	for _, r := range a.Backend.RegAllocOrder() {
		if !candidates.Test(r) {
			continue
		}
		owner := a.Ctx.RegToTemp[r]
		if owner == -1 {
			continue
		}
		a.evict(owner)
		return r
	}
	panic(fmt.Sprintf("regalloc: impossible constraint, no register available (allowed=%#x avoid=%#x)", uint64(allowed), uint64(avoid)))
}

// evict removes tempIdx from its current register, syncing it to memory
// first if it is not already memory-coherent (spec.md §4.G "spill choice").
func (a *Allocator) evict(tempIdx int) {
	tp := &a.Ctx.Temps[tempIdx]
	if !tp.MemCoherent {
		if tp.IsGlobal() || tp.TempLocal {
			base, off := a.memHome(tp)
			a.Backend.OutSt(tp.Type, tp.Reg, base, off)
		} else {
			if !tp.MemAllocated {
				tp.MemOffset = a.Ctx.AllocSpillSlot(int32(tp.Type.Size()), a.Backend.StackGrowsUp())
				tp.MemReg = a.frameReg()
				tp.MemAllocated = true
				a.Ctx.Stats.SpillsTaken++
			}
			a.Backend.OutSt(tp.Type, tp.Reg, tp.MemReg, tp.MemOffset)
		}
		tp.MemCoherent = true
	}
	a.Ctx.RegToTemp[tp.Reg] = -1
	tp.Val = tcgir.ValMem
}

func (a *Allocator) frameReg() regset.Reg {
	if a.Ctx.HasFrameReg {
		return a.Ctx.FrameReg
	}
	return regset.NoReg
}

func (a *Allocator) memHome(tp *tcgir.Temp) (regset.Reg, int32) {
	if tp.MemAllocated {
		return tp.MemReg, tp.MemOffset
	}
	return a.frameReg(), tp.MemOffset
}

// ensureReg places tempIdx into a register satisfying allowed, materializing
// it from wherever it currently lives (another register, an immediate, or
// memory).
func (a *Allocator) ensureReg(tempIdx int, allowed regset.Set) regset.Reg {
	tp := &a.Ctx.Temps[tempIdx]
	if tp.Val == tcgir.ValReg && allowed.Test(tp.Reg) {
		return tp.Reg
	}
	r := a.allocFreshReg(allowed, 0)
	switch tp.Val {
	case tcgir.ValReg:
		old := tp.Reg
		a.Backend.OutMov(tp.Type, r, old)
		a.Ctx.RegToTemp[old] = -1
	case tcgir.ValConst:
		a.Backend.OutMovi(tp.Type, r, tp.Const)
	case tcgir.ValMem:
		base, off := a.memHome(tp)
		a.Backend.OutLd(tp.Type, r, base, off)
	case tcgir.ValDead:
		panic(fmt.Sprintf("regalloc: temp %d used while DEAD (liveness invariant violated)", tempIdx))
	}
	a.bind(tempIdx, r)
	return r
}

func (a *Allocator) discard(idx int) {
	args := a.Ctx.Args(idx)
	tp := &a.Ctx.Temps[int(args[0])]
	if tp.Val == tcgir.ValReg {
		a.Ctx.RegToTemp[tp.Reg] = -1
	}
	tp.Val = tcgir.ValDead
}

// movi defers codegen: the temp is simply tagged ValConst, and a host movi
// is only ever emitted if a later op forces it into a register (spec.md §8
// round-trip: "the allocator may elide the host movi entirely if the temp
// dies before any use").
func (a *Allocator) movi(idx int) {
	args := a.Ctx.Args(idx)
	tp := &a.Ctx.Temps[int(args[0])]
	tp.Val = tcgir.ValConst
	tp.Const = args[1]
}

// flushBBBoundary syncs every register-resident global/local to memory
// before a label or a jump, matching the conservative reinitialization
// pkg/liveness performs at the same points (spec.md §4.F/§4.G).
func (a *Allocator) flushBBBoundary() {
	for i := range a.Ctx.Temps {
		tp := &a.Ctx.Temps[i]
		if tp.Val == tcgir.ValReg && (tp.IsGlobal() || tp.TempLocal) && !tp.MemCoherent {
			base, off := a.memHome(tp)
			a.Backend.OutSt(tp.Type, tp.Reg, base, off)
			tp.MemCoherent = true
		}
	}
}

func (a *Allocator) setLabel(idx int) {
	args := a.Ctx.Args(idx)
	a.flushBBBoundary()
	lbl := &a.Ctx.Labels[int(args[0])]
	if lbl.Resolved {
		panic(fmt.Sprintf("regalloc: label %d resolved twice", int(args[0])))
	}
	lbl.Resolved = true
	lbl.Addr = a.Ctx.CodePos
	for r := lbl.Pending; r != nil; r = r.Next {
		a.Backend.PatchReloc(r.Ptr, r.Kind, int64(lbl.Addr), r.Addend)
	}
	lbl.Pending = nil

	// A label may be reached from an edge this linear pass never modeled;
	// reset every non-fixed temp to its function-entry allocation state so
	// later ops don't assume a register assignment no predecessor agreed to.
	for i := range a.Ctx.Temps {
		tp := &a.Ctx.Temps[i]
		if !tp.HasFixedReg {
			tp.ResetAllocState()
		}
	}
	for r := range a.Ctx.RegToTemp {
		a.Ctx.RegToTemp[r] = -1
	}
	for i := range a.Ctx.Temps {
		tp := &a.Ctx.Temps[i]
		if tp.HasFixedReg {
			a.Ctx.RegToTemp[tp.Reg] = i
		}
	}
}

func (a *Allocator) resolveOrQueue(ptr int, labelID int) {
	lbl := &a.Ctx.Labels[labelID]
	reloc := a.Ctx.NewRelocation(ptr, 0, 0)
	if lbl.Resolved {
		a.Backend.PatchReloc(reloc.Ptr, reloc.Kind, int64(lbl.Addr), reloc.Addend)
		return
	}
	lbl.AddPending(reloc)
}

func (a *Allocator) br(idx int) {
	args := a.Ctx.Args(idx)
	a.flushBBBoundary()
	ptr := a.Backend.OutBr()
	a.resolveOrQueue(ptr, int(args[0]))
}

func (a *Allocator) brCond(idx int, op *tcgir.Op) {
	args := a.Ctx.Args(idx)
	aIdx, cIdx := int(args[0]), int(args[1])
	cond := tcgir.Cond(args[2])
	labelID := int(args[3])

	typ := a.Ctx.Temps[aIdx].Type
	aReg := a.ensureReg(aIdx, regset.New(a.Backend.RegAllocOrder()...))
	cTp := &a.Ctx.Temps[cIdx]
	var cReg regset.Reg
	var cIsConst bool
	var cImm int64
	if cTp.Val == tcgir.ValConst && a.Backend.TargetConstMatch(cTp.Const, typ, "i") {
		cIsConst = true
		cImm = cTp.Const
	} else {
		cReg = a.ensureReg(cIdx, regset.New(a.Backend.RegAllocOrder()...))
	}

	a.freeIfDead(op, 0, aIdx)
	a.freeIfDead(op, 1, cIdx)

	a.flushBBBoundary()
	ptr := a.Backend.OutBrCond(typ, cond, aReg, cReg, cIsConst, cImm)
	a.resolveOrQueue(ptr, labelID)
}

func (a *Allocator) ret(idx int, op *tcgir.Op) {
	args := a.Ctx.Args(idx)
	a.flushBBBoundary()
	valIdx := int(args[0])
	if valIdx < 0 { // void return
		return
	}
	outRegs := a.Backend.CallOArgRegs()
	if len(outRegs) == 0 {
		panic("regalloc: backend has no return register convention")
	}
	a.ensureReg(valIdx, regset.New(outRegs[0]))
}

// --- generic constraint-driven ops ---

func (a *Allocator) freeIfDead(op *tcgir.Op, argPos int, tempIdx int) {
	if op.DeadArgs&(1<<uint(argPos)) == 0 {
		return
	}
	tp := &a.Ctx.Temps[tempIdx]
	if tp.Val == tcgir.ValReg && a.Ctx.RegToTemp[tp.Reg] == tempIdx {
		a.Ctx.RegToTemp[tp.Reg] = -1
	}
	tp.Val = tcgir.ValDead
}

func (a *Allocator) generic(idx int, op *tcgir.Op, oc constraint.OpConstraints) {
	args := a.Ctx.Args(idx)
	nbO, nbI := op.NbOArgs(), op.NbIArgs()

	regArgs := make([]regset.Reg, nbO+nbI)
	constArgs := make([]bool, nbO+nbI)
	imms := make([]int64, nbO+nbI)

	for _, i := range oc.InputOrder {
		c := oc.Inputs[i]
		pos := nbO + i
		tempIdx := int(args[pos])
		tp := &a.Ctx.Temps[tempIdx]

		if c.AllowConst && tp.Val == tcgir.ValConst && a.Backend.TargetConstMatch(tp.Const, tp.Type, "i") {
			constArgs[pos] = true
			imms[pos] = tp.Const
			regArgs[pos] = regset.NoReg
			continue
		}
		regArgs[pos] = a.ensureReg(tempIdx, c.Allowed)
	}

	// Outputs bind after inputs so ALIAS can reuse the paired input's
	// register directly, and EARLYCLOBBER can exclude every input register
	// (dead or not) from its candidate set.
	inUseByInputs := regset.Set(0)
	for _, i := range oc.InputOrder {
		if !constArgs[nbO+i] {
			inUseByInputs = inUseByInputs.With(regArgs[nbO+i])
		}
	}
	for _, o := range oc.OutputOrder {
		c := oc.Outputs[o]
		tempIdx := int(args[o])
		var r regset.Reg
		switch {
		case c.IsAlias:
			r = regArgs[nbO+c.AliasIndex]
		case c.EarlyClobber:
			r = a.allocFreshReg(c.Allowed, inUseByInputs)
		default:
			r = a.allocFreshReg(c.Allowed, 0)
		}
		a.bind(tempIdx, r)
		if tp := &a.Ctx.Temps[tempIdx]; !tp.HasFixedReg {
			tp.MemCoherent = false // memory no longer holds the written value
		}
		regArgs[o] = r
	}

	// An input that is also one of this op's outputs now holds the freshly
	// written value, so it stays bound even where the input was a last use.
	for _, i := range oc.InputOrder {
		tempIdx := int(args[nbO+i])
		isOutput := false
		for o := 0; o < nbO; o++ {
			isOutput = isOutput || int(args[o]) == tempIdx
		}
		if !isOutput {
			a.freeIfDead(op, nbO+i, tempIdx)
		}
	}

	a.Backend.OutOp(op.Opc, regArgs, constArgs, imms)
}

// --- calls ---

// callArgsArea lazily reserves this TB's outgoing stack-args area the first
// time a call needs to spill args past the backend's argument registers,
// and returns the offset of its lowest address (AllocSpillSlot's contract
// regardless of StackGrowsUp). One area is shared by every call in the TB
// since calls never overlap in time.
func (a *Allocator) callArgsArea(slotSize int32) int32 {
	if !a.callArgsReserved {
		a.callArgsBase = a.Ctx.AllocSpillSlot(slotSize*maxCallArgsAreaSlots, a.Backend.StackGrowsUp())
		a.callArgsReserved = true
	}
	return a.callArgsBase
}

// syncGlobalsForCall implements the three call-lowering globals behaviors
// spec.md §4.G names - "do nothing, sync globals, or save globals (save =
// sync + drop)" - chosen from the callee's NoReadGlobals/NoWriteGlobals
// flags the same way pkg/liveness reads them for this op's dead/sync bits.
// Fixed-register globals are left alone: they have no memory home to spill
// to, and a backend whose calling convention clobbers one is misconfigured.
func (a *Allocator) syncGlobalsForCall(flags helper.Flag) {
	sync := flags&helper.NoReadGlobals == 0
	save := flags&helper.NoWriteGlobals == 0
	if !sync && !save {
		return
	}
	for i := range a.Ctx.Temps {
		tp := &a.Ctx.Temps[i]
		if tp.HasFixedReg || tp.Val != tcgir.ValReg || !(tp.IsGlobal() || tp.TempLocal) {
			continue
		}
		if save {
			a.evict(i)
			continue
		}
		if !tp.MemCoherent {
			base, off := a.memHome(tp)
			a.Backend.OutSt(tp.Type, tp.Reg, base, off)
			tp.MemCoherent = true
		}
	}
}

func (a *Allocator) call(idx int, op *tcgir.Op) {
	args := a.Ctx.Args(idx)
	flags := helper.Flag(args[len(args)-1])
	iArgRegs := a.Backend.CallIArgRegs()
	oArgRegs := a.Backend.CallOArgRegs()

	if op.Callo > len(oArgRegs) {
		panic(fmt.Sprintf("regalloc: call has %d returns, backend only has %d return registers", op.Callo, len(oArgRegs)))
	}

	nRegArgs := op.Calli
	if nRegArgs > len(iArgRegs) {
		nRegArgs = len(iArgRegs)
	}
	nStackArgs := op.Calli - nRegArgs
	if nStackArgs > maxCallArgsAreaSlots {
		panic(fmt.Sprintf("regalloc: call has %d stack args, only %d fit in the reserved call-args area", nStackArgs, maxCallArgsAreaSlots))
	}

	var placedArgRegs regset.Set
	for j := 0; j < nRegArgs; j++ {
		tempIdx := int(args[op.Callo+j])
		if tempIdx == tcgir.DummyArg {
			continue
		}
		r := a.ensureReg(tempIdx, regset.New(iArgRegs[j]))
		placedArgRegs = placedArgRegs.With(r)
	}

	if nStackArgs > 0 {
		// Host stack-arg slots are sized to a full register width and laid
		// out in address order starting at the area's lowest address
		// (spec.md §4.G); StackGrowsUp only changed which end
		// AllocSpillSlot handed back, not the order within the block.
		slotSize := int32(a.Backend.RegBits() / 8)
		base := a.callArgsArea(slotSize)
		for j := 0; j < nStackArgs; j++ {
			tempIdx := int(args[op.Callo+nRegArgs+j])
			if tempIdx == tcgir.DummyArg {
				continue
			}
			typ := a.Ctx.Temps[tempIdx].Type
			r := a.ensureReg(tempIdx, regset.New(a.Backend.RegAllocOrder()...))
			a.Backend.OutSt(typ, r, a.frameReg(), base+int32(j)*slotSize)
			placedArgRegs = placedArgRegs.With(r)
		}
	}

	a.syncGlobalsForCall(flags)
	// Evict every register the callee may clobber, except the ones that
	// just received one of this call's own arguments that dies at the call
	// (it needs no spill).
	for _, r := range a.clobberableRegs() {
		owner := a.Ctx.RegToTemp[r]
		if owner == -1 {
			continue
		}
		dies := false
		for j := 0; j < op.Calli; j++ {
			pos := op.Callo + j
			dies = dies || (int(args[pos]) == owner && pos < tcgir.MaxOpArgs && op.DeadArgs&(1<<uint(pos)) != 0)
		}
		if !placedArgRegs.Test(r) || !dies {
			a.evict(owner)
		}
	}

	funcAddr := uintptr(args[op.Callo+op.Calli])
	a.Backend.OutCall(funcAddr)

	for i := 0; i < op.Callo; i++ {
		tempIdx := int(args[i])
		a.bind(tempIdx, oArgRegs[i])
		if tp := &a.Ctx.Temps[tempIdx]; !tp.HasFixedReg {
			tp.MemCoherent = false
		}
	}
	for j := 0; j < op.Calli; j++ {
		tempIdx := int(args[op.Callo+j])
		if tempIdx != tcgir.DummyArg {
			a.freeIfDead(op, op.Callo+j, tempIdx)
		}
	}
}

func (a *Allocator) clobberableRegs() []regset.Reg {
	set := a.Backend.CallClobberRegs()
	var out []regset.Reg
	for _, r := range a.Backend.RegAllocOrder() {
		if set.Test(r) {
			out = append(out, r)
		}
	}
	return out
}
