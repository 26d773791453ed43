// Package liveness implements the backward liveness pass of spec.md §4.F:
// a single reverse walk of the op list that (a) tags every arg with a
// dead/last-use bit the allocator consumes to free registers immediately,
// (b) tags outputs that must be synced to memory before the next basic
// block, (c) deletes pure ops (and pure helper calls) whose outputs are
// entirely unused, and (d) rewrites add2/sub2-family ops to their scalar
// form when the high half is dead and the host has no wide opcode.
//
// Grounded on the teacher's single-forward-pass dead code elimination in
// pkg/optimizer/dead_code_elimination.go (used/labelRefs maps, one pass over
// fn.Instructions) - generalized here to run backward over the index-based
// op list and to carry QEMU tcg.c's dead_args/sync_args bit semantics
// instead of deleting instructions outright.
package liveness

import (
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/hostbackend"
	"github.com/minz/tcg/pkg/tcgir"
)

// Run performs one backward liveness pass over ctx's current op list,
// populating Op.DeadArgs/Op.SyncArgs and deleting/rewriting ops where
// liveness makes that safe. backend.Supports is consulted for the
// add2/sub2/mulu2-family scalar rewrite.
func Run(ctx *tcgir.Context, backend hostbackend.Backend) {
	live := make([]bool, len(ctx.Temps))
	reinitAcrossLabel(ctx, live)

	ctx.ForEachOpReverse(func(idx int, op *tcgir.Op) {
		switch op.Opc {
		case tcgir.OpSetLabel:
			reinitAcrossLabel(ctx, live)
			return
		case tcgir.OpDiscard:
			processDiscard(ctx, idx, op, live)
			return
		case tcgir.OpNop, tcgir.OpInsnStart:
			return
		case tcgir.OpCall:
			if tryEliminatePureCall(ctx, idx, op, live) {
				return
			}
			markCallArgs(ctx, idx, op, live)
			return
		}

		rewriteScalar2(ctx, idx, op, backend, live)

		// def/nbO/nbI are read after rewriteScalar2 so a just-demoted op
		// (e.g. add2 -> add) is tagged using its new, scalar shape.
		def := tcgir.OpDefs[op.Opc]
		nbO := op.NbOArgs()
		nbI := op.NbIArgs()

		if !def.HasFlag(tcgir.FlagSideEffects) && nbO > 0 && allOutputsDead(ctx, idx, nbO, live) {
			ctx.RemoveOp(idx)
			return
		}

		args := ctx.Args(idx)
		var deadArgs uint16
		var syncArgs uint8

		for i := 0; i < nbO; i++ {
			t := int(args[i])
			if !live[t] {
				deadArgs |= 1 << uint(i)
			} else {
				live[t] = false
			}
			if mustSync(ctx, t) {
				syncArgs |= 1 << uint(i)
			}
		}
		for j := 0; j < nbI; j++ {
			pos := nbO + j
			t := int(args[pos])
			if t < 0 { // e.g. Return's void-value sentinel
				continue
			}
			if !live[t] {
				deadArgs |= 1 << uint(pos)
			}
			live[t] = true
		}

		op.DeadArgs = deadArgs
		op.SyncArgs = syncArgs
	})
}

// reinitAcrossLabel conservatively marks every global and every temp_local
// live, per spec.md §4.F: a label may be reached from a predecessor this
// single linear pass never examined, so globals/locals crossing it must be
// assumed live (and therefore memory-coherent) rather than computed exactly.
func reinitAcrossLabel(ctx *tcgir.Context, live []bool) {
	for i := range ctx.Temps {
		t := &ctx.Temps[i]
		live[i] = t.IsGlobal() || t.TempLocal
	}
}

// processDiscard forces its one arg dead unconditionally: discard is the
// front-end's explicit "I no longer need this value" marker (spec.md §4.B),
// not a normal def/use site.
func processDiscard(ctx *tcgir.Context, idx int, op *tcgir.Op, live []bool) {
	args := ctx.Args(idx)
	t := int(args[0])
	live[t] = false
	op.DeadArgs = 1
}

func allOutputsDead(ctx *tcgir.Context, idx, nbO int, live []bool) bool {
	args := ctx.Args(idx)
	for i := 0; i < nbO; i++ {
		if live[int(args[i])] {
			return false
		}
	}
	return true
}

func mustSync(ctx *tcgir.Context, tempIdx int) bool {
	t := &ctx.Temps[tempIdx]
	return t.IsGlobal() || t.TempLocal
}

// tryEliminatePureCall removes a CALL entirely when the callee was
// registered NoSideEffects and none of its return values are live, mirroring
// qemu tcg's TCG_CALL_NO_SIDE_EFFECTS elision (spec.md §4.D, §4.F). The
// callee's purity flag travels in the CALL's own arg buffer (the last slot,
// written by pkg/builder's CallEmit), so this needs no helper.Registry of
// its own.
func tryEliminatePureCall(ctx *tcgir.Context, idx int, op *tcgir.Op, live []bool) bool {
	args := ctx.Args(idx)
	flags := helper.Flag(args[len(args)-1])
	if flags&helper.NoSideEffects == 0 {
		return false
	}
	for i := 0; i < op.Callo; i++ {
		if live[int(args[i])] {
			return false
		}
	}
	ctx.RemoveOp(idx)
	return true
}

// markCallArgs handles a CALL that survives elimination: its return values
// are defs (dead-checked then killed), its explicit arguments are uses, and
// globals/temp_locals not named in either list are handled per the helper's
// declared flags (spec.md §4.F): unless the helper is NoReadGlobals, every
// global must be treated as live here (a write earlier in program order that
// only this call appears to consume must not be eliminated as dead code,
// and the value must be memory-coherent before the call runs); a helper
// that is NoReadGlobals never needs that protection on its own account,
// though some later use may still force it live independently.
func markCallArgs(ctx *tcgir.Context, idx int, op *tcgir.Op, live []bool) {
	args := ctx.Args(idx)
	flags := helper.Flag(args[len(args)-1])
	readsGlobals := flags&helper.NoReadGlobals == 0

	var deadArgs uint16
	var syncArgs uint8

	for i := 0; i < op.Callo && i < tcgir.MaxOpArgs; i++ {
		t := int(args[i])
		if !live[t] {
			deadArgs |= 1 << uint(i)
		} else {
			live[t] = false
		}
	}
	for j := 0; j < op.Calli; j++ {
		pos := op.Callo + j
		t := int(args[pos])
		if t == tcgir.DummyArg {
			continue
		}
		if !live[t] && pos < tcgir.MaxOpArgs {
			deadArgs |= 1 << uint(pos)
		}
		live[t] = true
	}
	if readsGlobals {
		for i := range ctx.Temps {
			tp := &ctx.Temps[i]
			if tp.IsGlobal() || tp.TempLocal {
				live[i] = true
			}
		}
	}
	if op.Callo > 0 && op.Callo <= tcgir.MaxOpArgs {
		syncArgs = 1 // at least one synced return binds memory-coherent state
	}
	op.DeadArgs = deadArgs
	op.SyncArgs = syncArgs
}

// rewriteScalar2 demotes a 2-out widening op to its scalar low-half form
// when the high output is dead and the host can't emit the wide opcode
// directly (spec.md §4.F). Returns true if a rewrite happened.
func rewriteScalar2(ctx *tcgir.Context, idx int, op *tcgir.Op, backend hostbackend.Backend, live []bool) bool {
	scalar, ok := tcgir.Scalar2HighDead[op.Opc]
	if !ok || backend.Supports(op.Opc) {
		return false
	}
	args := ctx.Args(idx)
	hi, lo := int(args[0]), int(args[1])
	if live[hi] {
		return false
	}

	var loIn0, loIn1 int
	switch op.Opc {
	case tcgir.OpAdd2, tcgir.OpSub2:
		// [hi,lo] <- [aHi,aLo,bHi,bLo]; the scalar form only needs the lows.
		loIn0, loIn1 = int(args[3]), int(args[5])
	default:
		loIn0, loIn1 = int(args[2]), int(args[3])
	}

	scalarDef := tcgir.OpDefs[scalar]
	op.Opc = scalar
	op.NbArgs = scalarDef.NbArgs()
	newArgs := ctx.Args(idx)
	newArgs[0] = int64(lo)
	newArgs[1] = int64(loIn0)
	newArgs[2] = int64(loIn1)
	ctx.Stats.OpsRewritten++
	return true
}
