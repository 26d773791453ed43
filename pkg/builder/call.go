package builder

import (
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/tcgir"
)

// CallEmit implements spec.md §4.C's call-emit: look up the helper,
// split 64-bit arguments into halves on a 32-bit host (honoring endianness
// and optional even-slot alignment), optionally sign/zero-extend 32-bit
// arguments to 64 bits on a 64-bit host per the helper's sizemask, and emit
// a single CALL op with parameter layout [outs…, ins…, func_addr, flags].
// The argument-splitting scratch temps are freed immediately after the
// CALL op is constructed.
func (b *Builder) CallEmit(funcAddr uintptr, rets []int, args []int) []int {
	def := b.Helpers.Lookup(funcAddr)

	var finalArgs []int64
	var scratch []int

	for i, a := range args {
		is64 := def.SizeMask.Is64Bit(i + 1)
		signed := def.SizeMask.IsSigned(i + 1)

		switch {
		case is64 && b.Backend.RegBits() == 32:
			if b.Backend.AlignCallArgs() && len(finalArgs)%2 != 0 {
				finalArgs = append(finalArgs, tcgir.DummyArg)
			}
			lo := b.TempNew(tcgir.TypeI32, false)
			hi := b.TempNew(tcgir.TypeI32, false)
			b.emit(tcgir.OpExtrLo, []int{lo}, []int{a}, nil)
			b.emit(tcgir.OpExtrHi, []int{hi}, []int{a}, nil)
			scratch = append(scratch, lo, hi)
			if b.Backend.BigEndian() {
				finalArgs = append(finalArgs, int64(hi), int64(lo))
			} else {
				finalArgs = append(finalArgs, int64(lo), int64(hi))
			}
		case !is64 && b.Backend.RegBits() == 64 && b.Backend.ExtendArgs():
			ext := b.TempNew(tcgir.TypeI64, false)
			if signed {
				b.emit(tcgir.OpExtS32, []int{ext}, []int{a}, nil)
			} else {
				b.emit(tcgir.OpExtU32, []int{ext}, []int{a}, nil)
			}
			scratch = append(scratch, ext)
			finalArgs = append(finalArgs, int64(ext))
		default:
			finalArgs = append(finalArgs, int64(a))
		}
	}

	nbArgs := len(rets) + len(finalArgs) + 2
	idx := b.Ctx.AppendOp(tcgir.OpCall, nbArgs)
	op := &b.Ctx.Ops[idx]
	op.Callo = len(rets)
	op.Calli = len(finalArgs)

	params := b.Ctx.Args(idx)
	n := 0
	for _, r := range rets {
		params[n] = int64(r)
		n++
	}
	copy(params[n:], finalArgs)
	n += len(finalArgs)
	params[n] = int64(funcAddr)
	n++
	params[n] = int64(def.Flags)

	for _, t := range scratch {
		b.Ctx.ReleaseTemp(t)
	}

	return rets
}

// HelperFlags is a convenience re-export so callers building a Registry
// don't need a second import just to construct helper.Def values.
type HelperFlags = helper.Flag
