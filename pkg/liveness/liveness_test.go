package liveness_test

import (
	"testing"

	"github.com/minz/tcg/internal/fakehost"
	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/liveness"
	"github.com/minz/tcg/pkg/tcgir"
)

func newCtx(t *testing.T) (*tcgir.Context, *builder.Builder, *fakehost.Backend) {
	t.Helper()
	fh := fakehost.New()
	ctx := tcgir.NewContext()
	ctx.FuncStart(make([]byte, 4096), 4096)
	reg := helper.NewRegistry(nil)
	return ctx, builder.New(ctx, fh, reg), fh
}

func TestDeadOutputIsTaggedAndOpRemoved(t *testing.T) {
	ctx, b, fh := newCtx(t)
	x := b.TempNew(tcgir.TypeI32, false)
	y := b.TempNew(tcgir.TypeI32, false)
	dead := b.TempNew(tcgir.TypeI32, false)
	b.Add(dead, x, y) // result never used below

	liveness.Run(ctx, fh)

	var remaining int
	ctx.ForEachOp(func(idx int, op *tcgir.Op) { remaining++ })
	if remaining != 0 {
		t.Fatalf("expected the dead add to be fully removed, got %d ops", remaining)
	}
}

func TestLastUseIsTaggedDeadOnInput(t *testing.T) {
	ctx, b, fh := newCtx(t)
	x := b.TempNew(tcgir.TypeI32, false)
	y := b.TempNew(tcgir.TypeI32, false)
	dest := b.TempNew(tcgir.TypeI32, false)
	addIdx := b.Add(dest, x, y)
	b.Return(dest)

	liveness.Run(ctx, fh)

	op := &ctx.Ops[addIdx]
	if op.IsRemoved() {
		t.Fatal("add defining the returned value should survive")
	}
	// inputs are args[1],args[2] (positions 1,2); both x and y die here.
	if op.DeadArgs&(1<<1) == 0 || op.DeadArgs&(1<<2) == 0 {
		t.Fatalf("expected both inputs tagged dead (last use), got mask %#x", op.DeadArgs)
	}
}

func TestSideEffectOpSurvivesEvenWhenOutputDead(t *testing.T) {
	ctx, b, fh := newCtx(t)
	base := b.TempNew(tcgir.TypeI32, false)
	dest := b.TempNew(tcgir.TypeI32, false)
	ldIdx := b.Ld(dest, base, 0) // result unused, but Ld carries FlagSideEffects

	liveness.Run(ctx, fh)

	if ctx.Ops[ldIdx].IsRemoved() {
		t.Fatal("Ld has FlagSideEffects and must not be DCE'd even with a dead result")
	}
	if ctx.Ops[ldIdx].DeadArgs&1 == 0 {
		t.Fatal("expected the dead output to still be tagged dead")
	}
}

func TestPureCallWithDeadResultIsEliminated(t *testing.T) {
	ctx, b, fh := newCtx(t)
	const pureFn uintptr = 0x4000
	b.Helpers = helper.NewRegistry([]helper.Def{
		{Addr: pureFn, Name: "pure", Flags: helper.NoSideEffects},
	})
	arg := b.TempNew(tcgir.TypeI32, false)
	ret := b.TempNew(tcgir.TypeI32, false)
	b.CallEmit(pureFn, []int{ret}, []int{arg}) // ret never used

	liveness.Run(ctx, fh)

	var remaining int
	ctx.ForEachOp(func(idx int, op *tcgir.Op) { remaining++ })
	if remaining != 0 {
		t.Fatalf("expected the pure, dead-result call to be eliminated, got %d ops", remaining)
	}
}

func TestImpureCallSurvivesAndForcesGlobalsLive(t *testing.T) {
	ctx, b, fh := newCtx(t)
	g, err := b.GlobalReg(tcgir.TypeI32, 0, "pc")
	if err != nil {
		t.Fatal(err)
	}
	const impureFn uintptr = 0x5000
	b.Helpers = helper.NewRegistry([]helper.Def{
		{Addr: impureFn, Name: "impure"},
	})
	callIdx := b.CallEmit(impureFn, nil, nil)
	// any op using g below the call should not see g "dead" (it's live
	// across the call since globals are conservatively synced/used).
	x := b.TempNew(tcgir.TypeI32, false)
	movIdx := b.Mov(x, g)
	b.Return(x)
	_ = callIdx

	liveness.Run(ctx, fh)

	if ctx.Ops[movIdx].DeadArgs&(1<<1) != 0 {
		t.Fatal("g must not be tagged dead at its use below the call")
	}

	var found bool
	ctx.ForEachOp(func(idx int, op *tcgir.Op) {
		if op.Opc == tcgir.OpCall {
			found = true
			if op.IsRemoved() {
				t.Fatal("impure call must survive liveness")
			}
		}
	})
	if !found {
		t.Fatal("expected the call op to still be present")
	}
}

func TestAdd2RewritesToScalarWhenHighDeadAndUnsupported(t *testing.T) {
	ctx, b, fh := newCtx(t)
	aHi := b.TempNew(tcgir.TypeI32, false)
	aLo := b.TempNew(tcgir.TypeI32, false)
	bHi := b.TempNew(tcgir.TypeI32, false)
	bLo := b.TempNew(tcgir.TypeI32, false)
	outHi := b.TempNew(tcgir.TypeI32, false)
	outLo := b.TempNew(tcgir.TypeI32, false)
	idx := b.Add2(outHi, outLo, aHi, aLo, bHi, bLo)
	b.Return(outLo) // outHi is never used

	liveness.Run(ctx, fh)

	op := &ctx.Ops[idx]
	if op.Opc != tcgir.OpAdd {
		t.Fatalf("expected add2 to be rewritten to scalar add, got %s", op.Opc)
	}
	args := ctx.Args(idx)
	if len(args) != 3 || int(args[0]) != outLo || int(args[1]) != aLo || int(args[2]) != bLo {
		t.Fatalf("unexpected scalar args after rewrite: %v", args)
	}
}

func TestDiscardForcesTempDead(t *testing.T) {
	ctx, b, fh := newCtx(t)
	x := b.TempNew(tcgir.TypeI32, false)
	y := b.TempNew(tcgir.TypeI32, false)
	dest := b.TempNew(tcgir.TypeI32, false)
	addIdx := b.Add(dest, x, y)
	b.Discard(dest) // explicitly kill dest instead of returning/using it

	liveness.Run(ctx, fh)

	if !ctx.Ops[addIdx].IsRemoved() {
		t.Fatal("expected the add feeding only a discard to be removed as dead")
	}
}
