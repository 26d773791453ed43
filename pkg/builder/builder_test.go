package builder_test

import (
	"testing"

	"github.com/minz/tcg/internal/fakehost"
	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/tcgir"
)

func newBuilder(t *testing.T, regBits int) (*builder.Builder, *fakehost.Backend) {
	t.Helper()
	fh := fakehost.New().WithRegBits(regBits)
	ctx := tcgir.NewContext()
	ctx.FuncStart(make([]byte, 4096), 4096)
	reg := helper.NewRegistry(nil)
	return builder.New(ctx, fh, reg), fh
}

func TestGlobalRegFailsOnDoubleReservation(t *testing.T) {
	b, _ := newBuilder(t, 32)
	if _, err := b.GlobalReg(tcgir.TypeI32, 0, "pc"); err != nil {
		t.Fatalf("first global-reg: %v", err)
	}
	if _, err := b.GlobalReg(tcgir.TypeI32, 0, "sp"); err == nil {
		t.Fatalf("expected error reusing host register 0")
	}
}

func TestGlobalMemSplitsI64OnLittleEndian32BitHost(t *testing.T) {
	b, _ := newBuilder(t, 32)
	idxs, err := b.GlobalMem(tcgir.TypeI64, 1, 0x10, "cpu_pc")
	if err != nil {
		t.Fatal(err)
	}
	if len(idxs) != 2 {
		t.Fatalf("expected 2 temps for i64 split, got %d", len(idxs))
	}
	lo, hi := b.Ctx.Temps[idxs[0]], b.Ctx.Temps[idxs[1]]
	if lo.MemOffset != 0x10 || hi.MemOffset != 0x14 {
		t.Fatalf("wrong offsets: lo=%d hi=%d", lo.MemOffset, hi.MemOffset)
	}
	if lo.Name != "cpu_pc_lo" || hi.Name != "cpu_pc_hi" {
		t.Fatalf("wrong names: %s %s", lo.Name, hi.Name)
	}
}

func TestGlobalMemNoSplitOnI32(t *testing.T) {
	b, _ := newBuilder(t, 32)
	idxs, err := b.GlobalMem(tcgir.TypeI32, 1, 4, "cpu_flags")
	if err != nil {
		t.Fatal(err)
	}
	if len(idxs) != 1 {
		t.Fatalf("expected single temp for i32 global, got %d", len(idxs))
	}
}

func TestTempNewReusesFreedSlot(t *testing.T) {
	b, _ := newBuilder(t, 32)
	a := b.TempNew(tcgir.TypeI32, false)
	b.TempFree(a)
	c := b.TempNew(tcgir.TypeI32, false)
	if a != c {
		t.Fatalf("expected temp-new to reuse freed index %d, got %d", a, c)
	}
}

func TestTempFreeGlobalPanics(t *testing.T) {
	b, _ := newBuilder(t, 32)
	g, _ := b.GlobalReg(tcgir.TypeI32, 0, "pc")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a global temp")
		}
	}()
	b.TempFree(g)
}

func TestAddEmitsOpWithArgsInDestInputOrder(t *testing.T) {
	b, _ := newBuilder(t, 32)
	dest := b.TempNew(tcgir.TypeI32, false)
	x := b.TempNew(tcgir.TypeI32, false)
	y := b.TempNew(tcgir.TypeI32, false)
	idx := b.Add(dest, x, y)

	op := &b.Ctx.Ops[idx]
	if op.Opc != tcgir.OpAdd {
		t.Fatalf("expected add opcode, got %s", op.Opc)
	}
	args := b.Ctx.Args(idx)
	if len(args) != 3 || int(args[0]) != dest || int(args[1]) != x || int(args[2]) != y {
		t.Fatalf("unexpected arg layout: %v", args)
	}
}

func TestCallEmitSplits64BitArgOn32BitHost(t *testing.T) {
	b, fh := newBuilder(t, 32)
	_ = fh
	const helperAddr uintptr = 0xdead
	reg := helper.NewRegistry([]helper.Def{
		{Addr: helperAddr, Name: "h", SizeMask: helper.SizeMask(helper.Pack64(true, false)) << 2},
	})
	b.Helpers = reg

	arg := b.TempNew(tcgir.TypeI64, false)
	before := len(b.Ctx.Ops)
	b.CallEmit(helperAddr, nil, []int{arg})
	if len(b.Ctx.Ops) != before+3 { // extrlo, extrhi, call
		t.Fatalf("expected 3 new ops, got %d", len(b.Ctx.Ops)-before)
	}
	callOp := &b.Ctx.Ops[len(b.Ctx.Ops)-1]
	if callOp.Opc != tcgir.OpCall || callOp.Calli != 2 {
		t.Fatalf("expected CALL with 2 split args, got opc=%v calli=%d", callOp.Opc, callOp.Calli)
	}
}
