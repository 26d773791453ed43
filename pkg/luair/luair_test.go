package luair_test

import (
	"testing"

	"github.com/minz/tcg/internal/fakehost"
	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/liveness"
	"github.com/minz/tcg/pkg/luair"
	"github.com/minz/tcg/pkg/regalloc"
	"github.com/minz/tcg/pkg/tcgir"
)

func newScriptedPipeline(t *testing.T) (*tcgir.Context, *builder.Builder, *fakehost.Backend, *luair.Evaluator) {
	t.Helper()
	fh := fakehost.New()
	ctx := tcgir.NewContext()
	ctx.FuncStart(make([]byte, 4096), 4096)
	fh.TargetInit(ctx)
	b := builder.New(ctx, fh, helper.NewRegistry(nil))
	ev := luair.New(b, nil)
	t.Cleanup(ev.Close)
	return ctx, b, fh, ev
}

func TestScriptBuildsAddAndReturn(t *testing.T) {
	ctx, _, fh, ev := newScriptedPipeline(t)
	err := ev.Run(`
		a = tcg.const(10)
		c = tcg.const(5)
		dest = tcg.temp_new()
		tcg.op("add", dest, a, c)
		tcg.ret(dest)
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	liveness.Run(ctx, fh)
	if err := regalloc.New(ctx, fh).Run(); err != nil {
		t.Fatalf("regalloc: %v", err)
	}

	var sawAdd bool
	for _, e := range fh.Trace {
		if e.Kind == "op" && e.Opc == tcgir.OpAdd {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Fatalf("expected a scripted add to reach the allocator, trace=%v", fh.Trace)
	}
}

func TestScriptBranchAndLabel(t *testing.T) {
	ctx, _, fh, ev := newScriptedPipeline(t)
	err := ev.Run(`
		lbl = tcg.label()
		tcg.br(lbl)
		tcg.set_label(lbl)
		tcg.ret()
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	liveness.Run(ctx, fh)
	if err := regalloc.New(ctx, fh).Run(); err != nil {
		t.Fatalf("regalloc: %v", err)
	}

	var sawBr, sawReloc bool
	for _, e := range fh.Trace {
		if e.Kind == "br" {
			sawBr = true
		}
		if e.Kind == "reloc" {
			sawReloc = true
		}
	}
	if !sawBr || !sawReloc {
		t.Fatalf("expected br+reloc from scripted label use, trace=%v", fh.Trace)
	}
}

func TestScriptCallResolvesRegisteredFunction(t *testing.T) {
	fh := fakehost.New()
	ctx := tcgir.NewContext()
	ctx.FuncStart(make([]byte, 4096), 4096)
	fh.TargetInit(ctx)
	const fnAddr uintptr = 0x9000
	b := builder.New(ctx, fh, helper.NewRegistry([]helper.Def{{Addr: fnAddr, Name: "fn"}}))
	ev := luair.New(b, map[string]uintptr{"fn": fnAddr})
	defer ev.Close()

	err := ev.Run(`
		arg = tcg.const(7)
		tcg.call("fn", {}, {arg})
		tcg.ret()
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	liveness.Run(ctx, fh)
	if err := regalloc.New(ctx, fh).Run(); err != nil {
		t.Fatalf("regalloc: %v", err)
	}

	var sawCall bool
	for _, e := range fh.Trace {
		if e.Kind == "call" {
			sawCall = true
		}
	}
	if !sawCall {
		t.Fatalf("expected the scripted call to reach the allocator, trace=%v", fh.Trace)
	}
}

func TestScriptCallUnregisteredNameErrors(t *testing.T) {
	_, _, _, ev := newScriptedPipeline(t)
	if err := ev.Run(`tcg.call("missing", {}, {})`); err == nil {
		t.Fatal("expected an error calling an unregistered function name")
	}
}
