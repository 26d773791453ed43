package constraint_test

import (
	"testing"

	"github.com/minz/tcg/pkg/constraint"
	"github.com/minz/tcg/pkg/hostbackend/regset"
)

// fakeParser mimics a host that offers 'r' (any of 4 regs) and 'L' (the
// two-register subset r0/r1).
type fakeParser struct{}

const (
	r0 regset.Reg = iota
	r1
	r2
	r3
)

func (fakeParser) ParseConstraint(ct string, cursor *int) regset.Set {
	switch ct[*cursor] {
	case 'r':
		*cursor++
		return regset.New(r0, r1, r2, r3)
	case 'L':
		*cursor++
		return regset.New(r0, r1)
	default:
		panic("fakeParser: unknown constraint " + string(ct[*cursor]))
	}
}

func TestCompileAliasPairsInputToOutput(t *testing.T) {
	oc := constraint.Compile(fakeParser{}, []string{"0", "r"}, []string{"r"}, 4)

	if !oc.Inputs[0].IsIAlias || oc.Inputs[0].AliasIndex != 0 {
		t.Fatalf("expected input 0 to be an ialias of output 0, got %+v", oc.Inputs[0])
	}
	if !oc.Outputs[0].IsAlias || oc.Outputs[0].AliasIndex != 0 {
		t.Fatalf("expected output 0 to carry the alias flag, got %+v", oc.Outputs[0])
	}
}

func TestCompileEarlyClobberAndConst(t *testing.T) {
	oc := constraint.Compile(fakeParser{}, []string{"ri"}, []string{"&r"}, 4)
	if !oc.Inputs[0].AllowConst {
		t.Fatal("expected input 0 to allow a constant")
	}
	if !oc.Outputs[0].EarlyClobber {
		t.Fatal("expected output 0 to be earlyclobber")
	}
}

func TestCompileOrdersMostConstrainedFirst(t *testing.T) {
	// input 0: unconstrained ("r", 4 allowed regs); input 1: "L" (2 allowed
	// regs) is more constrained and must sort first.
	oc := constraint.Compile(fakeParser{}, []string{"r", "L"}, nil, 4)
	if oc.InputOrder[0] != 1 {
		t.Fatalf("expected the more-constrained input (1) first, got order %v", oc.InputOrder)
	}
}

func TestCompileAliasSortsLast(t *testing.T) {
	oc := constraint.Compile(fakeParser{}, []string{"L", "0"}, []string{"r"}, 4)
	// input 1 ("0", an ialias) must sort after input 0 ("L"), since alias
	// priority is pinned to 1, the minimum.
	if oc.InputOrder[len(oc.InputOrder)-1] != 1 {
		t.Fatalf("expected the alias input last, got order %v", oc.InputOrder)
	}
}

func TestParseOneInvalidConstraintPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unknown constraint character")
		}
	}()
	constraint.Compile(fakeParser{}, []string{"z"}, nil, 4)
}
