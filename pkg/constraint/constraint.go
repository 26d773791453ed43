// Package constraint compiles the per-opcode constraint strings described
// in spec.md §4.E into sorted, resolved Constraint tables the allocator
// consumes directly. Grounded on the priority-ordering idea in
// pkg/optimizer/register_pressure.go (picking which virtual registers to
// favor under pressure) generalized here to picking allocation order from
// declared constraints rather than runtime pressure.
package constraint

import (
	"fmt"
	"sort"

	"github.com/minz/tcg/pkg/hostbackend/regset"
)

// Constraint is the compiled form of one argument's constraint string.
type Constraint struct {
	Allowed      regset.Set
	AllowConst   bool // 'i': an immediate satisfying TargetConstMatch may substitute for a register
	IsAlias      bool // output: this output's register equals AliasIndex's input register; also left set on that aliasing input, pinning its Priority to 1
	IsIAlias     bool // input only: this input must end up in its paired output's register
	AliasIndex   int  // output: paired input index; input: paired output index
	EarlyClobber bool // '&': output register must not be reused from ANY input, dead or not
}

// Priority is N_host_regs - |Allowed| + 1, with an ALIAS arg pinned to 1
// regardless of its Allowed set (spec.md §4.E) — it doesn't need a
// register search, so it carries no search priority.
func (c Constraint) Priority(nHostRegs int) int {
	if c.IsAlias {
		return 1
	}
	return nHostRegs - c.Allowed.Count() + 1
}

// OpConstraints is the compiled constraint table for one opcode on one
// host, plus the independently-sorted allocation orders for inputs and
// outputs (spec.md §4.E: "inputs and outputs are independently stable-
// sorted by priority").
type OpConstraints struct {
	Inputs      []Constraint
	Outputs     []Constraint
	InputOrder  []int // indices into Inputs, most-constrained first
	OutputOrder []int // indices into Outputs, most-constrained first
}

// CharParser dispatches a constraint character other than a digit, 'i' or
// '&' to the host, which returns the register class it names and advances
// cursor past it. hostbackend.Backend satisfies it; kept as a narrow
// interface here so this package never imports tcgir's Opcode (it only
// needs TempType-free register-class parsing).
type CharParser interface {
	ParseConstraint(ct string, cursor *int) regset.Set
}

// Compile parses nIn input constraint strings and nOut output constraint
// strings for one opcode, producing the sorted OpConstraints. nHostRegs is
// the host's total register count, used for the priority formula.
func Compile(parser CharParser, inStrs, outStrs []string, nHostRegs int) OpConstraints {
	oc := OpConstraints{
		Inputs:  make([]Constraint, len(inStrs)),
		Outputs: make([]Constraint, len(outStrs)),
	}

	for i, s := range inStrs {
		c := parseOne(parser, s)
		if c.IsAlias {
			d := c.AliasIndex
			if d < 0 || d >= len(oc.Outputs) {
				panic(fmt.Sprintf("constraint: input %d aliases out-of-range output %d", i, d))
			}
			oc.Outputs[d].IsAlias = true
			oc.Outputs[d].AliasIndex = i
			c.IsIAlias = true
			c.AliasIndex = d
		}
		oc.Inputs[i] = c
	}
	for i, s := range outStrs {
		c := parseOne(parser, s)
		// Merge in anything an aliasing input already installed above.
		c.IsAlias = c.IsAlias || oc.Outputs[i].IsAlias
		if oc.Outputs[i].IsAlias {
			c.AliasIndex = oc.Outputs[i].AliasIndex
		}
		oc.Outputs[i] = c
	}
	// An aliasing input must land in its partner output's register, so it
	// takes that output's register class.
	for i := range oc.Inputs {
		if oc.Inputs[i].IsIAlias {
			oc.Inputs[i].Allowed = oc.Inputs[i].Allowed.Or(oc.Outputs[oc.Inputs[i].AliasIndex].Allowed)
		}
	}

	oc.InputOrder = sortedOrder(oc.Inputs, nHostRegs)
	oc.OutputOrder = sortedOrder(oc.Outputs, nHostRegs)
	return oc
}

func sortedOrder(cs []Constraint, nHostRegs int) []int {
	order := make([]int, len(cs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return cs[order[a]].Priority(nHostRegs) > cs[order[b]].Priority(nHostRegs)
	})
	return order
}

func parseOne(parser CharParser, s string) Constraint {
	var c Constraint
	cursor := 0
	for cursor < len(s) {
		ch := s[cursor]
		switch {
		case ch >= '0' && ch <= '9':
			d := 0
			for cursor < len(s) && s[cursor] >= '0' && s[cursor] <= '9' {
				d = d*10 + int(s[cursor]-'0')
				cursor++
			}
			c.IsAlias = true
			c.AliasIndex = d
		case ch == 'i':
			c.AllowConst = true
			cursor++
		case ch == '&':
			c.EarlyClobber = true
			cursor++
		default:
			before := cursor
			c.Allowed = c.Allowed.Or(parser.ParseConstraint(s, &cursor))
			if cursor == before {
				panic(fmt.Sprintf("constraint: parser made no progress on %q at %d", s, cursor))
			}
		}
	}
	return c
}
