// Package luair is a Lua-scripted front end standing in for the guest
// instruction decoder the real TCG normally sits behind: instead of
// translating guest machine code into IR, a small Lua API lets a test
// script build IR directly through pkg/builder, the same role
// pkg/meta/lua_evaluator.go plays for compile-time MinZ code generation,
// retargeted here at driving Builder calls instead of emitting source text.
package luair

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/hostbackend/regset"
	"github.com/minz/tcg/pkg/tcgir"
)

func regFromNumber(n lua.LNumber) regset.Reg { return regset.Reg(int(n)) }

// Evaluator wraps one Lua state bound to one Builder. Scripts call into the
// "tcg" global table; every call is a thin wrapper translating Lua values
// into a single Builder method call and pushing its result(s) back.
type Evaluator struct {
	L     *lua.LState
	b     *builder.Builder
	funcs map[string]uintptr // name -> address, for tcg.call lookups
}

// New builds an Evaluator bound to b. funcs maps the names a script may pass
// to tcg.call to the host function addresses registered in b's helper
// registry; a script that calls an unregistered name gets a Lua error
// instead of a Go panic, since the script is untrusted input in a way the
// Builder API's own Go callers are not.
func New(b *builder.Builder, funcs map[string]uintptr) *Evaluator {
	L := lua.NewState()
	e := &Evaluator{L: L, b: b, funcs: funcs}
	L.SetGlobal("tcg", e.buildModule())
	return e
}

// Close releases the underlying Lua state.
func (e *Evaluator) Close() { e.L.Close() }

// Run executes a Lua script against the bound Builder.
func (e *Evaluator) Run(script string) error {
	if err := e.L.DoString(script); err != nil {
		return fmt.Errorf("luair: %w", err)
	}
	return nil
}

func (e *Evaluator) buildModule() *lua.LTable {
	m := e.L.NewTable()
	reg := func(name string, fn lua.LGFunction) { e.L.SetField(m, name, e.L.NewFunction(fn)) }

	reg("temp_new", e.luaTempNew)
	reg("const", e.luaConst)
	reg("global_reg", e.luaGlobalReg)
	reg("global_mem", e.luaGlobalMem)
	reg("movi", e.luaMovi)
	reg("op", e.luaOp)
	reg("call", e.luaCall)
	reg("label", e.luaLabel)
	reg("set_label", e.luaSetLabel)
	reg("br", e.luaBr)
	reg("br_cond", e.luaBrCond)
	reg("ret", e.luaRet)
	reg("discard", e.luaDiscard)
	return m
}

// typeOf maps the Lua-visible type names this front end understands ("i32"
// or an omitted name to tcgir.TypeI32, "i64" to tcgir.TypeI64); a script
// naming anything else is a script bug,
// reported through Lua's own error protocol rather than a Go panic.
func typeOf(L *lua.LState, name string) tcgir.TempType {
	switch name {
	case "i32", "":
		return tcgir.TypeI32
	case "i64":
		return tcgir.TypeI64
	default:
		L.RaiseError("luair: unknown type %q (want \"i32\" or \"i64\")", name)
		return tcgir.TypeI32
	}
}

func (e *Evaluator) luaTempNew(L *lua.LState) int {
	typ := typeOf(L, L.OptString(1, "i32"))
	local := L.OptBool(2, false)
	L.Push(lua.LNumber(e.b.TempNew(typ, local)))
	return 1
}

func (e *Evaluator) luaConst(L *lua.LState) int {
	val := L.CheckNumber(1)
	typ := typeOf(L, L.OptString(2, "i32"))
	L.Push(lua.LNumber(e.b.Const(typ, int64(val))))
	return 1
}

func (e *Evaluator) luaGlobalReg(L *lua.LState) int {
	name := L.CheckString(1)
	hostReg := L.CheckNumber(2)
	typ := typeOf(L, L.OptString(3, "i32"))
	idx, err := e.b.GlobalReg(typ, regFromNumber(hostReg), name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(idx))
	return 1
}

func (e *Evaluator) luaGlobalMem(L *lua.LState) int {
	name := L.CheckString(1)
	baseReg := L.CheckNumber(2)
	offset := L.CheckNumber(3)
	typ := typeOf(L, L.OptString(4, "i32"))
	idxs, err := e.b.GlobalMem(typ, regFromNumber(baseReg), int32(offset), name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	tbl := L.NewTable()
	for i, idx := range idxs {
		tbl.RawSetInt(i+1, lua.LNumber(idx))
	}
	L.Push(tbl)
	return 1
}

func (e *Evaluator) luaMovi(L *lua.LState) int {
	dest := int(L.CheckNumber(1))
	imm := int64(L.CheckNumber(2))
	e.b.Movi(dest, imm)
	return 0
}

// opTable dispatches a Lua-visible opcode name to the Builder method that
// emits it; every entry here takes (dest, a, c int) the same way Builder's
// binary-op wrappers do.
var opTable = map[string]func(b *builder.Builder, dest, a, c int) int{
	"add": func(b *builder.Builder, dest, a, c int) int { return b.Add(dest, a, c) },
	"sub": func(b *builder.Builder, dest, a, c int) int { return b.Sub(dest, a, c) },
	"and": func(b *builder.Builder, dest, a, c int) int { return b.And(dest, a, c) },
	"or":  func(b *builder.Builder, dest, a, c int) int { return b.Or(dest, a, c) },
	"xor": func(b *builder.Builder, dest, a, c int) int { return b.Xor(dest, a, c) },
	"shl": func(b *builder.Builder, dest, a, c int) int { return b.Shl(dest, a, c) },
	"shr": func(b *builder.Builder, dest, a, c int) int { return b.Shr(dest, a, c) },
	"sar": func(b *builder.Builder, dest, a, c int) int { return b.Sar(dest, a, c) },
	"mov": func(b *builder.Builder, dest, a, _ int) int { return b.Mov(dest, a) },
	"neg": func(b *builder.Builder, dest, a, _ int) int { return b.Neg(dest, a) },
	"not": func(b *builder.Builder, dest, a, _ int) int { return b.Not(dest, a) },
}

func (e *Evaluator) luaOp(L *lua.LState) int {
	name := L.CheckString(1)
	fn, ok := opTable[name]
	if !ok {
		L.RaiseError("luair: unknown op %q", name)
		return 0
	}
	dest := int(L.CheckNumber(2))
	a := int(L.CheckNumber(3))
	c := int(L.OptNumber(4, 0))
	fn(e.b, dest, a, c)
	return 0
}

func (e *Evaluator) luaCall(L *lua.LState) int {
	name := L.CheckString(1)
	addr, ok := e.funcs[name]
	if !ok {
		L.RaiseError("luair: no registered function named %q", name)
		return 0
	}
	rets := toIntSlice(L.OptTable(2, L.NewTable()))
	args := toIntSlice(L.OptTable(3, L.NewTable()))
	outs := e.b.CallEmit(addr, rets, args)
	tbl := L.NewTable()
	for i, o := range outs {
		tbl.RawSetInt(i+1, lua.LNumber(o))
	}
	L.Push(tbl)
	return 1
}

func (e *Evaluator) luaLabel(L *lua.LState) int {
	L.Push(lua.LNumber(e.b.NewLabel()))
	return 1
}

func (e *Evaluator) luaSetLabel(L *lua.LState) int {
	e.b.SetLabel(int(L.CheckNumber(1)))
	return 0
}

func (e *Evaluator) luaBr(L *lua.LState) int {
	e.b.Br(int(L.CheckNumber(1)))
	return 0
}

// condTable maps the Lua-visible condition names to tcgir.Cond, matching
// the mnemonics spec.md's GLOSSARY uses for §4.F's branch conditions.
var condTable = map[string]tcgir.Cond{
	"eq": tcgir.CondEq, "ne": tcgir.CondNe,
	"lt": tcgir.CondLt, "le": tcgir.CondLe, "gt": tcgir.CondGt, "ge": tcgir.CondGe,
	"ltu": tcgir.CondLtu, "leu": tcgir.CondLeu, "gtu": tcgir.CondGtu, "geu": tcgir.CondGeu,
}

func (e *Evaluator) luaBrCond(L *lua.LState) int {
	condName := L.CheckString(1)
	cond, ok := condTable[condName]
	if !ok {
		L.RaiseError("luair: unknown condition %q", condName)
		return 0
	}
	a := int(L.CheckNumber(2))
	c := int(L.CheckNumber(3))
	label := int(L.CheckNumber(4))
	e.b.BrCond(cond, a, c, label)
	return 0
}

func (e *Evaluator) luaRet(L *lua.LState) int {
	val := -1
	if L.GetTop() >= 1 {
		val = int(L.CheckNumber(1))
	}
	e.b.Return(val)
	return 0
}

func (e *Evaluator) luaDiscard(L *lua.LState) int {
	e.b.Discard(int(L.CheckNumber(1)))
	return 0
}

func toIntSlice(t *lua.LTable) []int {
	if t == nil {
		return nil
	}
	n := t.Len()
	out := make([]int, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, int(lua.LVAsNumber(t.RawGetInt(i))))
	}
	return out
}
