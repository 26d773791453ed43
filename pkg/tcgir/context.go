package tcgir

import (
	"fmt"

	"github.com/minz/tcg/pkg/arena"
	"github.com/minz/tcg/pkg/hostbackend/regset"
)

// Stats are CONFIG_PROFILER-style counters. They are updated on every
// compilation; Context.Profile is not consulted. Not wired to any metrics SDK: see SPEC_FULL.md's
// Supplemented Features section for why this stays a plain counter struct.
type Stats struct {
	OpsEmitted   int
	OpsDeleted   int
	OpsRewritten int
	TempsCreated int
	SpillsTaken  int
}

// Context is the per-TB compiler state. One Context is created per worker
// thread and reused across translation blocks via FuncStart; it is
// never shared between threads (spec.md §5).
type Context struct {
	Profile bool
	Stats   Stats

	pool *arena.Arena

	// --- temps ---
	Temps     []Temp
	NbGlobals int

	// free-temp bitsets, indexed by (BaseType, Locality); a set bit means
	// the temp index is free for reuse by TempNew.
	freeTemps map[freeKey]map[int]bool

	// --- op buffer: index-based doubly-linked list ---
	Ops      []Op
	Params   []int64
	HeadOp   int
	TailOp   int

	// --- labels ---
	Labels []Label

	// --- register allocator bookkeeping (spec.md §3 Context fields) ---
	RegToTemp     [regset.MaxRegs]int // temp index owning each reg, or -1
	ReservedRegs  regset.Set
	FrameReg      regset.Reg
	HasFrameReg   bool
	FrameStart    int32
	FrameEnd      int32
	nextSpillSlot int32

	// --- code buffer ---
	CodeBuf      []byte
	CodePos      int
	CodeHighWater int // abort emission once CodePos would cross this
}

type freeKey struct {
	t TempType
	l Locality
}

// NewContext creates a process-wide Context. Call FuncStart before
// compiling each translation block.
func NewContext() *Context {
	c := &Context{pool: arena.New()}
	c.resetRegToTemp()
	return c
}

func (c *Context) resetRegToTemp() {
	for i := range c.RegToTemp {
		c.RegToTemp[i] = noIndex
	}
}

// FuncStart begins compilation of a new TB: the op/param/label buffers and
// arena are wiped, temps are cleared, and the code buffer window is set.
// codeBuf is the caller-supplied executable buffer; codeBuf[:highWater] is
// the region this TB may emit into before regalloc's Allocator.Run returns
// its buffer-exhausted error (spec.md §5, §7 class 2).
func (c *Context) FuncStart(codeBuf []byte, highWater int) {
	c.pool.Reset()
	c.Temps = c.Temps[:0]
	c.NbGlobals = 0
	c.freeTemps = make(map[freeKey]map[int]bool)
	c.Ops = c.Ops[:0]
	c.Params = c.Params[:0]
	c.HeadOp, c.TailOp = noIndex, noIndex
	c.Labels = c.Labels[:0]
	c.resetRegToTemp()
	c.nextSpillSlot = 0
	c.CodeBuf = codeBuf
	c.CodePos = 0
	c.CodeHighWater = highWater
	c.Stats = Stats{}
}

// --- temps ---

// NewTemp appends a fresh temp and returns its index. Used by temp-new when
// the free-temp bitset has nothing to offer, and always for globals.
func (c *Context) NewTemp(base TempType, loc Locality, name string) int {
	idx := len(c.Temps)
	c.Temps = append(c.Temps, Temp{
		Index:     idx,
		BaseType:  base,
		Type:      base,
		Locality:  loc,
		TempLocal: loc == LocalityLocal,
		Name:      name,
	})
	c.Stats.TempsCreated++
	return idx
}

// freeBucket returns (and creates on first use) the free-temp bitset for
// (type, locality), per spec.md §4.B's temp-new/temp-free contract.
func (c *Context) freeBucket(t TempType, l Locality) map[int]bool {
	k := freeKey{t, l}
	b, ok := c.freeTemps[k]
	if !ok {
		b = make(map[int]bool)
		c.freeTemps[k] = b
	}
	return b
}

// TakeFreeTemp returns a previously-freed temp index of matching shape, or
// (-1, false) if none is available.
func (c *Context) TakeFreeTemp(t TempType, l Locality) (int, bool) {
	b := c.freeBucket(t, l)
	for idx := range b {
		delete(b, idx)
		return idx, true
	}
	return -1, false
}

// ReleaseTemp marks idx as free for reuse by a later TempNew of the same
// shape. Double-free is a programmer invariant violation (spec.md §7
// class 1): fatal, not silently ignored.
func (c *Context) ReleaseTemp(idx int) {
	t := &c.Temps[idx]
	b := c.freeBucket(t.BaseType, t.Locality)
	if b[idx] {
		panic(fmt.Sprintf("tcgir: double free of temp %d (%s)", idx, t.Name))
	}
	b[idx] = true
}

// --- op list ---

// AppendOp appends a new op at the tail of the instruction list and
// reserves nbArgs slots for it in the parameter buffer, returning the new
// op's index.
func (c *Context) AppendOp(opc Opcode, nbArgs int) int {
	argsBase := len(c.Params)
	for i := 0; i < nbArgs; i++ {
		c.Params = append(c.Params, 0)
	}
	idx := len(c.Ops)
	op := Op{
		Opc:      opc,
		ArgsBase: argsBase,
		NbArgs:   nbArgs,
		Prev:     c.TailOp,
		Next:     noIndex,
	}
	c.Ops = append(c.Ops, op)
	if c.TailOp == noIndex {
		c.HeadOp = idx
	} else {
		c.Ops[c.TailOp].Next = idx
	}
	c.TailOp = idx
	c.Stats.OpsEmitted++
	return idx
}

// Args returns the argument slice for op idx.
func (c *Context) Args(idx int) []int64 {
	op := &c.Ops[idx]
	return c.Params[op.ArgsBase : op.ArgsBase+op.NbArgs]
}

// RemoveOp unlinks op idx from the list without compacting the backing
// array; a removed op's Prev/Next no longer participate in traversal.
func (c *Context) RemoveOp(idx int) {
	op := &c.Ops[idx]
	if op.removed {
		panic(fmt.Sprintf("tcgir: op %d removed twice", idx))
	}
	op.removed = true
	if op.Prev != noIndex {
		c.Ops[op.Prev].Next = op.Next
	} else {
		c.HeadOp = op.Next
	}
	if op.Next != noIndex {
		c.Ops[op.Next].Prev = op.Prev
	} else {
		c.TailOp = op.Prev
	}
	c.Stats.OpsDeleted++
}

// ForEachOp walks the live op list head to tail.
func (c *Context) ForEachOp(fn func(idx int, op *Op)) {
	for i := c.HeadOp; i != noIndex; {
		next := c.Ops[i].Next
		fn(i, &c.Ops[i])
		i = next
	}
}

// ForEachOpReverse walks the live op list tail to head, the direction
// liveness analysis runs in.
func (c *Context) ForEachOpReverse(fn func(idx int, op *Op)) {
	for i := c.TailOp; i != noIndex; {
		prev := c.Ops[i].Prev
		fn(i, &c.Ops[i])
		i = prev
	}
}

// --- labels ---

// NewLabel allocates a fresh unresolved label.
func (c *Context) NewLabel() int {
	idx := len(c.Labels)
	c.Labels = append(c.Labels, Label{ID: idx})
	return idx
}

// NewRelocation allocates a Relocation scoped to the current TB. Relocation
// structs are small and short-lived, so (unlike the op/param buffers) they
// are ordinary Go values rather than arena bytes: reusing the Arena here
// would mean reading back typed structs through unsafe, fighting the GC for
// no benefit Go's allocator doesn't already give us. No package in this
// module currently draws on the arena pool (Context.pool); see Pool.
func (c *Context) NewRelocation(ptr int, kind RelocKind, addend int64) *Relocation {
	return &Relocation{Ptr: ptr, Kind: kind, Addend: addend}
}

// Pool exposes the per-TB arena for packages that want scratch byte buffers reset on the same cadence as everything else.
func (c *Context) Pool() *arena.Arena { return c.pool }

// --- spill slots ---

// AllocSpillSlot reserves size bytes in the stack frame, respecting the
// frame's growth direction, and returns the base offset. Used by the
// allocator's spill path (spec.md §4.G "Spill choice").
func (c *Context) AllocSpillSlot(size int32, stackGrowsUp bool) int32 {
	var off int32
	if stackGrowsUp {
		off = c.FrameStart
		c.FrameStart += size
	} else {
		c.FrameEnd -= size
		off = c.FrameEnd
	}
	c.nextSpillSlot += size
	return off
}
