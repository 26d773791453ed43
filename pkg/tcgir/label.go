package tcgir

// RelocKind is host-defined; the IR layer only threads it through to
// HostBackend.PatchReloc at resolution time.
type RelocKind uint8

// Relocation is a pending patch of a code-buffer word awaiting a label's
// resolution. Relocations are ordinary Go values made by
// Context.NewRelocation; a label's list is dropped when Context.FuncStart
// truncates the label buffer.
type Relocation struct {
	Ptr    int // byte offset into the code buffer
	Kind   RelocKind
	Addend int64
	Next   *Relocation // singly-linked
}

// Label is identified by a dense integer id. It starts unresolved, carrying
// a list of pending relocations, and transitions exactly once to resolved
// when placed. Re-resolving an already-resolved label is a bug (spec.md §3).
type Label struct {
	ID       int
	Resolved bool
	Addr     int // valid iff Resolved
	Pending  *Relocation
}

// AddPending prepends a relocation to this label's pending list. Used only
// while the label is unresolved.
func (l *Label) AddPending(r *Relocation) {
	r.Next = l.Pending
	l.Pending = r
}
