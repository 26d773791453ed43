// Package codebuf provides the executable code buffer that cmd/tcgc maps a
// translation block into. spec.md §1 describes the buffer as simply
// "caller-supplied" and never mandates how a caller gets one; the library
// core (pkg/tcgir, pkg/builder, pkg/regalloc) stays agnostic and accepts any
// []byte, the same way the teacher's register allocator never cares where
// its destination buffer came from. This package is that caller, for the
// one caller (the CLI) that actually needs real, runnable machine code
// instead of a test's plain byte slice.
package codebuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer is a page-aligned, mmap'd region big enough to hold one or more
// translation blocks. It starts writable-but-not-executable (W^X) and is
// flipped to read+execute by Freeze once code generation finishes, the way
// a real JIT's code cache protects itself from accidental self-modification
// mid-emission.
type Buffer struct {
	mem    []byte
	frozen bool
}

// New mmaps size bytes (rounded up by the kernel to a whole number of pages)
// as an anonymous, private region with PROT_READ|PROT_WRITE. size must be
// positive.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codebuf: size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("codebuf: mmap: %w", err)
	}
	return &Buffer{mem: mem}, nil
}

// Bytes returns the backing slice for a HostBackend to emit into directly
// (via Context.CodeBuf), while the buffer is still writable.
func (b *Buffer) Bytes() []byte { return b.mem }

// Addr returns the buffer's base address in the host process's address
// space, for a HostBackend's relocation patching (§4.I) to compute absolute
// jump targets against.
func (b *Buffer) Addr() uintptr {
	if len(b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// Freeze switches the buffer from PROT_READ|PROT_WRITE to
// PROT_READ|PROT_EXEC. Once frozen, the buffer must not be written to again;
// a HostBackend that tries will fault, which is the point — code generation
// is finished and nothing should still be patching it.
func (b *Buffer) Freeze() error {
	if b.frozen {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("codebuf: mprotect: %w", err)
	}
	b.frozen = true
	return nil
}

// Thaw switches back to PROT_READ|PROT_WRITE, for a caller that wants to
// patch an already-frozen buffer (e.g. invalidating and regenerating one TB
// among several sharing a buffer) before refreezing it.
func (b *Buffer) Thaw() error {
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("codebuf: mprotect: %w", err)
	}
	b.frozen = false
	return nil
}

// Close unmaps the buffer. The caller must not use it, nor call into any
// code it contained, afterward.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	if err != nil {
		return fmt.Errorf("codebuf: munmap: %w", err)
	}
	return nil
}
