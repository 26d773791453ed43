// Package jitdebug publishes a finished translation block to the GDB JIT
// compilation interface: a synthetic, in-memory ELF object describing the
// already-generated code buffer plus a minimal DWARF call-frame description,
// linked into the process-wide jit_code_entry list GDB's "jit reader" walks
// when it hits the jitDebugRegisterCode breakpoint.
//
// The ELF byte layout here follows the same field-by-field writer style as
// the retrieval pack's standalone ELF generators (e_ident, program/section
// headers written one field at a time through a small buffer wrapper); unlike
// those, this object carries no loadable segments of its own; .text is
// NOBITS, describing memory the caller already populated.
package jitdebug

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// ELF64 constants (subset needed for a non-loadable object file).
const (
	etREL        = 2
	shtNull      = 0
	shtProgBits  = 1
	shtSymtab    = 2
	shtStrtab    = 3
	shtNobits    = 8
	shnUndef     = 0
	stbGlobal    = 1
	sttFunc      = 2
	elfHeaderLen = 64
	shEntLen     = 64
	symEntLen    = 24
)

// elfMachineNone identifies the target architecture in the ELF header's e_machine
// field. TCG only ever targets the Z80 as host (spec.md §6), which has no
// reserved ELF machine constant; EM_NONE keeps the image well-formed for
// readers that don't special-case the value.
const elfMachineNone = 0

// BuildImage assembles a minimal relocatable ELF64 object describing one
// finished translation block: a NOBITS .text spanning [codeAddr, codeAddr+
// codeSize), a global FUNC symbol named funcName covering it, and a
// .debug_frame built from cieFDE with the two placeholder 4-byte fields at
// frameStartOff/frameStartOff+4 patched to codeAddr/codeSize (the "func_start"
// and "func_len" fields spec.md describes the host template as carrying).
func BuildImage(funcName string, codeAddr, codeSize uint64, cieFDE []byte, frameStartOff int) ([]byte, error) {
	if frameStartOff < 0 || frameStartOff+8 > len(cieFDE) {
		return nil, fmt.Errorf("jitdebug: frameStartOff %d out of range for %d-byte CIE+FDE template", frameStartOff, len(cieFDE))
	}
	debugFrame := append([]byte(nil), cieFDE...)
	binary.LittleEndian.PutUint32(debugFrame[frameStartOff:], uint32(codeAddr))
	binary.LittleEndian.PutUint32(debugFrame[frameStartOff+4:], uint32(codeSize))

	strtab := newStrtab()
	symNameOff := strtab.add(funcName)

	var symtab bytes.Buffer
	writeSym(&symtab, 0, 0, 0, 0, shnUndef, 0) // null symbol
	writeSym(&symtab, symNameOff, codeAddr, codeSize, stbGlobal<<4|sttFunc, textSectionIndex, 0)

	debugInfo, debugAbbrev := buildDebugInfo(funcName, codeAddr, codeSize)

	type section struct {
		name       string
		shType     uint32
		flags      uint64
		addr       uint64
		data       []byte
		size       uint64 // overrides len(data) for NOBITS sections
		link, info uint32
		entSize    uint64
	}
	sections := []section{
		{name: ""},
		{name: ".text", shType: shtNobits, flags: 0x6 /* ALLOC|EXECINSTR */, addr: codeAddr, size: codeSize},
		{name: ".symtab", shType: shtSymtab, data: symtab.Bytes(), link: uint32(symtabLink), info: 1, entSize: symEntLen},
		{name: ".strtab", shType: shtStrtab, data: strtab.bytes()},
		{name: ".debug_info", shType: shtProgBits, data: debugInfo},
		{name: ".debug_abbrev", shType: shtProgBits, data: debugAbbrev},
		{name: ".debug_frame", shType: shtProgBits, data: debugFrame},
		{name: ".shstrtab", shType: shtStrtab},
	}
	shstrtab := newStrtab()
	nameOffs := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffs[i] = shstrtab.add(s.name)
	}
	sections[len(sections)-1].data = shstrtab.bytes()

	var out bytes.Buffer
	writeELFHeader(&out, uint16(len(sections)), shstrtabIndex)

	// Section contents, in order, immediately after the header; offsets are
	// tracked as we go since .text (NOBITS) contributes no bytes.
	offsets := make([]uint64, len(sections))
	cur := uint64(elfHeaderLen)
	for i, s := range sections {
		if s.shType == shtNobits {
			offsets[i] = cur
			continue
		}
		offsets[i] = cur
		out.Write(s.data)
		cur += uint64(len(s.data))
	}
	shOff := cur

	for i, s := range sections {
		size := s.size
		if s.shType != shtNobits {
			size = uint64(len(s.data))
		}
		writeSectionHeader(&out, nameOffs[i], s.shType, s.flags, s.addr, offsets[i], size, s.link, s.info, s.entSize)
	}

	img := out.Bytes()
	binary.LittleEndian.PutUint64(img[40:], shOff) // e_shoff, patched now that it's known
	return img, nil
}

const (
	textSectionIndex = 1
	symtabLink       = 3 // .strtab's section index
	shstrtabIndex    = 7
)

func writeELFHeader(w *bytes.Buffer, shnum, shstrndx uint16) {
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*64-bit*/, 1 /*little-endian*/, 1 /*EI_VERSION*/}
	w.Write(ident[:])
	binary.Write(w, binary.LittleEndian, uint16(etREL))
	binary.Write(w, binary.LittleEndian, uint16(elfMachineNone))
	binary.Write(w, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(w, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(w, binary.LittleEndian, uint64(0)) // e_phoff
	binary.Write(w, binary.LittleEndian, uint64(0)) // e_shoff: patched by caller once known
	binary.Write(w, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(w, binary.LittleEndian, uint16(elfHeaderLen))
	binary.Write(w, binary.LittleEndian, uint16(0)) // e_phentsize
	binary.Write(w, binary.LittleEndian, uint16(0)) // e_phnum
	binary.Write(w, binary.LittleEndian, uint16(shEntLen))
	binary.Write(w, binary.LittleEndian, shnum)
	binary.Write(w, binary.LittleEndian, shstrndx)
}

func writeSectionHeader(w *bytes.Buffer, nameOff uint32, shType uint32, flags, addr, offset, size uint64, link, info uint32, entsize uint64) {
	binary.Write(w, binary.LittleEndian, nameOff)
	binary.Write(w, binary.LittleEndian, shType)
	binary.Write(w, binary.LittleEndian, flags)
	binary.Write(w, binary.LittleEndian, addr)
	binary.Write(w, binary.LittleEndian, offset)
	binary.Write(w, binary.LittleEndian, size)
	binary.Write(w, binary.LittleEndian, link)
	binary.Write(w, binary.LittleEndian, info)
	binary.Write(w, binary.LittleEndian, uint64(1)) // addralign
	binary.Write(w, binary.LittleEndian, entsize)
}

func writeSym(w *bytes.Buffer, nameOff uint32, value, size uint64, info byte, shndx uint16, other byte) {
	binary.Write(w, binary.LittleEndian, nameOff)
	w.WriteByte(info)
	w.WriteByte(other)
	binary.Write(w, binary.LittleEndian, shndx)
	binary.Write(w, binary.LittleEndian, value)
	binary.Write(w, binary.LittleEndian, size)
}

// strtabBuilder accumulates a standard ELF string table: a leading NUL byte, then
// each added string NUL-terminated, returning its offset.
type strtabBuilder struct {
	buf bytes.Buffer
}

func newStrtab() *strtabBuilder {
	b := &strtabBuilder{}
	b.buf.WriteByte(0)
	return b
}

func (b *strtabBuilder) add(s string) uint32 {
	off := uint32(b.buf.Len())
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return off
}

func (b *strtabBuilder) bytes() []byte { return b.buf.Bytes() }

// DWARF tag/attribute/form constants, the handful this minimal compile-unit
// and subprogram DIE pair need (DWARF v4 encoding).
const (
	dwTagCompileUnit = 0x11
	dwTagSubprogram  = 0x2e
	dwAtName         = 0x03
	dwAtLowPC        = 0x11
	dwAtHighPC       = 0x12
	dwFormString     = 0x08
	dwFormAddr       = 0x01
	dwFormData8      = 0x07
	dwChildrenYes    = 1
	dwChildrenNo     = 0
)

// buildDebugInfo emits a single compilation unit containing one subprogram
// DIE named funcName spanning [codeAddr, codeAddr+codeSize), plus the
// .debug_abbrev table describing both DIEs' attribute lists.
func buildDebugInfo(funcName string, codeAddr, codeSize uint64) (info, abbrev []byte) {
	var ab bytes.Buffer
	// Abbrev code 1: DW_TAG_compile_unit, has children, no attributes beyond
	// a name so a reader can label the CU.
	writeULEB(&ab, 1)
	writeULEB(&ab, dwTagCompileUnit)
	ab.WriteByte(dwChildrenYes)
	writeULEB(&ab, dwAtName)
	writeULEB(&ab, dwFormString)
	ab.WriteByte(0) // attribute list terminator
	ab.WriteByte(0)

	// Abbrev code 2: DW_TAG_subprogram, no children, name + low_pc + high_pc.
	writeULEB(&ab, 2)
	writeULEB(&ab, dwTagSubprogram)
	ab.WriteByte(dwChildrenNo)
	writeULEB(&ab, dwAtName)
	writeULEB(&ab, dwFormString)
	writeULEB(&ab, dwAtLowPC)
	writeULEB(&ab, dwFormAddr)
	writeULEB(&ab, dwAtHighPC)
	writeULEB(&ab, dwFormData8)
	ab.WriteByte(0)
	ab.WriteByte(0)
	ab.WriteByte(0) // table terminator

	var body bytes.Buffer
	// Compile-unit DIE.
	writeULEB(&body, 1)
	body.WriteString("tcg")
	body.WriteByte(0)
	// Subprogram DIE.
	writeULEB(&body, 2)
	body.WriteString(funcName)
	body.WriteByte(0)
	binary.Write(&body, binary.LittleEndian, codeAddr)
	binary.Write(&body, binary.LittleEndian, codeSize)

	var cu bytes.Buffer
	unitLen := uint32(2 /*version*/ + 4 /*abbrev_offset*/ + 1 /*addr_size*/ + body.Len())
	binary.Write(&cu, binary.LittleEndian, unitLen)
	binary.Write(&cu, binary.LittleEndian, uint16(4)) // DWARF version 4
	binary.Write(&cu, binary.LittleEndian, uint32(0)) // abbrev_offset
	cu.WriteByte(8)                                   // address_size
	cu.Write(body.Bytes())

	return cu.Bytes(), ab.Bytes()
}

func writeULEB(w *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// --- GDB JIT interface: the process-wide descriptor and entry list ---

// ActionFlag matches the jit_actions_t enum GDB's jit reader switches on.
type ActionFlag uint32

const (
	jitNoAction ActionFlag = iota
	jitRegisterFn
	jitUnregisterFn
)

// CodeEntry is one node of the intrusive doubly-linked list GDB walks;
// SymfileAddr/SymfileSize describe the ELF image built by BuildImage.
type CodeEntry struct {
	Next, Prev  *CodeEntry
	SymfileAddr uintptr
	SymfileSize uint64

	// image keeps the ELF bytes alive for as long as this entry is
	// registered; SymfileAddr points at image[0].
	image []byte
}

// Descriptor mirrors struct jit_descriptor: the single process-wide root GDB
// locates (by symbol name, in a real cgo-linked build) to walk the entry
// list. version is fixed at 1 per the GDB JIT interface's own contract.
type Descriptor struct {
	mu            sync.Mutex
	version       uint32
	actionFlag    ActionFlag
	relevantEntry *CodeEntry
	firstEntry    *CodeEntry
}

var globalDescriptor = &Descriptor{version: 1}

// jitDebugRegisterCode is the breakpoint function: GDB's jit reader sets a
// breakpoint here and inspects globalDescriptor when it's hit. It is
// intentionally empty — the side effect a debugger observes is the
// descriptor state, not anything this function computes.
//
//go:noinline
func jitDebugRegisterCode() {}

// symfileAddr exposes the address of an in-process ELF image's first byte.
// A real GDB JIT reader dereferences SymfileAddr as a plain pointer, so the
// descriptor needs the actual backing address rather than a Go slice header.
func symfileAddr(img []byte) uintptr {
	if len(img) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&img[0]))
}

// Publish builds the ELF image for one finished translation block and links
// it into the process-wide GDB JIT descriptor under Descriptor.mu, then
// calls the breakpoint function. Per spec.md §4.J/§5, the descriptor must be
// fully populated *before* that call so an attached debugger never observes
// a half-linked entry.
func Publish(funcName string, codeAddr, codeSize uint64, cieFDE []byte, frameStartOff int) (*CodeEntry, error) {
	img, err := BuildImage(funcName, codeAddr, codeSize, cieFDE, frameStartOff)
	if err != nil {
		return nil, err
	}
	entry := &CodeEntry{
		SymfileAddr: uintptr(0), // set below once image is pinned
		SymfileSize: uint64(len(img)),
		image:       img,
	}
	entry.SymfileAddr = symfileAddr(entry.image)

	globalDescriptor.mu.Lock()
	entry.Next = globalDescriptor.firstEntry
	if globalDescriptor.firstEntry != nil {
		globalDescriptor.firstEntry.Prev = entry
	}
	globalDescriptor.firstEntry = entry
	globalDescriptor.relevantEntry = entry
	globalDescriptor.actionFlag = jitRegisterFn
	globalDescriptor.mu.Unlock()

	jitDebugRegisterCode()
	return entry, nil
}

// Unpublish removes entry from the descriptor list (e.g. a TB is discarded
// or its guest page is invalidated) and notifies the breakpoint function with
// jitUnregisterFn, mirroring the register half above.
func Unpublish(entry *CodeEntry) {
	globalDescriptor.mu.Lock()
	if entry.Prev != nil {
		entry.Prev.Next = entry.Next
	} else {
		globalDescriptor.firstEntry = entry.Next
	}
	if entry.Next != nil {
		entry.Next.Prev = entry.Prev
	}
	globalDescriptor.relevantEntry = entry
	globalDescriptor.actionFlag = jitUnregisterFn
	globalDescriptor.mu.Unlock()

	jitDebugRegisterCode()
}
