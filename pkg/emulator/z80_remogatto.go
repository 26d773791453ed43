// Package emulator provides Z80 execution verification via remogatto/z80:
// code pkg/hostbackend/z80 generated is loaded into a flat 64K memory image
// and run to completion on this core, so tests can check a translation
// block's real computed result against an independently-written expected
// value instead of trusting the allocator's own bookkeeping alone.
package emulator

import (
	"fmt"

	"github.com/remogatto/z80"
)

// RemogattoZ80 wraps the remogatto/z80 core for one translation block's
// worth of execution: load the generated bytes, run from the entry point
// until it reaches the HALT every harness in this module appends to mark a
// TB's end, and read back registers.
type RemogattoZ80 struct {
	cpu    *z80.Z80
	memory *Memory
	ports  *Ports

	cycles int
	halted bool
}

// Memory implements z80.MemoryAccessor over a flat 64K array, with the
// bottom 16K write-protected as a stand-in ROM region so a stray
// IX-relative store can't silently corrupt low memory.
type Memory struct {
	data   [65536]byte
	romEnd uint16
}

func NewMemory() *Memory {
	return &Memory{romEnd: 0x4000}
}

func (m *Memory) ReadByte(address uint16) byte { return m.data[address] }

func (m *Memory) WriteByte(address uint16, value byte) {
	if address < m.romEnd {
		return
	}
	m.data[address] = value
}

// Required by z80.MemoryAccessor.
func (m *Memory) ReadByteInternal(address uint16) byte          { return m.ReadByte(address) }
func (m *Memory) WriteByteInternal(address uint16, value byte)  { m.WriteByte(address, value) }
func (m *Memory) ContendRead(address uint16, time int)          {}
func (m *Memory) ContendReadNoMreq(address uint16, time int)     {}
func (m *Memory) ContendReadNoMreq_loop(address uint16, time int, count uint) {}
func (m *Memory) ContendWriteNoMreq(address uint16, time int)   {}
func (m *Memory) ContendWriteNoMreq_loop(address uint16, time int, count uint) {}

func (m *Memory) Read(address uint16) byte { return m.ReadByte(address) }

func (m *Memory) Write(address uint16, value byte, protectROM bool) {
	if protectROM && address < m.romEnd {
		return
	}
	m.WriteByte(address, value)
}

func (m *Memory) Data() []byte { return m.data[:] }

// Ports implements z80.PortAccessor. No code this port emits ever executes
// IN/OUT, so ports read as a floating bus and writes are discarded; the
// type exists only to satisfy z80.NewZ80's constructor.
type Ports struct{}

func NewPorts() *Ports { return &Ports{} }

func (p *Ports) ReadPort(address uint16) byte { return 0xFF }
func (p *Ports) WritePort(address uint16, b byte) {}

// Required by z80.PortAccessor.
func (p *Ports) ReadPortInternal(address uint16, contend bool) byte    { return p.ReadPort(address) }
func (p *Ports) WritePortInternal(address uint16, b byte, contend bool) { p.WritePort(address, b) }
func (p *Ports) ContendPortPreio(address uint16)  {}
func (p *Ports) ContendPortPostio(address uint16) {}

// NewRemogattoZ80 builds a fresh core over a zeroed 64K memory image.
func NewRemogattoZ80() *RemogattoZ80 {
	memory := NewMemory()
	ports := NewPorts()
	cpu := z80.NewZ80(memory, ports)
	return &RemogattoZ80{cpu: cpu, memory: memory, ports: ports}
}

// LoadMemory copies data into the core's address space starting at address.
func (z *RemogattoZ80) LoadMemory(address uint16, data []byte) error {
	for i, b := range data {
		if int(address)+i >= 65536 {
			return fmt.Errorf("memory overflow at %04X", address+uint16(i))
		}
		z.memory.data[int(address)+i] = b
	}
	return nil
}

// Run executes instructions from the current PC until the CPU halts with
// interrupts disabled (IFF1 == 0; the harnesses in this module append a
// HALT after each TB and nothing they run enables interrupts), or a
// runaway-execution safety limit is hit.
func (z *RemogattoZ80) Run() error {
	for {
		if z.halted {
			return nil
		}
		z.cpu.DoOpcode()
		z.cycles += int(z.cpu.Tstates)

		if z.cpu.Halted && z.cpu.IFF1 == 0 {
			z.halted = true
			return nil
		}
		if z.cycles > 10000000 {
			return fmt.Errorf("execution limit exceeded")
		}
	}
}

// GetRegisters returns current register values.
func (z *RemogattoZ80) GetRegisters() Registers {
	return Registers{
		A:  z.cpu.A,
		F:  z.cpu.F,
		BC: z.cpu.BC(),
		DE: z.cpu.DE(),
		HL: z.cpu.HL(),
		IX: z.cpu.IX(),
		IY: z.cpu.IY(),
		SP: z.cpu.SP(),
		PC: z.cpu.PC(),
	}
}

// SetPC sets the program counter.
func (z *RemogattoZ80) SetPC(pc uint16) { z.cpu.SetPC(pc) }

// GetCycles returns total T-states executed.
func (z *RemogattoZ80) GetCycles() int { return z.cycles }

// IsHalted reports whether Run returned because the CPU halted with
// interrupts disabled.
func (z *RemogattoZ80) IsHalted() bool { return z.halted }
