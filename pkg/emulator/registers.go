package emulator

// Registers is a snapshot of Z80 register state, used by execution-verification
// tests in pkg/hostbackend/z80 to compare a generated TB's post-run state
// against an independently-computed expected value.
type Registers struct {
	A, F   uint8
	BC     uint16
	DE     uint16
	HL     uint16
	IX, IY uint16
	SP, PC uint16
}
