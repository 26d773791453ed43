// Command tcgc is a batch driver for the tcg library: it loads a Lua script
// through pkg/luair, builds one translation block, runs it through
// pkg/liveness and pkg/regalloc against a chosen HostBackend, and executes
// the result. Grounded on the teacher's cmd/minzc/main.go Cobra structure
// (package-level flag variables, a single root command with Args/Run, an
// init() that wires flags, a compile-like function doing the real work) —
// retargeted from "compile a MinZ source file" to "assemble and run one TB".
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/codebuf"
	"github.com/minz/tcg/pkg/emulator"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/hostbackend/z80"
	"github.com/minz/tcg/pkg/liveness"
	"github.com/minz/tcg/pkg/luair"
	"github.com/minz/tcg/pkg/regalloc"
	"github.com/minz/tcg/pkg/tcgir"
	"github.com/minz/tcg/pkg/version"
)

var (
	backendName string
	originFlag  string
	frameFlag   string
	bufSize     int
	debug       bool
	showVersion bool
)

// demoScript runs when no script file is given: it computes (6+7)*2+2 purely
// in IR and returns the result in the backend's return register.
const demoScript = `
a = tcg.const(6)
b = tcg.const(7)
sum = tcg.temp_new()
tcg.op("add", sum, a, b)
two = tcg.const(2)
result = tcg.temp_new()
tcg.op("add", result, sum, sum)
tcg.op("add", result, result, two)
tcg.discard(two)
tcg.ret(result)
`

var rootCmd = &cobra.Command{
	Use:   "tcgc [script.lua]",
	Short: "Assemble and run one tcg translation block from a Lua script",
	Long: `tcgc builds a translation block by running a Lua script against the
tcg library's IR builder (see pkg/luair), runs it through liveness analysis
and register allocation for the chosen host backend, and executes the
result on a software emulator for that backend.

With no script argument, tcgc runs a small built-in demo program.

Backends:
  z80   Zilog Z80, HL/DE general-purpose pairs, IX as frame pointer (default)

Example:
  tcgc --origin 8000 --frame c000 examples/add.lua`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetFullVersion())
			return nil
		}
		script := demoScript
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}
			script = string(data)
		}
		return run(script)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&backendName, "backend", "b", "z80", "target host backend")
	rootCmd.Flags().StringVar(&originFlag, "origin", "8000", "code origin, hex, no 0x prefix")
	rootCmd.Flags().StringVar(&frameFlag, "frame", "c000", "frame base, hex, no 0x prefix")
	rootCmd.Flags().IntVar(&bufSize, "buf-size", 4096, "code buffer size in bytes")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "print pipeline stages")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show version")
}

func parseHex16(name, s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, s, err)
	}
	return uint16(v), nil
}

func run(script string) error {
	if backendName != "z80" {
		return fmt.Errorf("unknown backend %q (only \"z80\" is built in)", backendName)
	}
	origin, err := parseHex16("origin", originFlag)
	if err != nil {
		return err
	}
	frame, err := parseHex16("frame", frameFlag)
	if err != nil {
		return err
	}

	buf, err := codebuf.New(bufSize)
	if err != nil {
		return fmt.Errorf("allocating code buffer: %w", err)
	}
	defer buf.Close()

	be := z80.New(origin, frame)
	ctx := tcgir.NewContext()
	ctx.FuncStart(buf.Bytes(), bufSize-16)
	be.TargetInit(ctx)
	be.QemuPrologue(ctx) // loads IX with the --frame base ahead of the TB

	b := builder.New(ctx, be, helper.NewRegistry(nil))
	ev := luair.New(b, nil)
	defer ev.Close()

	if err := ev.Run(script); err != nil {
		return fmt.Errorf("running script: %w", err)
	}
	if debug {
		fmt.Fprintf(os.Stderr, "built %d temps, %d ops\n", len(ctx.Temps), len(ctx.Ops))
	}

	liveness.Run(ctx, be)
	if err := regalloc.New(ctx, be).Run(); err != nil {
		return fmt.Errorf("register allocation: %w", err)
	}
	if debug {
		fmt.Fprintf(os.Stderr, "emitted %d bytes at origin %#04x\n", ctx.CodePos, origin)
	}

	// Halt at the end of the block so the emulator has somewhere to stop;
	// the Z80 backend's OutTBFinalize does not itself emit a HALT since a
	// real TB chains into the next one instead of halting.
	const haltOpcode = 0x76
	buf.Bytes()[ctx.CodePos] = haltOpcode
	ctx.CodePos++

	if err := buf.Freeze(); err != nil {
		return fmt.Errorf("freezing code buffer: %w", err)
	}

	cpu := emulator.NewRemogattoZ80()
	if err := cpu.LoadMemory(origin, buf.Bytes()[:ctx.CodePos]); err != nil {
		return fmt.Errorf("loading generated code: %w", err)
	}
	cpu.SetPC(origin)
	if err := cpu.Run(); err != nil {
		return fmt.Errorf("running generated code: %w", err)
	}

	regs := cpu.GetRegisters()
	fmt.Printf("HL=%#04x DE=%#04x BC=%#04x SP=%#04x (%d T-states)\n",
		regs.HL, regs.DE, regs.BC, regs.SP, cpu.GetCycles())
	if traps := be.Traps(); len(traps) > 0 && debug {
		fmt.Fprintf(os.Stderr, "unresolved call traps: %v\n", traps)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
