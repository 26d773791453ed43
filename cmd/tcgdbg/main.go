// Command tcgdbg is an interactive console for stepping a tcg pipeline:
// load a Lua script, run liveness and register allocation, then inspect
// the op list, dead/sync bitmasks, and allocator output one command at a
// time. Raw-mode line reading is grounded on the teacher's cmd/repl's
// term.MakeRaw + single-byte os.Stdin.Read loop, trimmed to plain line
// editing (no history arrow keys, no ZX Spectrum screen) since this console
// has nothing analogous to drive.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/minz/tcg/pkg/builder"
	"github.com/minz/tcg/pkg/helper"
	"github.com/minz/tcg/pkg/hostbackend/z80"
	"github.com/minz/tcg/pkg/liveness"
	"github.com/minz/tcg/pkg/luair"
	"github.com/minz/tcg/pkg/regalloc"
	"github.com/minz/tcg/pkg/tcgir"
	"github.com/minz/tcg/pkg/version"
)

const demoScript = `
a = tcg.const(3)
b = tcg.const(4)
dest = tcg.temp_new()
tcg.op("add", dest, a, b)
tcg.ret(dest)
`

type console struct {
	ctx      *tcgir.Context
	be       *z80.Backend
	b        *builder.Builder
	ev       *luair.Evaluator
	built    bool
	live     bool
	allocd   bool
	reader   *bufio.Reader
	oldState *term.State
}

func newConsole() *console {
	be := z80.New(0x8000, 0xC000)
	ctx := tcgir.NewContext()
	ctx.FuncStart(make([]byte, 4096), 4000)
	be.TargetInit(ctx)
	b := builder.New(ctx, be, helper.NewRegistry(nil))
	return &console{
		ctx:    ctx,
		be:     be,
		b:      b,
		ev:     luair.New(b, nil),
		reader: bufio.NewReader(os.Stdin),
	}
}

func (c *console) close() { c.ev.Close() }

func (c *console) run() {
	c.printBanner()
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if old, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			c.oldState = old
			defer c.restore()
		}
	}
	for {
		line := c.readLine()
		if line == nil {
			fmt.Println()
			return
		}
		cmd := strings.TrimSpace(*line)
		if cmd == "" {
			continue
		}
		if !c.dispatch(cmd) {
			return
		}
	}
}

func (c *console) restore() {
	if c.oldState != nil {
		term.Restore(int(os.Stdin.Fd()), c.oldState)
	}
}

// readLine reads one line with basic backspace/enter/ctrl-d/ctrl-c handling
// when stdin is a terminal, falling back to bufio.Reader otherwise (piped
// scripts, non-interactive CI runs).
func (c *console) readLine() *string {
	fmt.Print("tcgdbg> ")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil
		}
		s := strings.TrimRight(line, "\r\n")
		return &s
	}

	var line []rune
	for {
		var buf [1]byte
		n, err := os.Stdin.Read(buf[:])
		if err != nil || n == 0 {
			return nil
		}
		switch buf[0] {
		case 13, 10: // Enter
			fmt.Println()
			s := string(line)
			return &s
		case 3, 4: // Ctrl+C, Ctrl+D
			fmt.Println()
			return nil
		case 127, 8: // Backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Print("\b \b")
			}
		default:
			if buf[0] >= 32 && buf[0] < 127 {
				line = append(line, rune(buf[0]))
				fmt.Printf("%c", buf[0])
			}
		}
	}
}

func (c *console) printBanner() {
	fmt.Println("tcgdbg - step a translation block through liveness and register allocation")
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()
}

func (c *console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help", "/h":
		c.help()
	case "/quit", "/q":
		return false
	case "/load":
		if len(args) == 0 {
			c.load(demoScript)
			break
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("reading %s: %v\n", args[0], err)
			return true
		}
		c.load(string(data))
	case "/ops":
		c.dumpOps()
	case "/live":
		c.runLiveness()
	case "/alloc":
		c.runAlloc()
	case "/regs":
		c.dumpRegs()
	default:
		fmt.Printf("unknown command %q, try /help\n", cmd)
	}
	return true
}

func (c *console) help() {
	fmt.Println("/load [file]   build IR from a Lua script (no file: built-in demo)")
	fmt.Println("/ops           dump the current op list with dead/sync bitmasks")
	fmt.Println("/live          run liveness analysis over the loaded block")
	fmt.Println("/alloc         run register allocation (implies /live if not yet run)")
	fmt.Println("/regs          show the allocator's temp-to-register bindings")
	fmt.Println("/quit          exit")
}

func (c *console) load(script string) {
	if err := c.ev.Run(script); err != nil {
		fmt.Printf("script error: %v\n", err)
		return
	}
	c.built = true
	c.live = false
	c.allocd = false
	fmt.Printf("loaded %d temps, %d ops\n", len(c.ctx.Temps), len(c.ctx.Ops))
}

func (c *console) dumpOps() {
	if !c.built {
		fmt.Println("nothing loaded, try /load")
		return
	}
	for i := c.ctx.HeadOp; i != -1; i = c.ctx.Ops[i].Next {
		op := c.ctx.Ops[i]
		if op.IsRemoved() {
			continue
		}
		args := c.ctx.Params[op.ArgsBase : op.ArgsBase+op.NbArgs]
		fmt.Printf("%3d: %-10s args=%v dead=%04b sync=%02b\n", i, op.Opc, args, op.DeadArgs, op.SyncArgs)
	}
}

func (c *console) runLiveness() {
	if !c.built {
		fmt.Println("nothing loaded, try /load")
		return
	}
	liveness.Run(c.ctx, c.be)
	c.live = true
	fmt.Println("liveness done; dead/sync bitmasks now populated, see /ops")
}

func (c *console) runAlloc() {
	if !c.built {
		fmt.Println("nothing loaded, try /load")
		return
	}
	if !c.live {
		c.runLiveness()
	}
	if err := regalloc.New(c.ctx, c.be).Run(); err != nil {
		fmt.Printf("register allocation failed: %v\n", err)
		return
	}
	c.allocd = true
	fmt.Printf("allocation done, %d bytes emitted\n", c.ctx.CodePos)
}

func (c *console) dumpRegs() {
	if !c.allocd {
		fmt.Println("run /alloc first")
		return
	}
	for r, t := range c.ctx.RegToTemp {
		if t >= 0 {
			fmt.Printf("reg %d -> temp %d\n", r, t)
		}
	}
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version.GetFullVersion())
		return
	}
	c := newConsole()
	defer c.close()
	c.run()
}
