// Command dynld is the CLI front end for the load/resolve/relocate engine:
// inspect a shared object's loaded symbol table and
// search order, drive a full bootstrap and report the resolved entry point,
// or run the execution verifier against it.
package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/dynld/internal/config"
	"github.com/zboralski/dynld/internal/engine"
	"github.com/zboralski/dynld/internal/ldlog"
	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/ui/colorize"
	"github.com/zboralski/dynld/internal/verify"
)

var (
	debug      bool
	configPath string
	tui        bool
	maxInsn    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynld",
		Short: "Inspect and drive the ELF dynamic loader/link-editor engine",
		Long: `dynld loads an ELF executable the same way a process's own
interpreter would: map it and every object its DT_NEEDED closure pulls in,
resolve every symbolic relocation against the global search order, and patch
the relocated words — without ever exec'ing the target.`,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "verbose structured logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config overriding search path / reserved names")

	inspectCmd := &cobra.Command{
		Use:   "inspect <binary>",
		Short: "Bootstrap a target and print its object list, search order, and symbol tables",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().BoolVar(&tui, "tui", false, "browse the object list interactively")
	rootCmd.AddCommand(inspectCmd)

	loadCmd := &cobra.Command{
		Use:   "load <binary>",
		Short: "Run the full bootstrap sequence and print the resolved entry point",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
	rootCmd.AddCommand(loadCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <binary>",
		Short: "Bootstrap, then execute the relocated image in a CPU emulator to confirm it runs",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().IntVarP(&maxInsn, "num", "n", 2000, "max instructions to execute")
	rootCmd.AddCommand(verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func bootstrap(path string) (*engine.Engine, error) {
	var opts []engine.Option
	if debug {
		opts = append(opts, engine.WithLogger(ldlog.New(true)))
	}
	if provider, err := engine.LoadSystemProvider(); err == nil {
		opts = append(opts, engine.WithProvider(provider))
	} else if debug {
		fmt.Fprintln(os.Stderr, colorize.Detail(fmt.Sprintf("no system libc provider: %v", err)))
	}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cfg.EngineOptions()...)
	}
	return engine.Bootstrap(path, opts...)
}

func runLoad(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(args[0])
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Printf("%s  trace=%s\n", colorize.Header("bootstrap complete"), eng.TraceID())
	fmt.Printf("  entry point:  %s\n", colorize.Address(uint64(eng.EntryPoint())))
	fmt.Printf("  trust_env:    %v\n", eng.TrustEnv())
	fmt.Printf("  objects:      %d\n", eng.List().Len())

	for i := 0; i < eng.List().Len(); i++ {
		rec := eng.List().At(i)
		fmt.Printf("    %s  %-24s base=%s relocs(plt/rel/rela)=%d/%d/%d\n",
			colorize.Detail(fmt.Sprintf("[%d]", i)),
			rec.Name,
			colorize.Address(uint64(rec.Base)),
			relocCount(rec, elf.DT_JMPREL, elf.DT_PLTRELSZ, pltStride(rec)),
			relocCount(rec, elf.DT_REL, elf.DT_RELSZ, 2),
			relocCount(rec, elf.DT_RELA, elf.DT_RELASZ, 3),
		)
	}
	return nil
}

func pltStride(rec *object.Record) int {
	if elf.DynTag(rec.Dyn.Get(uintptr(elf.DT_PLTREL))) == elf.DT_RELA {
		return 3
	}
	return 2
}

func relocCount(rec *object.Record, tableTag, sizeTag elf.DynTag, stride int) int {
	size := rec.Dyn.Get(uintptr(sizeTag))
	if size == 0 || rec.Dyn.Get(uintptr(tableTag)) == 0 {
		return 0
	}
	return int(size) / (stride * 8)
}

func runInspect(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(args[0])
	if err != nil {
		return err
	}
	defer eng.Close()

	if tui {
		return runTUI(eng)
	}

	fmt.Printf("%s\n", colorize.Header(fmt.Sprintf("object search order (%d)", eng.List().Len())))
	for i := 0; i < eng.List().Len(); i++ {
		rec := eng.List().At(i)
		fmt.Printf("%s %-24s base=%s machine=%s symbols=%d refcnt=%d\n",
			colorize.Detail(fmt.Sprintf("[%d]", i)),
			rec.Name,
			colorize.Address(uint64(rec.Base)),
			rec.Machine,
			len(rec.Syms),
			rec.RefCnt,
		)
	}

	app := eng.List().Head()
	fmt.Printf("\n%s\n", colorize.Header("entry point disassembly"))
	printDisasm(app)

	fmt.Printf("\n%s\n", colorize.Header("resolved symbols (defined, demangled)"))
	for _, sym := range app.Syms {
		if sym.Shndx == 0 || sym.Value == 0 {
			continue
		}
		name := cStringAt(app.Strings, sym.Name)
		if name == "" {
			continue
		}
		fmt.Printf("  %s  %s\n", colorize.Address(sym.Value), colorize.FuncName(demangle.Filter(name)))
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(args[0])
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := verify.Run(eng.List(), maxInsn)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", colorize.Header("execution verification"))
	fmt.Printf("  machine:      %s\n", report.Machine)
	fmt.Printf("  entry:        %s\n", colorize.Address(report.EntryPoint))
	fmt.Printf("  instructions: %d\n", report.InstructionCount)
	if report.Faulted {
		fmt.Printf("  result:       %s (%s)\n", colorize.Error("faulted"), report.FaultDetail)
	} else {
		fmt.Printf("  result:       ran to instruction budget without faulting\n")
	}
	fmt.Printf("  final pc:     %s\n", colorize.Address(report.FinalPC))
	fmt.Printf("  final sp:     %s\n", colorize.Address(report.FinalSP))
	return nil
}

// printDisasm decodes the first few instructions at rec's entry point using
// the architecture-appropriate x/arch decoder, covering both x86-64 and
// AArch64 targets.
func printDisasm(rec *object.Record) {
	const window = 64
	const maxLines = 16
	code := readEntryBytes(rec, window)
	if code == nil {
		fmt.Println("  (entry point not in a readable segment)")
		return
	}

	off := 0
	for line := 0; line < maxLines && off < len(code)-4; line++ {
		addr := uint64(rec.Entry) + uint64(off)
		switch rec.Machine {
		case elf.EM_AARCH64:
			inst, err := arm64asm.Decode(code[off:])
			if err != nil {
				fmt.Printf("  %s  .word\n", colorize.Address(addr))
				off += 4
				continue
			}
			fmt.Printf("  %s  %s\n", colorize.Address(addr), colorize.Instruction(inst.String()))
			off += 4
		case elf.EM_X86_64:
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil || inst.Len == 0 {
				fmt.Printf("  %s  .byte\n", colorize.Address(addr))
				off++
				continue
			}
			fmt.Printf("  %s  %s\n", colorize.Address(addr), colorize.Instruction(x86asm.GNUSyntax(inst, addr, nil)))
			off += inst.Len
		default:
			fmt.Printf("  (no disassembler for %s)\n", rec.Machine)
			return
		}
	}
}

func readEntryBytes(rec *object.Record, n int) (out []byte) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return rec.Cursor().Bytes(rec.Entry-rec.Base, n)
}

func cStringAt(strings []byte, off uint32) string {
	i := int(off)
	if i >= len(strings) {
		return ""
	}
	end := i
	for end < len(strings) && strings[end] != 0 {
		end++
	}
	return string(strings[i:end])
}
