// Package verify implements the execution verifier: rather than trusting that a relocation driver "computed the
// right value," map every relocated record's live mapping into a Unicorn CPU
// context at the exact addresses this process already mapped them at, and
// run a bounded number of instructions from the resolved entry point. A
// relocation whose patched word is wrong typically manifests as a fault
// (branch into unmapped memory, an unresolved GOT slot dereferenced as a
// pointer) within the first few thousand instructions, which is a much
// stronger proof than "the driver returned no error."
//
// It drives a Unicorn CPU context directly: NewUnicorn, MemMap a region,
// HookAdd(HOOK_CODE, ...) to bound and observe execution, Start/Stop. What a
// dynamic loader's verifier needs is the record list's real mapped bytes at
// their real addresses and a stack, nothing more — no mocked runtime
// environment, no instrumentation beyond an instruction counter.
package verify

import (
	"debug/elf"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/dynld/internal/cursor"
	"github.com/zboralski/dynld/internal/object"
)

// stackSize is the scratch stack mapped for the verifier run. It lives at a
// fixed high address chosen to avoid the address ranges ELF images are
// ordinarily mapped at by the kernel's mmap allocator.
const (
	stackBase = 0x00007f0000000000
	stackSize = 1 << 20 // 1MB
)

// Report is the outcome of verifying one Bootstrap result.
type Report struct {
	Machine          string
	EntryPoint       uint64
	InstructionCount int
	Faulted          bool
	FaultDetail      string
	FinalPC          uint64
	FinalSP          uint64
}

// List is the subset of *object.List the verifier needs: every mapped
// record's live bytes and address range, plus the entry point and target
// machine taken from the head (application) record.
type List interface {
	Len() int
	At(i int) *object.Record
	Head() *object.Record
}

// Run maps every record in list that owns a real mapping into a fresh
// Unicorn CPU context at its actual process address, seeds a scratch stack,
// and executes up to maxInsn instructions starting at the application's
// entry point. maxInsn<=0 defaults to 2000.
func Run(list List, maxInsn int) (*Report, error) {
	if maxInsn <= 0 {
		maxInsn = 2000
	}
	app := list.Head()
	if app == nil {
		return nil, fmt.Errorf("verify: empty object list")
	}

	arch, mode, pcReg, spReg, err := archParams(app.Machine)
	if err != nil {
		return nil, err
	}

	mu, err := uc.NewUnicorn(arch, mode)
	if err != nil {
		return nil, fmt.Errorf("verify: create unicorn context: %w", err)
	}
	defer mu.Close()

	if err := mu.MemMap(stackBase, stackSize); err != nil {
		return nil, fmt.Errorf("verify: map stack: %w", err)
	}
	sp := uint64(stackBase + stackSize - 0x1000)
	if err := mu.RegWrite(spReg, sp); err != nil {
		return nil, fmt.Errorf("verify: set stack pointer: %w", err)
	}

	for i := 0; i < list.Len(); i++ {
		rec := list.At(i)
		if rec.MapLen == 0 {
			continue // synthetic/provider record: nothing to map
		}
		if err := mu.MemMap(uint64(rec.MapAddr), uint64(rec.MapLen)); err != nil {
			return nil, fmt.Errorf("verify: map %q at %#x: %w", rec.Name, rec.MapAddr, err)
		}
		// The mapping already lives at rec.MapAddr in this very process (it is
		// how image.Map laid it out); reading it back through an absolute
		// cursor and writing it into the Unicorn context reproduces exactly
		// the post-relocation bytes, GOT/PLT patches included.
		live := cursor.Cursor{}.Bytes(rec.MapAddr, int(rec.MapLen))
		if err := mu.MemWrite(uint64(rec.MapAddr), live); err != nil {
			return nil, fmt.Errorf("verify: load %q into unicorn: %w", rec.Name, err)
		}
	}

	report := &Report{
		Machine:    app.Machine.String(),
		EntryPoint: uint64(app.Entry),
	}

	_, hookErr := mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, _ uint32) {
		report.InstructionCount++
		if report.InstructionCount >= maxInsn {
			mu.Stop()
		}
	}, 1, 0)
	if hookErr != nil {
		return nil, fmt.Errorf("verify: install instruction hook: %w", hookErr)
	}

	startErr := mu.Start(uint64(app.Entry), 0)
	if startErr != nil {
		report.Faulted = true
		report.FaultDetail = startErr.Error()
	}

	if pc, err := mu.RegRead(pcReg); err == nil {
		report.FinalPC = pc
	}
	if spVal, err := mu.RegRead(spReg); err == nil {
		report.FinalSP = spVal
	}

	return report, nil
}

// archParams maps an ELF machine to the Unicorn arch/mode pair and the
// program-counter/stack-pointer register identifiers this package needs.
// Unsupported machines are a verifier-construction error, not a fault —
// matching internal/reloc.For's "unsupported machine is fatal" policy.
func archParams(machine elf.Machine) (arch, mode, pcReg, spReg int, err error) {
	switch machine {
	case elf.EM_X86_64:
		return uc.ARCH_X86, uc.MODE_64, uc.X86_REG_RIP, uc.X86_REG_RSP, nil
	case elf.EM_AARCH64:
		return uc.ARCH_ARM64, uc.MODE_ARM, uc.ARM64_REG_PC, uc.ARM64_REG_SP, nil
	default:
		return 0, 0, 0, 0, fmt.Errorf("verify: unsupported machine %s", machine)
	}
}
