// Package amd64 implements the x86-64 relocation patch primitive (spec
// §4.5, §9): the one place R_X86_64_* constants are interpreted.
package amd64

import (
	"debug/elf"
	"fmt"

	"github.com/zboralski/dynld/internal/cursor"
)

// Patcher implements the same method set internal/reloc.Patcher declares,
// satisfied structurally — this package does not import internal/reloc, so
// internal/reloc can import this package without a cycle.
type Patcher struct{}

func New() Patcher { return Patcher{} }

func (Patcher) IsCopy(rtype uint32) bool {
	return elf.R_X86_64(rtype) == elf.R_X86_64_COPY
}

func (Patcher) Apply(target cursor.Cursor, targetVaddr uintptr, rtype uint32, value uintptr, size uint64, base uintptr, addend int64) error {
	switch elf.R_X86_64(rtype) {
	case elf.R_X86_64_64:
		target.WriteWord64(targetVaddr, uint64(int64(value)+addend))
	case elf.R_X86_64_PC32:
		pc := int64(target.Addr(targetVaddr))
		target.WriteWord32(targetVaddr, uint32(int64(value)+addend-pc))
	case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
		target.WriteWord64(targetVaddr, uint64(value))
	case elf.R_X86_64_RELATIVE:
		target.WriteWord64(targetVaddr, uint64(int64(base)+addend))
	case elf.R_X86_64_COPY:
		dst := target.Bytes(targetVaddr, int(size))
		src := cursor.Cursor{}.Bytes(value, int(size))
		copy(dst, src)
	default:
		return fmt.Errorf("amd64: unsupported relocation type %d", rtype)
	}
	return nil
}
