// Package arm64 implements the AArch64 relocation patch primitive (spec
// §4.5, §9): the one place R_AARCH64_* constants are interpreted.
package arm64

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
	return elf.R_AARCH64(rtype) == elf.R_AARCH64_COPY
}

func (Patcher) Apply(target cursor.Cursor, targetVaddr uintptr, rtype uint32, value uintptr, size uint64, base uintptr, addend int64) error {
	switch elf.R_AARCH64(rtype) {
	case elf.R_AARCH64_ABS64:
		target.WriteWord64(targetVaddr, uint64(int64(value)+addend))
	case elf.R_AARCH64_PREL32:
		pc := int64(target.Addr(targetVaddr))
		target.WriteWord32(targetVaddr, uint32(int64(value)+addend-pc))
	case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
		target.WriteWord64(targetVaddr, uint64(value))
	case elf.R_AARCH64_RELATIVE:
		target.WriteWord64(targetVaddr, uint64(int64(base)+addend))
	case elf.R_AARCH64_COPY:
		dst := target.Bytes(targetVaddr, int(size))
		src := cursor.Cursor{}.Bytes(value, int(size))
		copy(dst, src)
	default:
		return fmt.Errorf("arm64: unsupported relocation type %d", rtype)
	}
	return nil
}
