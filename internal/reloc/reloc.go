// Package reloc implements the relocation driver: walk a
// relocation table, resolve each symbolic reference through
// internal/resolve, and dispatch to an architecture-specific patch
// primitive. The primitive is the only place architecture bleeds into this
// engine; one lives in internal/reloc/amd64 and one in internal/reloc/arm64,
// selected at runtime by For.
package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/zboralski/dynld/internal/cursor"
	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/reloc/amd64"
	"github.com/zboralski/dynld/internal/reloc/arm64"
	"github.com/zboralski/dynld/internal/resolve"
)

// Patcher is the architecture-specific patch primitive. IsCopy lets the driver apply §4.4's
// copy-relocation start rule before it ever resolves a symbol.
type Patcher interface {
	IsCopy(rtype uint32) bool
	Apply(target cursor.Cursor, targetVaddr uintptr, rtype uint32, value uintptr, size uint64, base uintptr, addend int64) error
}

// For returns the patch primitive for machine, or an error if this engine
// has no implementation for it.
func For(machine elf.Machine) (Patcher, error) {
	switch machine {
	case elf.EM_X86_64:
		return amd64.New(), nil
	case elf.EM_AARCH64:
		return arm64.New(), nil
	default:
		return nil, fmt.Errorf("reloc: unsupported machine %s", machine)
	}
}

// Sweep applies every not-yet-relocated record in list: PLT relocations first, then REL, then RELA, in that order, for
// each record, then marks the record relocated. Idempotent: records already
// relocated are skipped.
func Sweep(list *object.List) error {
	for i := 0; i < list.Len(); i++ {
		rec := list.At(i)
		if rec.Relocated() {
			continue
		}
		patcher, err := For(rec.Machine)
		if err != nil {
			return fmt.Errorf("reloc: record %q: %w", rec.Name, err)
		}

		pltStride := 2
		if elf.DynTag(rec.Dyn.Get(uintptr(elf.DT_PLTREL))) == elf.DT_RELA {
			pltStride = 3
		}
		if err := applyTable(list, rec, patcher,
			rec.Dyn.Get(uintptr(elf.DT_JMPREL)), rec.Dyn.Get(uintptr(elf.DT_PLTRELSZ)), pltStride); err != nil {
			return err
		}
		if err := applyTable(list, rec, patcher,
			rec.Dyn.Get(uintptr(elf.DT_REL)), rec.Dyn.Get(uintptr(elf.DT_RELSZ)), 2); err != nil {
			return err
		}
		if err := applyTable(list, rec, patcher,
			rec.Dyn.Get(uintptr(elf.DT_RELA)), rec.Dyn.Get(uintptr(elf.DT_RELASZ)), 3); err != nil {
			return err
		}
		rec.MarkRelocated()
	}
	return nil
}

const wordSize = 8

// applyTable drives one relocation table: tableVaddr/tableSize
// describe the table in rec's own address space; stride is 2 words for REL,
// 3 for RELA. tableVaddr==0 or tableSize==0 means the object has no such
// table, which is not an error.
func applyTable(list *object.List, rec *object.Record, patcher Patcher, tableVaddr, tableSize uintptr, stride int) error {
	if tableVaddr == 0 || tableSize == 0 {
		return nil
	}
	cur := rec.Cursor()
	entrySize := uintptr(stride * wordSize)

	for off := uintptr(0); off < tableSize; off += entrySize {
		rOffset := cur.ReadWord64(tableVaddr + off)
		rInfo := cur.ReadWord64(tableVaddr + off + wordSize)
		var addend int64
		if stride == 3 {
			addend = int64(cur.ReadWord64(tableVaddr + off + 2*wordSize))
		}

		rtype := uint32(rInfo)
		symIndex := rInfo >> 32

		var value uintptr
		var size uint64
		if symIndex != 0 {
			if int(symIndex) >= len(rec.Syms) {
				return fmt.Errorf("reloc: record %q: symbol index %d out of range", rec.Name, symIndex)
			}
			sym := rec.Syms[symIndex]
			name := cStringAt(rec.Strings, sym.Name)

			isCopy := patcher.IsCopy(rtype)
			start := resolve.StartFor(list, rec, isCopy)
			if res, ok := resolve.Find(list, start, name, true); ok {
				value = res.Value
				size = sym.Size
			}
		}

		if err := patcher.Apply(cur, uintptr(rOffset), rtype, value, size, rec.Base, addend); err != nil {
			return fmt.Errorf("reloc: record %q: %w", rec.Name, err)
		}
	}
	return nil
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
