// Package resolve implements the global symbol resolver:
// hash a name once, walk the object list from a given starting position,
// and return the first record whose symbol table has a matching, defined,
// acceptably-typed entry.
package resolve

import (
	"debug/elf"

	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/symhash"
)

// okTypes is the mask of symbol types this resolver will ever return,
// matching OK_TYPES in dynlink.c: STT_NOTYPE, STT_OBJECT, STT_FUNC,
// STT_COMMON. Anything else (STT_SECTION, STT_FILE, STT_TLS, ...) is never
// an acceptable resolution target.
const okTypes = 1<<elf.STT_NOTYPE | 1<<elf.STT_OBJECT | 1<<elf.STT_FUNC | 1<<elf.STT_COMMON

// Result is a successful resolution.
type Result struct {
	Record *object.Record
	Value  uintptr // record.Base + symbol value
	Size   uint64
}

// Find searches list starting at search-order position from (inclusive) for
// a symbol named name. needDef requires the symbol to have a non-zero
// section index (defined, not merely referenced). On exhaustion it returns
// ok=false; an absent symbol is not itself an error here. The relocation
// driver (internal/reloc) then applies the relocation with a zero value; it
// does not reject an absent symbol for any relocation type.
func Find(list *object.List, from int, name string, needDef bool) (Result, bool) {
	if from < 0 {
		from = 0
	}
	h := symhash.Hash(name)
	for i := from; i < list.Len(); i++ {
		rec := list.At(i)
		sym, ok := rec.Hash.Lookup(name, h)
		if !ok {
			continue
		}
		if needDef && sym.Shndx == 0 {
			continue
		}
		if sym.Value == 0 {
			continue
		}
		if 1<<(sym.Info&0xf)&okTypes == 0 {
			continue
		}
		return Result{Record: rec, Value: rec.Base + uintptr(sym.Value), Size: sym.Size}, true
	}
	return Result{}, false
}

// StartFor returns the search-order index a relocation in requestor should
// start its lookup from: requestor's own position for ordinary relocations,
// or the position right after it for copy relocations.
func StartFor(list *object.List, requestor *object.Record, isCopy bool) int {
	idx := list.IndexOf(requestor)
	if idx < 0 {
		return 0
	}
	if isCopy {
		return idx + 1
	}
	return idx
}
