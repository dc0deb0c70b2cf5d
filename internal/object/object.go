// Package object holds the loaded-image data model: the per-object Record
// and the List that threads every loaded Record into the global
// search order. A real ld.so threads Records through an intrusive doubly
// linked list; here, per the design notes, Records live in a stable-index
// arena and the search order is a plain []int of indices, so the rest of
// the engine never touches a raw pointer to walk the list.
package object

import (
	"debug/elf"
	"fmt"

	"github.com/zboralski/dynld/internal/cursor"
	"github.com/zboralski/dynld/internal/decode"
	"github.com/zboralski/dynld/internal/symhash"
)

// DynCount bounds the dense dynamic-tag array; it must exceed the highest
// DT_* tag this engine consumes (DT_JMPREL=23) with headroom for tags it
// ignores, matching the 34-entry table musl's ld.so decodes into.
const DynCount = 34

// State is a Record's position in the monotonic lifecycle
// unlisted -> listed,not_relocated -> listed,relocated.
type State int

const (
	Unlisted State = iota
	Listed
	Relocated
)

// DevIno identifies a backing file for locator deduplication.
type DevIno struct {
	Dev, Ino uint64
}

// Record is one loaded image.
type Record struct {
	ID   int
	Name string

	Base uintptr

	MapAddr uintptr
	MapLen  uintptr
	mapping []byte // nil for synthetic, embedder-provided records

	DynVec []uintptr  // raw flattened (tag,value) pairs, terminated by a zero tag
	Dyn    decode.Vec // decoded dense view of DynVec

	Syms    []elf.Sym64
	Strings []byte
	Hash    symhash.Table

	DevIno DevIno

	RefCnt int
	Global bool

	state State

	Machine elf.Machine
	Entry   uintptr
}

// Relocated reports whether the record has made its one-shot transition to
// immutable. Invariant 4: once true it never again becomes false.
func (r *Record) Relocated() bool { return r.state == Relocated }

// MarkRelocated performs the one-shot state transition. Calling it twice is
// a caller bug; it panics rather than silently re-running a relocation
// sweep against an immutable record.
func (r *Record) MarkRelocated() {
	if r.state == Relocated {
		panic(fmt.Sprintf("object: record %q already relocated", r.Name))
	}
	r.state = Relocated
}

// Cursor returns the address-translation cursor for this record's base.
func (r *Record) Cursor() cursor.Cursor { return cursor.Cursor{Base: r.Base} }

// Unmap releases the record's backing mapping, if it owns one. Synthetic
// records (the embedder-injected reserved-name provider, or test fixtures)
// return nil.
func (r *Record) Unmap(unmap func(addr, length uintptr) error) error {
	if r.mapping == nil || unmap == nil {
		return nil
	}
	err := unmap(r.MapAddr, r.MapLen)
	r.mapping = nil
	return err
}

// SetMapping records the backing mapping so Unmap can later release it.
// Called once by the locator/mapper right after a successful map.
func (r *Record) SetMapping(b []byte) { r.mapping = b }

// SetDynVec re-decodes the record's dynamic vector from rawPairs. The
// locator calls this once a freshly mapped object's DT_* vaddr is known —
// New decodes eagerly, before that address exists for a record still being
// constructed from a fresh mapping.
func (r *Record) SetDynVec(rawPairs []uintptr) {
	r.DynVec = rawPairs
	r.Dyn = decode.Decode(rawPairs, DynCount)
}

// New constructs a Record and decodes its dynamic vector via the shared
// decode.Decode — the dense-decode law applies here
// exactly as it does to the auxiliary vector.
func New(name string, base uintptr, rawDynPairs []uintptr) *Record {
	return &Record{
		Name:   name,
		Base:   base,
		DynVec: rawDynPairs,
		Dyn:    decode.Decode(rawDynPairs, DynCount),
		Global: true,
	}
}

// LoadTables reads the object's symbol table, string table, and hash table
// out of live mapped memory using cur, following the dynamic tags already
// decoded into r.Dyn. This is the only place that infers the dynamic symbol
// count from the SysV hash table's nchain field, per convention (SysV .hash
// carries the symbol count implicitly; there is no separate DT_SYMTABSZ).
func (r *Record) LoadTables(cur cursor.Cursor) error {
	if !r.Dyn.Has(uintptr(elf.DT_HASH)) {
		return fmt.Errorf("object %q: dynamic section has no DT_HASH", r.Name)
	}
	if !r.Dyn.Has(uintptr(elf.DT_SYMTAB)) || !r.Dyn.Has(uintptr(elf.DT_STRTAB)) {
		return fmt.Errorf("object %q: dynamic section missing DT_SYMTAB/DT_STRTAB", r.Name)
	}

	hashVaddr := r.Dyn.Get(uintptr(elf.DT_HASH))
	header := cur.Bytes(hashVaddr, 8)
	nbucket := le32(header[0:4])
	nchain := le32(header[4:8])
	hashBytes := cur.Bytes(hashVaddr, 8+4*(nbucket+nchain))

	symVaddr := r.Dyn.Get(uintptr(elf.DT_SYMTAB))
	r.Syms = symSlice(cur, symVaddr, nchain)

	strVaddr := r.Dyn.Get(uintptr(elf.DT_STRTAB))
	strSize := 0
	if r.Dyn.Has(uintptr(elf.DT_STRSZ)) {
		strSize = int(r.Dyn.Get(uintptr(elf.DT_STRSZ)))
	}
	if strSize <= 0 {
		// No DT_STRSZ (unusual, but tolerated): fall back to a generous
		// bound so symbol-name lookups inside the table still work.
		strSize = 1 << 20
	}
	r.Strings = cur.Bytes(strVaddr, strSize)

	tbl, ok := symhash.DecodeTable(hashBytes, r.Syms, r.Strings)
	if !ok {
		return fmt.Errorf("object %q: malformed SysV hash table", r.Name)
	}
	r.Hash = tbl
	return nil
}

func le32(b []byte) int {
	return int(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// symSlice is declared as a distinct helper (rather than inlined into
// LoadTables) purely so the unsafe cast has one obvious call site to audit.
func symSlice(cur cursor.Cursor, vaddr uintptr, count int) []elf.Sym64 {
	if count <= 0 {
		return nil
	}
	const sym64Size = 24
	raw := cur.Bytes(vaddr, count*sym64Size)
	out := make([]elf.Sym64, count)
	for i := range out {
		b := raw[i*sym64Size : (i+1)*sym64Size]
		out[i] = elf.Sym64{
			Name:  leU32(b[0:4]),
			Info:  b[4],
			Other: b[5],
			Shndx: leU16(b[6:8]),
			Value: leU64(b[8:16]),
			Size:  leU64(b[16:24]),
		}
	}
	return out
}

func leU32(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24 }
func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU64(b []byte) uint64 {
	return uint64(leU32(b[0:4])) | uint64(leU32(b[4:8]))<<32
}
