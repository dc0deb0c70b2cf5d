// Package cursor is the single unsafe surface through which every other
// package turns a (record base, virtual address) pair into a live memory
// access. Keeping every raw pointer conversion behind this one type is the
// "typed image cursor" the design notes call for, so the rest of the engine
// can stay in ordinary, safe Go.
package cursor

import "unsafe"

const wordSize = unsafe.Sizeof(uintptr(0))

// Cursor converts virtual addresses declared inside a mapped object into
// live pointers by adding the object's runtime base. A zero-value Cursor is
// valid for a fixed-base (base==0) object.
type Cursor struct {
	Base uintptr
}

// Addr returns the runtime address for a virtual address declared in the
// object's own address space.
func (c Cursor) Addr(vaddr uintptr) uintptr {
	return c.Base + vaddr
}

func (c Cursor) ptr(vaddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(c.Addr(vaddr)) //nolint:govet // narrow, intentional unsafe surface
}

// Bytes returns a live (non-copying) view of n bytes starting at vaddr.
// The caller is responsible for n coming from a trustworthy bound (a
// DT_STRSZ, a section size, ...); this function performs no validation of
// its own, by design — it is the one place that does the pointer
// arithmetic, not the one place that enforces bounds.
func (c Cursor) Bytes(vaddr uintptr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(c.ptr(vaddr)), n)
}

// Words returns a live view of n machine words (uintptr-sized) starting at
// vaddr, used for (tag, value) pair vectors and GOT-style slots.
func (c Cursor) Words(vaddr uintptr, n int) []uintptr {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(c.ptr(vaddr)), n)
}

// ReadPairTags reads a null-tag-terminated sequence of (tag, value) pairs
// starting at vaddr and returns it flattened, exactly the shape
// internal/decode.Decode expects. The length isn't known up front (that's
// the entire point of a terminator), so this is the one place that must
// walk memory an entry at a time rather than slicing a known extent.
func (c Cursor) ReadPairTags(vaddr uintptr) []uintptr {
	var out []uintptr
	addr := c.Addr(vaddr)
	for {
		tag := *(*uintptr)(unsafe.Pointer(addr))
		val := *(*uintptr)(unsafe.Pointer(addr + wordSize))
		out = append(out, tag, val)
		if tag == 0 {
			return out
		}
		addr += 2 * wordSize
	}
}

// ReadWord64 reads one 64-bit word at vaddr.
func (c Cursor) ReadWord64(vaddr uintptr) uint64 {
	return *(*uint64)(c.ptr(vaddr))
}

// WriteWord64 patches one 64-bit word at vaddr. Called only by the
// relocation driver, and only before the owning record is marked relocated.
func (c Cursor) WriteWord64(vaddr uintptr, v uint64) {
	*(*uint64)(c.ptr(vaddr)) = v
}

// WriteWord32 patches one 32-bit word at vaddr (for relocation types that
// write a narrower field than a full pointer).
func (c Cursor) WriteWord32(vaddr uintptr, v uint32) {
	*(*uint32)(c.ptr(vaddr)) = v
}
