// Package symhash implements the SysV ELF symbol hash function and the
// chained-bucket lookup it indexes.
package symhash

import "debug/elf"

// Hash computes the SysV ELF hash of s:
// h = 16*h + c, XORing bits 28-31 back into bits 4-7 after each step,
// masked to 28 bits. Hash("") == 0 and the function is total over byte
// strings — there is no input on which it can fail.
func Hash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = 16*h + uint32(s[i])
		h ^= (h >> 24) & 0xf0
	}
	return h & 0x0fffffff
}

// Table is a SysV .hash section decoded into its bucket/chain form, plus the
// symbol and string tables it indexes.
type Table struct {
	Buckets []uint32
	Chain   []uint32
	Syms    []elf.Sym64
	Strings []byte
}

// DecodeTable interprets raw as a SysV .hash section: nbucket, nchain,
// bucket[nbucket], chain[nchain], each a 4-byte little-endian word.
func DecodeTable(raw []byte, syms []elf.Sym64, strings []byte) (Table, bool) {
	if len(raw) < 8 {
		return Table{}, false
	}
	nbucket := le32(raw[0:4])
	nchain := le32(raw[4:8])
	need := 8 + 4*(int(nbucket)+int(nchain))
	if need < 8 || len(raw) < need {
		return Table{}, false
	}
	buckets := make([]uint32, nbucket)
	for i := range buckets {
		off := 8 + 4*i
		buckets[i] = le32(raw[off : off+4])
	}
	chain := make([]uint32, nchain)
	for i := range chain {
		off := 8 + 4*int(nbucket) + 4*i
		chain[i] = le32(raw[off : off+4])
	}
	return Table{Buckets: buckets, Chain: chain, Syms: syms, Strings: strings}, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Lookup walks the hash chain for name (whose hash is h, computed once by the
// caller and shared across every object consulted) and returns the first
// symbol whose name string-compares equal, or ok=false.
func (t Table) Lookup(name string, h uint32) (sym elf.Sym64, ok bool) {
	if len(t.Buckets) == 0 {
		return elf.Sym64{}, false
	}
	for i := t.Buckets[h%uint32(len(t.Buckets))]; i != 0; {
		if int(i) >= len(t.Syms) {
			return elf.Sym64{}, false
		}
		s := t.Syms[i]
		if strAt(t.Strings, s.Name) == name {
			return s, true
		}
		if int(i) >= len(t.Chain) {
			return elf.Sym64{}, false
		}
		i = t.Chain[i]
	}
	return elf.Sym64{}, false
}

func strAt(strings []byte, off uint32) string {
	if int(off) >= len(strings) {
		return ""
	}
	end := int(off)
	for end < len(strings) && strings[end] != 0 {
		end++
	}
	return string(strings[off:end])
}
