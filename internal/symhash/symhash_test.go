package symhash

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestHashAgreement(t *testing.T) {
	if got := Hash(""); got != 0 {
		t.Errorf("Hash(\"\") = %#x, want 0", got)
	}
	if got := Hash("printf"); got != 0x077905a6 {
		t.Errorf("Hash(\"printf\") = %#x, want 0x077905a6", got)
	}
	if Hash("printf") != Hash("printf") {
		t.Errorf("Hash must be pure/repeatable")
	}
}

func buildHash(nbucket uint32, chain []uint32, buckets []uint32) []byte {
	buf := make([]byte, 8+4*int(nbucket)+4*len(chain))
	binary.LittleEndian.PutUint32(buf[0:4], nbucket)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(chain)))
	for i, b := range buckets {
		binary.LittleEndian.PutUint32(buf[8+4*i:], b)
	}
	base := 8 + 4*int(nbucket)
	for i, c := range chain {
		binary.LittleEndian.PutUint32(buf[base+4*i:], c)
	}
	return buf
}

func mkStrings(names ...string) ([]byte, []uint32) {
	var strs []byte
	strs = append(strs, 0) // index 0 is the empty string (STN_UNDEF's name)
	offs := make([]uint32, len(names))
	for i, n := range names {
		offs[i] = uint32(len(strs))
		strs = append(strs, n...)
		strs = append(strs, 0)
	}
	return strs, offs
}

func TestLookup(t *testing.T) {
	strs, offs := mkStrings("foo", "bar")
	syms := []elf.Sym64{
		{}, // STN_UNDEF
		{Name: offs[0], Value: 0x1000, Info: uint8(elf.STT_FUNC)},
		{Name: offs[1], Value: 0x2000, Info: uint8(elf.STT_OBJECT)},
	}
	// single bucket, chain 1 -> 2 -> 0
	raw := buildHash(1, []uint32{0, 2, 0}, []uint32{1})
	tbl, ok := DecodeTable(raw, syms, strs)
	if !ok {
		t.Fatal("DecodeTable failed")
	}

	sym, ok := tbl.Lookup("bar", Hash("bar"))
	if !ok {
		t.Fatal("expected to find bar")
	}
	if sym.Value != 0x2000 {
		t.Errorf("bar value = %#x, want 0x2000", sym.Value)
	}

	if _, ok := tbl.Lookup("missing", Hash("missing")); ok {
		t.Errorf("unexpected hit for absent symbol")
	}
}

func TestDecodeTableTooShort(t *testing.T) {
	if _, ok := DecodeTable([]byte{1, 2, 3}, nil, nil); ok {
		t.Errorf("expected failure decoding a truncated hash section")
	}
}
