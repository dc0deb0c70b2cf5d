package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/zboralski/dynld/internal/decode"
	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/symhash"
)

// newSyntheticRecord builds a Record whose whole address space is a Go byte
// slice (so Cursor's pointer arithmetic lands in real, writable memory),
// with one exported symbol "answer". It writes no relocation table; callers
// lay out their own in the returned buffer.
func newSyntheticRecord(t *testing.T, name string, exportValue uint64) (*object.Record, []byte) {
	t.Helper()
	buf := make([]byte, 0x10000)

	const (
		strOff = 0x1000
		symOff = 0x2000
	)
	copy(buf[strOff:], "\x00answer\x00")
	nameOff := uint32(1)

	putSym := func(i int, name uint32, value uint64) {
		b := buf[symOff+i*24:]
		binary.LittleEndian.PutUint32(b[0:4], name)
		b[4] = uint8(elf.STT_FUNC)
		binary.LittleEndian.PutUint16(b[6:8], 1)
		binary.LittleEndian.PutUint64(b[8:16], value)
	}
	putSym(0, 0, 0)
	putSym(1, nameOff, exportValue)

	base := uintptr(unsafe.Pointer(&buf[0]))
	r := object.New(name, base, nil)
	r.Syms = []elf.Sym64{{}, {Name: nameOff, Value: exportValue, Shndx: 1, Info: uint8(elf.STT_FUNC)}}
	r.Strings = buf[strOff:]
	tbl, ok := symhash.DecodeTable(buildHash(), r.Syms, r.Strings)
	if !ok {
		t.Fatalf("buildHash produced an invalid table")
	}
	r.Hash = tbl
	r.Machine = elf.EM_X86_64
	return r, buf
}

func buildHash() []byte {
	raw := make([]byte, 8+4*1+4*2)
	binary.LittleEndian.PutUint32(raw[0:4], 1)
	binary.LittleEndian.PutUint32(raw[4:8], 2)
	binary.LittleEndian.PutUint32(raw[8:12], 1)
	binary.LittleEndian.PutUint32(raw[12:16], 0)
	binary.LittleEndian.PutUint32(raw[16:20], 0)
	return raw
}

// TestSweepAppliesRelativeAndSymbolicRelocations exercises the E2-style
// shape: a requesting object's own relocations search forward from
// its own position in the global list, so "provider" must be loaded *after*
// "requester" for requester's symbolic relocation to find it — matching
// do_relocs's ctx=dso (not ctx=head) search start.
func TestSweepAppliesRelativeAndSymbolicRelocations(t *testing.T) {
	requester, reqBuf := newSyntheticRecord(t, "requester", 0)
	provider, _ := newSyntheticRecord(t, "provider", 0xabcd)
	const (
		relaVaddr  = 0x3000
		relTarget1 = 0x4000 // RELATIVE target
		relTarget2 = 0x4008 // symbolic (R_X86_64_64 against "answer")
	)
	cur := requester.Cursor()
	// entry 0: R_X86_64_RELATIVE at relTarget1, addend 0x10
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr:], relTarget1)
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr+8:], uint64(elf.R_X86_64_RELATIVE))
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr+16:], 0x10)
	// entry 1: R_X86_64_64 against symbol index 1 ("answer"), addend 0
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr+24:], relTarget2)
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr+32:], uint64(1)<<32|uint64(elf.R_X86_64_64))
	binary.LittleEndian.PutUint64(reqBuf[relaVaddr+40:], 0)

	requester.DynVec = nil
	requester.Dyn = decode.Decode([]uintptr{
		uintptr(elf.DT_RELA), relaVaddr,
		uintptr(elf.DT_RELASZ), 48,
		0, 0,
	}, object.DynCount)

	l := object.NewList()
	l.Append(requester)
	l.Append(provider)

	if err := Sweep(l); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := cur.ReadWord64(relTarget1); got != uint64(requester.Base)+0x10 {
		t.Errorf("RELATIVE target = %#x, want base+0x10 = %#x", got, uint64(requester.Base)+0x10)
	}
	if got := cur.ReadWord64(relTarget2); got != uint64(provider.Base)+0xabcd {
		t.Errorf("symbolic target = %#x, want provider.Base+0xabcd = %#x", got, provider.Base+0xabcd)
	}
	if !requester.Relocated() || !provider.Relocated() {
		t.Errorf("Sweep must mark every swept record relocated")
	}
}

