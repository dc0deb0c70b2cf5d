package engine

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/resolve"
	"github.com/zboralski/dynld/internal/symhash"
)

// symHashWithOneSymbol builds a trivial one-bucket SysV hash table exposing
// a single defined symbol, for resolver tests that don't need a real mapped
// image.
func symHashWithOneSymbol(name string, value uint64, shndx uint16) (symhash.Table, []byte) {
	strs := append([]byte{0}, append([]byte(name), 0)...)
	syms := []elf.Sym64{
		{}, // STN_UNDEF
		{Name: 1, Value: value, Shndx: shndx, Info: uint8(elf.STT_FUNC)},
	}
	return symhash.Table{Buckets: []uint32{1}, Chain: []uint32{0, 0}, Syms: syms, Strings: strs}, strs
}

// writeMinimalSO writes a single-PT_LOAD, PT_DYNAMIC-bearing ELF64 object
// with a trivial SysV hash/symtab/strtab and a DT_NULL-terminated dynamic
// section, laid out in one pass with no post-hoc offset patching. Mirrors
// internal/locate's test fixture; duplicated here rather than shared across
// package boundaries since it's unexported scaffolding, not library code.
func writeMinimalSO(t *testing.T, dir, name string) string {
	t.Helper()
	const ehsize, phentsize = 64, 56
	const nphdr = 2

	phoff := uint64(ehsize)
	hashOff := phoff + nphdr*phentsize
	symOff := hashOff + 16
	strOff := symOff + 24
	dynOff := (strOff + 8) &^ 7
	dynEntries := uint64(4)
	fileLen := dynOff + dynEntries*16

	buf := make([]byte, fileLen)
	copy(buf[0:4], elf.ELFMAG)
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint64(buf[24:32], 0x1000) // e_entry
	binary.LittleEndian.PutUint16(buf[54:56], ehsize)
	binary.LittleEndian.PutUint16(buf[56:58], phentsize)
	binary.LittleEndian.PutUint16(buf[58:60], nphdr)

	putPhdr := func(i int, typ, flags uint32, off, filesz uint64) {
		o := int(phoff) + i*phentsize
		binary.LittleEndian.PutUint32(buf[o+0:o+4], typ)
		binary.LittleEndian.PutUint32(buf[o+4:o+8], flags)
		binary.LittleEndian.PutUint64(buf[o+8:o+16], off)
		binary.LittleEndian.PutUint64(buf[o+16:o+24], off)
		binary.LittleEndian.PutUint64(buf[o+24:o+32], off)
		binary.LittleEndian.PutUint64(buf[o+32:o+40], filesz)
		binary.LittleEndian.PutUint64(buf[o+40:o+48], filesz)
		binary.LittleEndian.PutUint64(buf[o+48:o+56], 0x1000)
	}
	putPhdr(0, uint32(elf.PT_LOAD), uint32(elf.PF_R|elf.PF_W|elf.PF_X), 0, fileLen)
	putPhdr(1, uint32(elf.PT_DYNAMIC), uint32(elf.PF_R|elf.PF_W), dynOff, dynEntries*16)

	binary.LittleEndian.PutUint32(buf[hashOff+0:], 1)
	binary.LittleEndian.PutUint32(buf[hashOff+4:], 1)
	binary.LittleEndian.PutUint32(buf[hashOff+8:], 0)
	binary.LittleEndian.PutUint32(buf[hashOff+12:], 0)

	putDyn := func(i int, tag elf.DynTag, val uint64) {
		o := int(dynOff) + i*16
		binary.LittleEndian.PutUint64(buf[o:o+8], uint64(tag))
		binary.LittleEndian.PutUint64(buf[o+8:o+16], val)
	}
	putDyn(0, elf.DT_HASH, hashOff)
	putDyn(1, elf.DT_SYMTAB, symOff)
	putDyn(2, elf.DT_STRTAB, strOff)
	putDyn(3, elf.DT_NULL, 0)

	path := dir + "/" + name
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// writeMinimalSOWithNeeded is writeMinimalSO plus a single DT_NEEDED entry
// naming neededName, appended to the string table right after its leading
// NUL byte.
func writeMinimalSOWithNeeded(t *testing.T, dir, name, neededName string) string {
	t.Helper()
	const ehsize, phentsize = 64, 56
	const nphdr = 2

	phoff := uint64(ehsize)
	hashOff := phoff + nphdr*phentsize
	symOff := hashOff + 16
	strOff := symOff + 24
	neededOff := uint64(1) // right after the leading NUL
	strLen := uint64(1 + len(neededName) + 1)
	dynOff := (strOff + strLen + 8) &^ 7
	dynEntries := uint64(5) // DT_NEEDED, DT_HASH, DT_SYMTAB, DT_STRTAB, DT_NULL
	fileLen := dynOff + dynEntries*16

	buf := make([]byte, fileLen)
	copy(buf[0:4], elf.ELFMAG)
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint64(buf[24:32], 0x1000) // e_entry
	binary.LittleEndian.PutUint16(buf[54:56], ehsize)
	binary.LittleEndian.PutUint16(buf[56:58], phentsize)
	binary.LittleEndian.PutUint16(buf[58:60], nphdr)

	putPhdr := func(i int, typ, flags uint32, off, filesz uint64) {
		o := int(phoff) + i*phentsize
		binary.LittleEndian.PutUint32(buf[o+0:o+4], typ)
		binary.LittleEndian.PutUint32(buf[o+4:o+8], flags)
		binary.LittleEndian.PutUint64(buf[o+8:o+16], off)
		binary.LittleEndian.PutUint64(buf[o+16:o+24], off)
		binary.LittleEndian.PutUint64(buf[o+24:o+32], off)
		binary.LittleEndian.PutUint64(buf[o+32:o+40], filesz)
		binary.LittleEndian.PutUint64(buf[o+40:o+48], filesz)
		binary.LittleEndian.PutUint64(buf[o+48:o+56], 0x1000)
	}
	putPhdr(0, uint32(elf.PT_LOAD), uint32(elf.PF_R|elf.PF_W|elf.PF_X), 0, fileLen)
	putPhdr(1, uint32(elf.PT_DYNAMIC), uint32(elf.PF_R|elf.PF_W), dynOff, dynEntries*16)

	binary.LittleEndian.PutUint32(buf[hashOff+0:], 1)
	binary.LittleEndian.PutUint32(buf[hashOff+4:], 1)
	binary.LittleEndian.PutUint32(buf[hashOff+8:], 0)
	binary.LittleEndian.PutUint32(buf[hashOff+12:], 0)

	copy(buf[strOff+neededOff:], neededName)
	// buf[strOff] (offset 0) and the byte after neededName are already
	// zero, giving the required leading and terminating NULs.

	putDyn := func(i int, tag elf.DynTag, val uint64) {
		o := int(dynOff) + i*16
		binary.LittleEndian.PutUint64(buf[o:o+8], uint64(tag))
		binary.LittleEndian.PutUint64(buf[o+8:o+16], val)
	}
	putDyn(0, elf.DT_NEEDED, neededOff)
	putDyn(1, elf.DT_HASH, hashOff)
	putDyn(2, elf.DT_SYMTAB, symOff)
	putDyn(3, elf.DT_STRTAB, strOff)
	putDyn(4, elf.DT_NULL, 0)

	path := dir + "/" + name
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// TestBootstrapWithProviderShortCircuitsReservedNeeded exercises E2/E3 and
// testable property 3 end to end through Bootstrap: an application whose
// sole DT_NEEDED names a reserved library must resolve to the injected
// provider record, appended to the tail of the list, rather than falling
// through to the filesystem search path and never appearing in the list at
// all (the bug this test was added to catch: Locator.Load's reserved-name
// shortcut returned the provider without ever appending it).
func TestBootstrapWithProviderShortCircuitsReservedNeeded(t *testing.T) {
	dir := t.TempDir()
	path := writeMinimalSOWithNeeded(t, dir, "app.so", "libc.so.6")

	provider := object.New("libc.so.6", 0, nil)
	// A real provider (engine.LoadSystemProvider) is always already
	// relocated, since it's an embedder-trusted symbol table this engine
	// never patches; match that here so Sweep doesn't choke trying to
	// relocate a synthetic record with no real Machine.
	provider.MarkRelocated()

	e, err := Bootstrap(path, WithProvider(provider))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer e.Close()

	if e.List().Len() != 2 {
		t.Fatalf("List().Len() = %d, want 2 ([app, libc])", e.List().Len())
	}
	if e.List().At(1) != provider {
		t.Fatalf("expected the provider record at the tail, got %q", e.List().At(1).Name)
	}
	if provider.RefCnt != 1 {
		t.Errorf("provider.RefCnt = %d, want 1", provider.RefCnt)
	}
	if !provider.Relocated() {
		t.Errorf("expected the provider to already be marked relocated so Sweep never touches it")
	}
}

func TestBootstrapMapsApplicationWithNoDependencies(t *testing.T) {
	dir := t.TempDir()
	path := writeMinimalSO(t, dir, "app.so")

	e, err := Bootstrap(path)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer e.Close()

	if e.List().Len() != 1 {
		t.Fatalf("List().Len() = %d, want 1 (no DT_NEEDED entries)", e.List().Len())
	}
	if e.EntryPoint() != e.app.Base+0x1000 {
		t.Errorf("EntryPoint() = %#x, want base+0x1000 = %#x", e.EntryPoint(), e.app.Base+0x1000)
	}
}

// TestSelfRelocationScopeStartsAtApplication exercises the loader's
// distinguishing rule directly: hand-relocating its own text resolves
// symbols starting at the application record — not at its own position in
// the list, which is what the generic driver's per-object rule
// (internal/resolve.StartFor) would otherwise pick. Since a hosted process
// has no loader text of its own to patch, this proves the *sequencing* is
// correct against a synthetic scratch image instead of mutating the hosting
// runtime.
func TestSelfRelocationScopeStartsAtApplication(t *testing.T) {
	list := object.NewList()

	app := object.New("app", 0x1000, nil)
	app.Hash, _ = symHashWithOneSymbol("helper", 0x40, 1)
	list.Append(app)

	loader := object.New("loader", 0x9000, nil)
	loader.Hash, _ = symHashWithOneSymbol("helper", 0x99, 1) // shadows app's definition
	list.Append(loader)

	// The generic per-object rule would start loader's own search at its
	// own list position (index 1), finding only its own "helper".
	if res, ok := resolve.Find(list, resolve.StartFor(list, loader, false), "helper", true); !ok || res.Record != loader {
		t.Fatalf("generic search unexpectedly found %v, want loader", res)
	}

	// Step 5's special rule starts the search at the application instead,
	// so the loader's own self-relocation sees the application's
	// definition first, exactly as dynlink.c's bootstrap hand-relocation
	// pass does.
	res, ok := resolve.Find(list, list.IndexOf(app), "helper", true)
	if !ok {
		t.Fatalf("expected to find helper")
	}
	if res.Record != app {
		t.Fatalf("expected application record to win with app-as-scope-start, got %q", res.Record.Name)
	}
	if res.Value != app.Base+0x40 {
		t.Errorf("resolved value = %#x, want %#x", res.Value, app.Base+0x40)
	}
}
