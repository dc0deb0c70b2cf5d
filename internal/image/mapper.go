// Package image implements the ELF mapper: turning an open file
// descriptor into a single contiguous mapping whose layout matches the
// object's program headers, with BSS zeroed and the tail backed by anonymous
// pages. This is the one package that calls mmap/munmap directly; everything
// above it (internal/locate, internal/engine) only ever sees a Mapped value.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// headerPrefix is the number of bytes read up front, large enough to hold the
// ELF header plus a program header table for any object with a reasonable
// number of segments. Objects whose program header table doesn't fit get it
// read again at its declared file offset.
const headerPrefix = 896

// Mapped is a single object's mapping, ready to become an object.Record.
type Mapped struct {
	Addr     uintptr // runtime address of the reservation (== base + page-floored lowest PT_LOAD vaddr)
	Len      uintptr
	Base     uintptr // base + vaddr gives a runtime address
	DynVaddr uintptr
	Machine  elf.Machine
	Entry    uintptr
	Mapping  []byte // the full reservation, for Munmap
}

// pageSize is read once; Getpagesize is a syscall-free vDSO lookup on Linux
// but there is no reason to repeat it per object.
var pageSize = uintptr(unix.Getpagesize())

func pageFloor(x uintptr) uintptr { return x &^ (pageSize - 1) }
func pageCeil(x uintptr) uintptr  { return (x + pageSize - 1) &^ (pageSize - 1) }

// Map reads fd's ELF header and program headers, reserves a single virtual
// address range sized for the whole object, and lays out each PT_LOAD
// segment inside it: the lowest-address segment reuses the initial
// file-backed reservation, every other PT_LOAD is remapped MAP_FIXED at its
// own offset, and any BSS tail is zeroed and, where it spans past the last
// file-backed page, covered by an anonymous overlay.
//
// fd must be positioned at the start of the file; Map does not seek it.
func Map(fd int) (*Mapped, error) {
	prefix := make([]byte, headerPrefix)
	n, err := unix.Read(fd, prefix)
	if err != nil {
		return nil, fmt.Errorf("image: read header: %w", err)
	}

	var eh elf.Header64
	if n < 64 {
		return nil, fmt.Errorf("image: short read (%d bytes), not an ELF object", n)
	}
	if err := binary.Read(bytes.NewReader(prefix[:64]), binary.LittleEndian, &eh); err != nil {
		return nil, fmt.Errorf("image: decode header: %w", err)
	}
	if string(eh.Ident[:4]) != elf.ELFMAG {
		return nil, fmt.Errorf("image: not an ELF object")
	}
	if elf.Class(eh.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, fmt.Errorf("image: only ELFCLASS64 objects are supported")
	}
	if elf.Data(eh.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("image: only little-endian objects are supported")
	}

	phsize := int(eh.Phentsize) * int(eh.Phnum)
	if phsize+64 > n {
		return nil, fmt.Errorf("image: program header table implausibly large for header read")
	}

	phOff := int(eh.Phoff)
	phBuf := prefix
	if phOff+phsize > n {
		if 64+phsize > len(prefix) {
			return nil, fmt.Errorf("image: program header table (%d bytes) exceeds header prefix", phsize)
		}
		got, err := unix.Pread(fd, prefix[64:64+phsize], int64(eh.Phoff))
		if err != nil {
			return nil, fmt.Errorf("image: pread program headers: %w", err)
		}
		if got != phsize {
			return nil, fmt.Errorf("image: short pread of program headers")
		}
		phOff = 64
		phBuf = prefix
	}

	phs := make([]elf.Prog64, eh.Phnum)
	for i := range phs {
		off := phOff + i*int(eh.Phentsize)
		if err := binary.Read(bytes.NewReader(phBuf[off:off+56]), binary.LittleEndian, &phs[i]); err != nil {
			return nil, fmt.Errorf("image: decode program header %d: %w", i, err)
		}
	}

	var (
		addrMin  uintptr = ^uintptr(0)
		addrMax  uintptr
		offStart int64
		prot     uint32
		dynVaddr uintptr
		haveDyn  bool
	)
	for _, ph := range phs {
		if elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			dynVaddr = uintptr(ph.Vaddr)
			haveDyn = true
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if uintptr(ph.Vaddr) < addrMin {
			addrMin = uintptr(ph.Vaddr)
			offStart = int64(ph.Off)
			prot = progProt(ph.Flags)
		}
		if top := uintptr(ph.Vaddr + ph.Memsz); top > addrMax {
			addrMax = top
		}
	}
	if !haveDyn {
		return nil, fmt.Errorf("image: object has no PT_DYNAMIC segment")
	}
	if addrMax == 0 {
		return nil, fmt.Errorf("image: object has no PT_LOAD segments")
	}

	addrMax = pageCeil(addrMax)
	addrMinAligned := pageFloor(addrMin)
	offStartAligned := pageFloor(uintptr(offStart))
	mapLen := addrMax - addrMinAligned + offStartAligned

	// The first mapping reserves the whole address range with a kernel-chosen
	// address; it deliberately may cover more of the file than is valid,
	// since only the virtual address space matters here; the real segment
	// contents get laid down by the per-segment remaps below.
	mapping, err := unix.Mmap(fd, int64(offStartAligned), int(mapLen), int(prot), unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("image: reserve mapping: %w", err)
	}
	mapAddr := sliceAddr(mapping)
	base := mapAddr - addrMinAligned

	for _, ph := range phs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		thisMin := pageFloor(uintptr(ph.Vaddr))
		if thisMin == addrMinAligned {
			continue // already covered by the initial reservation
		}
		thisMax := pageCeil(uintptr(ph.Vaddr + ph.Memsz))
		segOff := pageFloor(uintptr(ph.Off))
		segProt := progProt(ph.Flags)

		if err := mmapFixed(base+thisMin, thisMax-thisMin, segProt, fd, int64(segOff)); err != nil {
			unix.Munmap(mapping)
			return nil, fmt.Errorf("image: map segment at %#x: %w", ph.Vaddr, err)
		}

		if ph.Memsz > ph.Filesz {
			brk := base + uintptr(ph.Vaddr) + uintptr(ph.Filesz)
			pgbrk := pageCeil(brk)
			zeroBytes(brk, pgbrk-brk)
			segEnd := base + thisMax
			if pgbrk < segEnd {
				if err := mmapFixedAnon(pgbrk, segEnd-pgbrk, segProt); err != nil {
					unix.Munmap(mapping)
					return nil, fmt.Errorf("image: map bss overlay at %#x: %w", ph.Vaddr, err)
				}
			}
		}
	}

	return &Mapped{
		Addr:     mapAddr,
		Len:      mapLen,
		Base:     base,
		DynVaddr: dynVaddr,
		Machine:  elf.Machine(eh.Machine),
		Entry:    base + uintptr(eh.Entry),
		Mapping:  mapping,
	}, nil
}

// Unmap releases a Mapped's full reservation.
func Unmap(m *Mapped) error {
	if m == nil || m.Mapping == nil {
		return nil
	}
	return unix.Munmap(m.Mapping)
}

func progProt(flags uint32) uint32 {
	var p uint32
	if flags&uint32(elf.PF_R) != 0 {
		p |= unix.PROT_READ
	}
	if flags&uint32(elf.PF_W) != 0 {
		p |= unix.PROT_WRITE
	}
	if flags&uint32(elf.PF_X) != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}
