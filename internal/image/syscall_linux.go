package image

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sliceAddr returns the runtime address backing a non-empty mmap'd slice.
func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// mmapFixed remaps a file-backed segment at an explicit address.
// golang.org/x/sys/unix.Mmap has no addr parameter (it always lets the
// kernel choose), so MAP_FIXED remaps go through the raw syscall directly,
// same as any reflective Linux ELF loader.
func mmapFixed(addr, length uintptr, prot uint32, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}

// mmapFixedAnon overlays anonymous zero pages at an explicit address, used
// for the portion of a BSS that spans past the last file-backed page.
func mmapFixedAnon(addr, length uintptr, prot uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_ANON), ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// zeroBytes clears n bytes of already-mapped, writable memory at addr — the
// BSS-tail zeroing step within the last file-backed page of a segment.
func zeroBytes(addr, n uintptr) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
	for i := range b {
		b[i] = 0
	}
}

// UnmapRegion releases length bytes at addr. It matches the
// func(addr, length uintptr) error shape object.Record.Unmap expects from
// its caller, since a Record only retains the address and length of its
// mapping, not the slice Map originally returned.
func UnmapRegion(addr, length uintptr) error {
	if length == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
	return unix.Munmap(b)
}
