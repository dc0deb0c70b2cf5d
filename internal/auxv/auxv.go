// Package auxv decodes the Linux kernel auxiliary vector — the same
// (tag, value) pair shape the dynamic section uses — via the shared
// internal/decode decoder.
package auxv

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/zboralski/dynld/internal/decode"
)

// AT_* tags this engine consumes.
const (
	Base = 7  // AT_BASE: interpreter's own load bias
	Phdr = 3  // AT_PHDR: address of the program's phdr table
	Phnum = 5 // AT_PHNUM: number of phdrs
	Phent = 4 // AT_PHENT: size of one phdr entry
	Entry = 9 // AT_ENTRY: program entry point
	Uid   = 11
	Euid  = 12
	Gid   = 13
	Egid  = 14
)

// Count bounds the dense aux-tag array; musl's ld.so uses 15 (enough to
// cover AT_EGID). This engine leaves headroom for tags it never reads but
// that a real vector legitimately carries (AT_HWCAP, AT_RANDOM, ...) so a
// caller decoding a genuine vector never silently drops a tag it might want
// later.
const Count = 32

// Vec is a decoded auxiliary vector.
type Vec = decode.Vec

// Decode wraps internal/decode.Decode with Count, giving the aux vector its
// own named entry point distinct from the dynamic-section one even though
// both call through the identical dense-decode law.
func Decode(pairs []uintptr) Vec {
	return decode.Decode(pairs, Count)
}

// ReadSelf reads /proc/self/auxv and decodes it. This is the hosted-process
// equivalent of "locate the aux vector just past environ[]": the kernel
// placed these exact (tag, value) pairs on this process's initial stack.
// /proc/self/auxv is the portable, documented way a running process —
// rather than a freshly exec'd entry stub with no runtime yet — can read
// them back; this process's own initial-stack bytes are no longer reachable
// by the time any Go code runs.
func ReadSelf() (Vec, error) {
	f, err := os.Open("/proc/self/auxv")
	if err != nil {
		return nil, fmt.Errorf("auxv: open /proc/self/auxv: %w", err)
	}
	defer f.Close()

	const wordSize = int(unsafe.Sizeof(uintptr(0)))
	word := make([]byte, wordSize)
	var pairs []uintptr

	for {
		if _, err := io.ReadFull(f, word); err != nil {
			return nil, fmt.Errorf("auxv: read tag: %w", err)
		}
		tag := nativeUintptr(word)
		if _, err := io.ReadFull(f, word); err != nil {
			return nil, fmt.Errorf("auxv: read value: %w", err)
		}
		val := nativeUintptr(word)
		pairs = append(pairs, tag, val)
		if tag == 0 {
			break
		}
	}
	return Decode(pairs), nil
}

func nativeUintptr(b []byte) uintptr {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return uintptr(binary.LittleEndian.Uint64(b))
	}
	return uintptr(binary.LittleEndian.Uint32(b))
}

// TrustEnv reports whether user/environment overrides should be trusted: the
// kernel must have handed over AT_UID, AT_EUID, AT_GID, and AT_EGID, and the
// process must not be running with dropped privileges. The dense-decode
// presence bitmask at v[0] doubles as the "secure-bit" check here — a
// missing tag and an untrusted process are the same test.
func TrustEnv(v Vec) bool {
	const mask = uintptr(1<<Uid | 1<<Euid | 1<<Gid | 1<<Egid)
	if v.Get(0)&mask != mask {
		return false
	}
	return v.Get(Uid) == v.Get(Euid) && v.Get(Gid) == v.Get(Egid)
}
