// Package walk implements the dependency walker: starting from
// the root of the object list, breadth-extend it by each record's
// DT_NEEDED references. Grounded on the walker paragraph in dynlink.c's
// load_deps (the for(i=0; ...; i++) loop over dso[] that re-reads the
// slice length on every step, so names pulled in by a later record are
// still visited before the walk ends).
package walk

import (
	"debug/elf"
	"fmt"

	"github.com/zboralski/dynld/internal/object"
)

// Locator is the subset of *locate.Locator the walker needs. Declared here
// rather than imported to avoid a needless package dependency; *locate.Locator
// satisfies it structurally.
type Locator interface {
	Load(name string) (*object.Record, error)
}

// Run iterates list by search-order index, re-reading list.Len() on every
// step: records appended mid-walk (because an earlier record's DT_NEEDED
// pulled them in) are still visited by the time the loop reaches them, which
// is exactly what produces breadth-first discovery order without any
// explicit queue. The walk ends when the index reaches the tail with no
// further appends pending.
func Run(list *object.List, loc Locator) error {
	for i := 0; i < list.Len(); i++ {
		rec := list.At(i)
		needed, err := neededNames(rec)
		if err != nil {
			return fmt.Errorf("walk: %q: %w", rec.Name, err)
		}
		for _, name := range needed {
			// The returned record is discarded deliberately: membership in
			// the list is the only effect that matters here.
			if _, err := loc.Load(name); err != nil {
				return fmt.Errorf("walk: %q needs %q: %w", rec.Name, name, err)
			}
		}
	}
	return nil
}

// neededNames scans rec's raw dynamic-section pairs for every DT_NEEDED
// entry and resolves each one's string-table offset to a name. This reads
// DynVec directly rather than rec.Dyn, because the dense decoder keeps only
// the last value seen per tag and an object can carry many DT_NEEDED
// entries.
func neededNames(rec *object.Record) ([]string, error) {
	if rec.Strings == nil {
		return nil, nil
	}
	var names []string
	for i := 0; i+1 < len(rec.DynVec); i += 2 {
		tag, val := rec.DynVec[i], rec.DynVec[i+1]
		if tag == uintptr(elf.DT_NULL) {
			break
		}
		if tag != uintptr(elf.DT_NEEDED) {
			continue
		}
		name, err := cStringAt(rec.Strings, uint32(val))
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func cStringAt(strings []byte, off uint32) (string, error) {
	if int(off) >= len(strings) {
		return "", fmt.Errorf("string offset %d out of range (strtab size %d)", off, len(strings))
	}
	end := off
	for end < uint32(len(strings)) && strings[end] != 0 {
		end++
	}
	if end == uint32(len(strings)) {
		return "", fmt.Errorf("unterminated string at offset %d", off)
	}
	return string(strings[off:end]), nil
}
