// Package locate implements the library locator: given a
// DT_NEEDED name, decide whether it short-circuits to a reserved synthetic
// provider, is already loaded, or needs to be opened, mapped, and appended
// to the object list. Grounded on load_library in dynlink.c.
package locate

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/zboralski/dynld/internal/image"
	"github.com/zboralski/dynld/internal/object"
)

// defaultSearchPath mirrors the path table load_library walks when name has
// no '/' in it: "/lib/\0/usr/local/lib/\0/usr/lib/\0".
var defaultSearchPath = []string{"/lib/", "/usr/local/lib/", "/usr/lib/"}

// defaultReserved mirrors the "libc\0pthread\0rt\0m\0dl\0util\0xnet\0" table:
// names of the form "lib<X>.*" where X is one of these never touch the
// filesystem — they resolve to the embedder-supplied provider record
// instead.
var defaultReserved = map[string]bool{
	"c": true, "pthread": true, "rt": true, "m": true,
	"dl": true, "util": true, "xnet": true,
}

// Locator resolves DT_NEEDED names into object.Records, deduplicating by
// name and by (dev, ino), and falling back to a reserved-name shortcut
// before ever touching the filesystem.
type Locator struct {
	list       *object.List
	searchPath []string
	reserved   map[string]bool
	provider   *object.Record // the reserved-name shortcut target, or nil
}

// Option configures a Locator.
type Option func(*Locator)

// WithSearchPath overrides the default library search path.
func WithSearchPath(dirs []string) Option {
	return func(l *Locator) { l.searchPath = dirs }
}

// WithReservedNames overrides the default reserved-name set.
func WithReservedNames(names map[string]bool) Option {
	return func(l *Locator) { l.reserved = names }
}

// WithProvider sets the synthetic record the reserved-name shortcut
// returns. Without one, reserved names fall through to the filesystem like
// any other name: there is no real libc in this environment unless the
// embedder opts in.
func WithProvider(p *object.Record) Option {
	return func(l *Locator) { l.provider = p }
}

// New constructs a Locator backed by list.
func New(list *object.List, opts ...Option) *Locator {
	l := &Locator{
		list:       list,
		searchPath: defaultSearchPath,
		reserved:   defaultReserved,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves name to a Record, mapping it if this is the first time it's
// been seen. Matches load_library's precedence exactly: reserved-name
// shortcut, then name cache, then (after open+fstat) inode cache, then a
// fresh map.
func (l *Locator) Load(name string) (*object.Record, error) {
	if l.provider != nil && l.isReserved(name) {
		if l.list.IndexOf(l.provider) < 0 {
			l.list.Append(l.provider)
		}
		l.provider.RefCnt++
		return l.provider, nil
	}

	if rec, ok := l.list.ByName(name); ok {
		rec.RefCnt++
		return rec, nil
	}

	fd, err := l.open(name)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("locate: fstat %q: %w", name, err)
	}
	di := object.DevIno{Dev: st.Dev, Ino: st.Ino}
	if rec, ok := l.list.ByDevIno(di); ok {
		rec.RefCnt++
		return rec, nil
	}

	m, err := image.Map(fd)
	if err != nil {
		return nil, fmt.Errorf("locate: map %q: %w", name, err)
	}

	rec := object.New(name, m.Base, nil)
	rec.MapAddr = m.Addr
	rec.MapLen = m.Len
	rec.SetMapping(m.Mapping)
	rec.DevIno = di
	rec.Machine = m.Machine
	rec.Entry = m.Entry
	rec.RefCnt = 1

	cur := rec.Cursor()
	rec.SetDynVec(cur.ReadPairTags(m.DynVaddr))

	if err := rec.LoadTables(cur); err != nil {
		_ = image.Unmap(m)
		return nil, fmt.Errorf("locate: %q: %w", name, err)
	}

	l.list.Append(rec)
	return rec, nil
}

func (l *Locator) isReserved(name string) bool {
	if len(name) < 3 || name[:3] != "lib" {
		return false
	}
	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return false
	}
	return l.reserved[name[3:dot]]
}

func (l *Locator) open(name string) (int, error) {
	if strings.HasPrefix(name, "/") {
		fd, err := unix.Open(name, unix.O_RDONLY, 0)
		if err != nil {
			return -1, fmt.Errorf("locate: open %q: %w", name, err)
		}
		return fd, nil
	}
	if strings.Contains(name, "/") {
		return -1, fmt.Errorf("locate: relative path with separator not permitted: %q", name)
	}
	for _, dir := range l.searchPath {
		fd, err := unix.Open(filepath.Join(dir, name), unix.O_RDONLY, 0)
		if err == nil {
			return fd, nil
		}
	}
	return -1, fmt.Errorf("locate: %q not found in search path", name)
}
