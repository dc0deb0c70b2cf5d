// Package engine implements the bootstrap sequencer: construct the
// synthetic application and provider records, run the dependency walker,
// sweep every record's relocations, and hand back the resolved entry point.
// This is "bootstrap" adapted to a hosted Go process rather than a
// freestanding entry stub: there is no loader text to self-relocate, so the
// self-relocation step a freestanding ld.so would take is instead exercised
// by a unit test that builds synthetic application and loader records and
// checks that a lookup started at the application record resolves to the
// application's definition rather than the loader's own
// (see TestSelfRelocationScopeStartsAtApplication).
package engine

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zboralski/dynld/internal/auxv"
	"github.com/zboralski/dynld/internal/image"
	"github.com/zboralski/dynld/internal/ldlog"
	"github.com/zboralski/dynld/internal/locate"
	"github.com/zboralski/dynld/internal/object"
	"github.com/zboralski/dynld/internal/reloc"
	"github.com/zboralski/dynld/internal/walk"
)

// Engine is one bootstrap run's state: its own object list, trust_env flag,
// and entry point. Every Bootstrap call constructs a fresh Engine value —
// never package-level globals — so multiple Engine values may run
// concurrently in the same process. A single Engine's
// mutating methods are not safe to call concurrently with each other,
// matching the single-threaded-at-startup model this sequence describes.
type Engine struct {
	list    *object.List
	app     *object.Record
	trust   bool
	entry   uintptr
	traceID string

	log *ldlog.Logger
}

// TraceID returns this Bootstrap call's correlation id, threaded through
// every log field it emitted. Multiple Engine values may run concurrently
// in the same process; this is how their interleaved
// log lines are told apart.
func (e *Engine) TraceID() string { return e.traceID }

// Option configures a Bootstrap call.
type Option func(*options)

type options struct {
	provider   *object.Record
	searchPath []string
	reserved   map[string]bool
	log        *ldlog.Logger
}

// WithProvider sets the synthetic record the library locator's reserved-name
// shortcut returns.
func WithProvider(rec *object.Record) Option {
	return func(o *options) { o.provider = rec }
}

// WithSearchPath overrides the locator's default search path.
func WithSearchPath(dirs []string) Option {
	return func(o *options) { o.searchPath = dirs }
}

// WithReservedNames overrides the locator's default reserved-name set.
func WithReservedNames(names map[string]bool) Option {
	return func(o *options) { o.reserved = names }
}

// WithLogger attaches a structured logger; without one, Bootstrap uses a
// no-op logger.
func WithLogger(l *ldlog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Bootstrap runs the full sequence against appPath: read the real process
// aux vector, map appPath through the same mapper every other object uses,
// install it as the sole list member, compute trust_env, walk its
// DT_NEEDED closure, sweep every not-yet-relocated record, and report the
// entry point.
func Bootstrap(appPath string, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = ldlog.NewNop()
	}
	traceID := uuid.New().String()
	o.log = &ldlog.Logger{Logger: o.log.With(zap.String("trace_id", traceID))}

	av, err := auxv.ReadSelf()
	if err != nil {
		return nil, fmt.Errorf("engine: bootstrap: %w", err)
	}
	trust := auxv.TrustEnv(av)
	o.log.Bootstrap("aux vector decoded", zap.Bool("trust_env", trust))

	fd, err := unix.Open(appPath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: bootstrap: open %q: %w", appPath, err)
	}
	defer unix.Close(fd)

	m, err := image.Map(fd)
	if err != nil {
		return nil, fmt.Errorf("engine: bootstrap: map %q: %w", appPath, err)
	}

	app := object.New(appPath, m.Base, nil)
	app.MapAddr = m.Addr
	app.MapLen = m.Len
	app.SetMapping(m.Mapping)
	app.Machine = m.Machine
	app.Entry = m.Entry
	app.RefCnt = 1

	cur := app.Cursor()
	app.SetDynVec(cur.ReadPairTags(m.DynVaddr))
	if err := app.LoadTables(cur); err != nil {
		_ = image.Unmap(m)
		return nil, fmt.Errorf("engine: bootstrap: %w", err)
	}

	list := object.NewList()
	list.Append(app)
	o.log.Bootstrap("application mapped", zap.String("path", appPath), zap.Uintptr("base", app.Base))

	locOpts := []locate.Option{}
	if o.provider != nil {
		locOpts = append(locOpts, locate.WithProvider(o.provider))
	}
	if o.searchPath != nil {
		locOpts = append(locOpts, locate.WithSearchPath(o.searchPath))
	}
	if o.reserved != nil {
		locOpts = append(locOpts, locate.WithReservedNames(o.reserved))
	}
	loc := locate.New(list, locOpts...)

	if err := walk.Run(list, loc); err != nil {
		return nil, fmt.Errorf("engine: bootstrap: %w", err)
	}
	o.log.Bootstrap("dependency walk complete", zap.Int("objects", list.Len()))

	if err := reloc.Sweep(list); err != nil {
		return nil, fmt.Errorf("engine: bootstrap: %w", err)
	}
	o.log.Bootstrap("relocation sweep complete", zap.Int("objects", list.Len()))

	return &Engine{
		list:    list,
		app:     app,
		trust:   trust,
		entry:   app.Entry,
		traceID: traceID,
		log:     o.log,
	}, nil
}

// EntryPoint returns the application's resolved entry address.
func (e *Engine) EntryPoint() uintptr { return e.entry }

// TrustEnv reports whether step 6's secure-bit/uid/gid check passed.
func (e *Engine) TrustEnv() bool { return e.trust }

// List returns the engine's object list, in search order.
func (e *Engine) List() *object.List { return e.list }

// Close unmaps every record's backing mapping. This is the hosted
// engine's substitute for "retained for the process lifetime... destruction
// deferred to dlclose": here destruction is deferred to
// the *Engine value's own lifetime instead of the process's.
func (e *Engine) Close() error {
	var firstErr error
	for i := 0; i < e.list.Len(); i++ {
		rec := e.list.At(i)
		if err := rec.Unmap(image.UnmapRegion); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DefaultProviderPaths are the conventional on-disk locations of the host's
// own libc, tried in order by LoadSystemProvider.
var DefaultProviderPaths = []string{
	"/lib/x86_64-linux-gnu/libc.so.6",
	"/lib/aarch64-linux-gnu/libc.so.6",
	"/usr/lib/libc.so.6",
	"/lib64/libc.so.6",
	"/lib/libc.so.6",
}

// LoadSystemProvider maps the first usable path in paths (DefaultProviderPaths
// if none given) into a synthetic provider record, the way WithProvider
// expects: the reserved-name shortcut's target, mirroring the loader's own
// record in bootstrap step 4 — relocated=true from construction, since this
// image is only ever consulted for symbol resolution, never patched by this
// engine's own relocation driver. This is what lets a real dynamically-linked
// binary's DT_NEEDED="libc.so.6" short-circuit to the host's actual libc
// symbol table instead of falling through to locate.Locator.open and mapping
// (and, fatally, attempting to relocate) a real glibc image through this
// engine's simplified driver.
func LoadSystemProvider(paths ...string) (*object.Record, error) {
	if len(paths) == 0 {
		paths = DefaultProviderPaths
	}
	var lastErr error
	for _, p := range paths {
		rec, err := loadProviderFrom(p)
		if err != nil {
			lastErr = err
			continue
		}
		return rec, nil
	}
	return nil, fmt.Errorf("engine: no usable system libc found: %w", lastErr)
}

func loadProviderFrom(path string) (*object.Record, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer unix.Close(fd)

	m, err := image.Map(fd)
	if err != nil {
		return nil, fmt.Errorf("map %q: %w", path, err)
	}

	rec := object.New(path, m.Base, nil)
	rec.MapAddr = m.Addr
	rec.MapLen = m.Len
	rec.SetMapping(m.Mapping)
	rec.Machine = m.Machine
	rec.Entry = m.Entry

	cur := rec.Cursor()
	rec.SetDynVec(cur.ReadPairTags(m.DynVaddr))
	if err := rec.LoadTables(cur); err != nil {
		_ = image.Unmap(m)
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	rec.MarkRelocated()
	return rec, nil
}
