// Package ldlog provides structured logging for the loader engine: the same
// zap config shape (development vs. production presets, ISO8601 short
// timestamps) carries an event vocabulary of its own — bootstrap, load,
// resolve, relocate.
package ldlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific event helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance, set by Init.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only
// the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a standalone Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger, used as Bootstrap's default and in tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Bootstrap logs a bootstrap-sequence milestone.
func (l *Logger) Bootstrap(msg string, fields ...zap.Field) {
	l.Info(msg, append([]zap.Field{zap.String("phase", "bootstrap")}, fields...)...)
}

// Load logs a library-locator event: the name requested, how it
// was resolved (shortcut/name-cache/inode-cache/fresh-map), and the
// resulting record's refcount.
func (l *Logger) Load(name, via string, refcnt int) {
	l.Debug("load",
		zap.String("name", name),
		zap.String("via", via),
		zap.Int("refcnt", refcnt),
	)
}

// Resolve logs a global-resolver event: the symbol requested
// and, if found, which record supplied the definition.
func (l *Logger) Resolve(symbol string, definingRecord string, found bool) {
	l.Debug("resolve",
		zap.String("symbol", symbol),
		zap.String("defined_by", definingRecord),
		zap.Bool("found", found),
	)
}

// Relocate logs a per-table relocation-sweep event: which
// record, which table (rel/rela/jmprel), and how many entries were applied.
func (l *Logger) Relocate(record, table string, count int) {
	l.Debug("relocate",
		zap.String("record", record),
		zap.String("table", table),
		zap.Int("count", count),
	)
}
