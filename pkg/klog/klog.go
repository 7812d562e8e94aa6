// Package klog is the kernel logging capability.
//
// Every subsystem holds a Logger tagged with its component name ("process",
// "signal", "sched", ...). Debug output is switched per component at
// configuration time instead of being compiled in or out, so a noisy
// subsystem can be traced without rebuilding:
//
//	log, _ := klog.New(klog.Options{Level: "info", DebugComponents: []string{"signal"}})
//	sig := log.Named("signal")
//	sig.Debug("delivering", klog.Int("pid", 7), klog.Int("sig", 10))
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field is a structured logging key/value pair.
type Field = zap.Field

// Field constructors re-exported so callers do not import zap directly.
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int32    = zap.Int32
	Uint32   = zap.Uint32
	Bool     = zap.Bool
	Err      = zap.Error
	Duration = zap.Duration
	Any      = zap.Any
)

// Hex formats v as a 0x-prefixed hexadecimal field, used for addresses.
func Hex(key string, v uint32) Field {
	return zap.String(key, fmt.Sprintf("%#08x", v))
}

// Logger is the logging capability handed to kernel subsystems.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	With(fields ...Field) Logger
	// Named returns a Logger for the given component. Debug output of the
	// returned Logger follows the component's debug switch.
	Named(component string) Logger
	// DebugEnabled reports whether Debug calls on this Logger emit anything.
	DebugEnabled() bool
	// Sync flushes buffered entries.
	Sync() error
}

// Options configures New.
type Options struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// Format is "console" or "json".
	Format string
	// File, when set, receives log output with size based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// DebugComponents lists components whose Debug output is emitted.
	// "*" enables every component.
	DebugComponents []string
}

type zapLogger struct {
	l         *zap.Logger
	component string
	debug     map[string]bool
}

// New builds a zap backed Logger from opts.
func New(opts Options) (Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil && opts.Level != "" {
		return nil, fmt.Errorf("klog: %w", err)
	}
	if opts.Level == "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("klog: unknown format %q", opts.Format)
	}

	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}

	// Debug entries are filtered per component, so the core itself must
	// let them through whenever any component asks for them.
	coreLevel := level
	if len(opts.DebugComponents) > 0 && level > zapcore.DebugLevel {
		coreLevel = zapcore.DebugLevel
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), coreLevel)
	return NewWithCore(core, level == zapcore.DebugLevel, opts.DebugComponents...), nil
}

// NewWithCore wraps an existing zap core. allDebug enables Debug output for
// every component; otherwise only the listed components emit Debug entries.
func NewWithCore(core zapcore.Core, allDebug bool, debugComponents ...string) Logger {
	debug := make(map[string]bool, len(debugComponents))
	for _, c := range debugComponents {
		debug[strings.TrimSpace(c)] = true
	}
	if allDebug {
		debug["*"] = true
	}
	return &zapLogger{l: zap.New(core), debug: debug}
}

func (z *zapLogger) Debug(msg string, fields ...Field) {
	if z.DebugEnabled() {
		z.l.Debug(msg, fields...)
	}
}

func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(fields...), component: z.component, debug: z.debug}
}

func (z *zapLogger) Named(component string) Logger {
	return &zapLogger{
		l:         z.l.Named(component),
		component: component,
		debug:     z.debug,
	}
}

func (z *zapLogger) DebugEnabled() bool {
	return z.debug["*"] || (z.component != "" && z.debug[z.component])
}

func (z *zapLogger) Sync() error {
	return z.l.Sync()
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)   {}
func (nopLogger) Info(string, ...Field)    {}
func (nopLogger) Warn(string, ...Field)    {}
func (nopLogger) Error(string, ...Field)   {}
func (n nopLogger) With(...Field) Logger   { return n }
func (n nopLogger) Named(string) Logger    { return n }
func (nopLogger) DebugEnabled() bool       { return false }
func (nopLogger) Sync() error              { return nil }
