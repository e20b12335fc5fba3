// Package logging provides the structured logger used throughout the
// engine. It keeps the teacher's LoggerConfig surface (level, format,
// service identity, sampling) but is backed by rs/zerolog, the corpus's
// dominant structured-logging dependency, rather than log/slog.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under names the rest of the engine uses.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the wire shape of emitted log lines.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures a Logger. Kept close to the teacher's LoggerConfig
// but trimmed of file-rotation fields this engine's deployment model
// (a library embedded in a broker process) doesn't own.
type Config struct {
	Level   Level
	Format  Format
	Output  io.Writer
	Service string
	Version string

	// SampleEvery, when > 0, limits a given sampled call site to at most
	// one emitted line per window. Used for the resource-usage summary
	// logs spec §7 caps at once per 5 minutes per scheduler.
	SampleEvery time.Duration
}

// DefaultConfig returns sensible defaults: info level, console format to
// stderr, no sampling.
func DefaultConfig(service string) *Config {
	return &Config{
		Level:   LevelInfo,
		Format:  FormatConsole,
		Output:  os.Stderr,
		Service: service,
	}
}

// Logger wraps a zerolog.Logger with named levels and a sampling helper
// keyed by call-site tag.
type Logger struct {
	zl zerolog.Logger

	mu        sync.Mutex
	lastEmit  map[string]time.Time
	sampleGap time.Duration
}

// New builds a Logger from Config.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig("loadshed")
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writer io.Writer = out
	if cfg.Format == FormatConsole {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(writer).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
	if cfg.Version != "" {
		zl = zl.With().Str("version", cfg.Version).Logger()
	}

	return &Logger{
		zl:        zl,
		lastEmit:  make(map[string]time.Time),
		sampleGap: cfg.SampleEvery,
	}
}

// With returns a child logger carrying the given key/value pairs on every
// subsequent line, used to scope a logger to one scheduler or tick.
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger(), lastEmit: l.lastEmit, sampleGap: l.sampleGap}
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(l.zl.Warn(), msg, fields) }

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	l.log(l.zl.Error().Err(err), msg, fields)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Sampled reports whether a call tagged with key should emit this time,
// rate-limited to at most once per Config.SampleEvery. Used to cap the
// resource-usage summary log to once per 5 minutes per scheduler (spec §7)
// without callers needing their own timers.
func (l *Logger) Sampled(key string) bool {
	if l.sampleGap <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.lastEmit[key]; ok && now.Sub(last) < l.sampleGap {
		return false
	}
	l.lastEmit[key] = now
	return true
}
