// Package logs implements a leveled logging backend shared by every
// subsystem logger in the node. It mirrors the minimal btclog-style
// backend used throughout the kaspad/btcd lineage: a Backend fans
// each formatted line out to a set of io.Writers, and per-subsystem
// Logger values filter by Level before formatting.
package logs

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the level at which a logger is written.
type Level uint32

// Level constants, ordered from most to least verbose.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	LevelOff
)

var levelStrings = map[Level]string{
	LevelTrace:    "TRC",
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
	LevelOff:      "OFF",
}

func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "UNK"
}

// LevelFromString returns the Level matching the given case-insensitive
// string, and false if the string does not name a known level.
func LevelFromString(s string) (l Level, ok bool) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "critical":
		return LevelCritical, true
	case "off":
		return LevelOff, true
	}
	return LevelInfo, false
}

// BackendWriter pairs an io.Writer with the minimum level it accepts.
// An error-only writer (e.g. a separate err.log rotator) is built by
// setting minLevel to LevelError.
type BackendWriter struct {
	w        io.Writer
	minLevel Level
}

// NewAllLevelsBackendWriter returns a BackendWriter that receives every
// level logged to the Backend.
func NewAllLevelsBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, minLevel: LevelTrace}
}

// NewErrorBackendWriter returns a BackendWriter that only receives
// Error and Critical level records.
func NewErrorBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, minLevel: LevelError}
}

// Backend is the logging backend shared by all subsystem Loggers
// created from it via Logger(subsystemTag).
type Backend struct {
	mtx     sync.Mutex
	writers []*BackendWriter
}

// NewBackend creates a Backend fanning each record out to writers.
func NewBackend(writers []*BackendWriter) *Backend {
	return &Backend{writers: writers}
}

// Close releases resources held by the backend's writers that
// implement io.Closer, ignoring ones that don't.
func (b *Backend) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, bw := range b.writers {
		if c, ok := bw.w.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (b *Backend) write(tag string, level Level, msg string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	line := fmt.Sprintf("%s [%s] %s: %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, tag, msg)

	for _, bw := range b.writers {
		if level < bw.minLevel {
			continue
		}
		_, err := io.WriteString(bw.w, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write log record: %s\n", err)
		}
	}
}

// Logger is a per-subsystem handle onto a Backend. The zero-value
// level is LevelInfo as set by Backend.Logger.
type Logger interface {
	Tracef(format string, params ...interface{})
	Debugf(format string, params ...interface{})
	Infof(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Errorf(format string, params ...interface{})
	Criticalf(format string, params ...interface{})
	Level() Level
	SetLevel(level Level)
	Backend() *Backend
}

type subsystemLogger struct {
	tag     string
	level   uint32 // atomic, stores Level
	backend *Backend
}

// Logger returns a new Logger writing to b, tagged with the given
// subsystem identifier. The returned logger starts at LevelInfo.
func (b *Backend) Logger(tag string) Logger {
	l := &subsystemLogger{tag: tag, backend: b}
	l.SetLevel(LevelInfo)
	return l
}

func (l *subsystemLogger) logf(level Level, format string, params ...interface{}) {
	if level < l.Level() {
		return
	}
	l.backend.write(l.tag, level, fmt.Sprintf(format, params...))
}

func (l *subsystemLogger) Tracef(format string, params ...interface{})    { l.logf(LevelTrace, format, params...) }
func (l *subsystemLogger) Debugf(format string, params ...interface{})    { l.logf(LevelDebug, format, params...) }
func (l *subsystemLogger) Infof(format string, params ...interface{})     { l.logf(LevelInfo, format, params...) }
func (l *subsystemLogger) Warnf(format string, params ...interface{})     { l.logf(LevelWarn, format, params...) }
func (l *subsystemLogger) Errorf(format string, params ...interface{})    { l.logf(LevelError, format, params...) }
func (l *subsystemLogger) Criticalf(format string, params ...interface{}) { l.logf(LevelCritical, format, params...) }

func (l *subsystemLogger) Level() Level {
	return Level(atomic.LoadUint32(&l.level))
}

func (l *subsystemLogger) SetLevel(level Level) {
	atomic.StoreUint32(&l.level, uint32(level))
}

func (l *subsystemLogger) Backend() *Backend {
	return l.backend
}
