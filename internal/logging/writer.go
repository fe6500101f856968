// Package logging records broker activity in a local log file and forwards
// it to remote receivers (syslog, OTLP).
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps a configured level name to a Level. The empty string is
// LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "":
		return LevelInfo, nil
	case "debug", "info", "warn", "error":
		return Level(strings.ToLower(s)), nil
	case "warning":
		return LevelWarn, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Entry is one log record.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Fields    map[string]any
}

// Writer is a log destination.
type Writer interface {
	Write(entry *Entry) error
	// Close flushes buffered entries.
	Close() error
}

// Dispatcher fans entries at or above its level out to every writer and
// owns the local log file.
type Dispatcher struct {
	mu       sync.RWMutex
	writers  []Writer
	local    *LocalLog
	minLevel Level
}

// NewDispatcher returns a dispatcher at LevelInfo with no writers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{minLevel: LevelInfo}
}

// AddWriter registers w.
func (d *Dispatcher) AddWriter(w Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers = append(d.writers, w)
}

// SetLevel drops entries below level.
func (d *Dispatcher) SetLevel(level Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minLevel = level
}

// Enabled reports whether entries at level are kept.
func (d *Dispatcher) Enabled(level Level) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return level.rank() >= d.minLevel.rank()
}

// Local returns the local log file, or nil.
func (d *Dispatcher) Local() *LocalLog {
	if d == nil {
		return nil
	}
	return d.local
}

// Write sends entry to every writer. A failing writer does not stop
// delivery to the others.
func (d *Dispatcher) Write(entry *Entry) error {
	if !d.Enabled(entry.Level) {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.writers {
		_ = w.Write(entry)
	}
	return nil
}

// HasWriters reports whether any remote writer is registered.
func (d *Dispatcher) HasWriters() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.writers) > 0
}

// Close flushes and closes every writer, then the local log.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range d.writers {
		_ = w.Close()
	}
	d.writers = nil

	if d.local != nil {
		err := d.local.Close()
		d.local = nil
		return err
	}
	return nil
}
