package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ComponentLogger is a logger scoped to one component, optionally with
// extra fields such as the sandbox it serves. A nil *ComponentLogger
// discards everything.
type ComponentLogger struct {
	component  string
	fields     map[string]string
	local      *LocalLog
	dispatcher *Dispatcher
}

// NewComponentLogger returns a logger for component. local and dispatcher
// may each be nil.
func NewComponentLogger(component string, local *LocalLog, dispatcher *Dispatcher) *ComponentLogger {
	return &ComponentLogger{
		component:  component,
		local:      local,
		dispatcher: dispatcher,
	}
}

// ComponentLogger returns a logger for component writing to d and its
// local log. d may be nil.
func (d *Dispatcher) ComponentLogger(component string) *ComponentLogger {
	return NewComponentLogger(component, d.Local(), d)
}

// With returns a copy of l that adds key=value to every entry.
func (l *ComponentLogger) With(key, value string) *ComponentLogger {
	if l == nil {
		return nil
	}
	fields := make(map[string]string, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &ComponentLogger{
		component:  l.component,
		fields:     fields,
		local:      l.local,
		dispatcher: l.dispatcher,
	}
}

func (l *ComponentLogger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *ComponentLogger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *ComponentLogger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *ComponentLogger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *ComponentLogger) log(level Level, format string, args ...any) {
	if l == nil {
		return
	}
	if l.dispatcher != nil && !l.dispatcher.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)

	if l.local != nil {
		if suffix := l.fieldSuffix(); suffix != "" {
			l.local.Logf(level, l.component, "%s%s", msg, suffix)
		} else {
			l.local.Logf(level, l.component, "%s", msg)
		}
	}

	if l.dispatcher != nil {
		fields := make(map[string]any, len(l.fields)+1)
		for k, v := range l.fields {
			fields[k] = v
		}
		fields["component"] = l.component
		_ = l.dispatcher.Write(&Entry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Fields:    fields,
		})
	}
}

// fieldSuffix renders fields as " k=v" pairs in key order.
func (l *ComponentLogger) fieldSuffix() string {
	if len(l.fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, l.fields[k])
	}
	return b.String()
}
