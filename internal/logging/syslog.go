package logging

import (
	"fmt"
	"log/syslog"
	"sort"
	"strings"
)

// SyslogConfig configures a SyslogWriter.
type SyslogConfig struct {
	// Network is empty for the local daemon, or "udp"/"tcp".
	Network string
	// Address is host:port of a remote daemon.
	Address string
	// Facility defaults to authpriv.
	Facility string
	// Tag defaults to "litterbox".
	Tag string
	// Local records delivery failures (optional).
	Local *LocalLog
}

// SyslogWriter forwards entries to a local or remote syslog daemon.
type SyslogWriter struct {
	writer  *syslog.Writer
	local   *LocalLog
	address string
}

var facilities = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"authpriv": syslog.LOG_AUTHPRIV,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

// ParseFacility maps a facility name to its priority bits.
func ParseFacility(name string) (syslog.Priority, error) {
	if name == "" {
		return syslog.LOG_AUTHPRIV, nil
	}
	p, ok := facilities[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown syslog facility %q", name)
	}
	return p, nil
}

// NewSyslogWriter connects to syslog.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	facility, err := ParseFacility(cfg.Facility)
	if err != nil {
		return nil, err
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "litterbox"
	}

	var w *syslog.Writer
	address := "local"
	if cfg.Network != "" && cfg.Address != "" {
		w, err = syslog.Dial(cfg.Network, cfg.Address, facility|syslog.LOG_INFO, tag)
		address = cfg.Network + "://" + cfg.Address
	} else {
		w, err = syslog.New(facility|syslog.LOG_INFO, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}
	return &SyslogWriter{writer: w, local: cfg.Local, address: address}, nil
}

// Write sends entry at the matching syslog severity.
func (s *SyslogWriter) Write(entry *Entry) error {
	msg := formatSyslog(entry)

	var err error
	switch entry.Level {
	case LevelDebug:
		err = s.writer.Debug(msg)
	case LevelWarn:
		err = s.writer.Warning(msg)
	case LevelError:
		err = s.writer.Err(msg)
	default:
		err = s.writer.Info(msg)
	}
	if err != nil {
		s.local.Logf(LevelError, "syslog", "failed to write to %s: %v", s.address, err)
	}
	return err
}

// Close closes the connection.
func (s *SyslogWriter) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// formatSyslog renders "[component] message key=value ...".
func formatSyslog(e *Entry) string {
	var b strings.Builder
	if c, ok := e.Fields["component"]; ok {
		fmt.Fprintf(&b, "[%v] ", c)
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}
