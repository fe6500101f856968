package logging

import (
	"fmt"
	"time"

	"github.com/Gerharddc/litterbox/internal/config"
)

// NewFromConfig builds a dispatcher from the [logging] section. logFile is
// the local log file; empty disables it. Receivers that cannot be created
// fail the whole setup.
func NewFromConfig(cfg config.LoggingConfig, logFile string) (*Dispatcher, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	d := NewDispatcher()
	d.SetLevel(level)

	if logFile != "" {
		local, err := OpenLocalLog(logFile)
		if err != nil {
			return nil, err
		}
		d.local = local
	}

	for i, r := range cfg.Receivers {
		w, err := newWriterFromConfig(r, cfg.Attributes, d.local)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("receiver %d (%s): %w", i, r.Type, err)
		}
		d.AddWriter(w)
	}
	return d, nil
}

func newWriterFromConfig(r config.ReceiverConfig, attrs map[string]string, local *LocalLog) (Writer, error) {
	switch r.Type {
	case "syslog":
		return NewSyslogWriter(SyslogConfig{
			Facility: r.Facility,
			Tag:      r.Tag,
			Local:    local,
		})

	case "syslog-remote":
		protocol := r.Protocol
		if protocol == "" {
			protocol = "udp"
		}
		return NewSyslogWriter(SyslogConfig{
			Network:  protocol,
			Address:  r.Address,
			Facility: r.Facility,
			Tag:      r.Tag,
			Local:    local,
		})

	case "otlp":
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = r.Address
		}
		cfg := OTLPConfig{
			Endpoint:           endpoint,
			Protocol:           r.Protocol,
			Headers:            r.Headers,
			BatchSize:          r.BatchSize,
			Insecure:           r.Insecure,
			ResourceAttributes: attrs,
			Local:              local,
		}
		if r.FlushInterval != "" {
			d, err := time.ParseDuration(r.FlushInterval)
			if err != nil {
				return nil, fmt.Errorf("invalid flush_interval: %w", err)
			}
			cfg.FlushInterval = d
		}
		return NewOTLPWriter(cfg)

	default:
		return nil, fmt.Errorf("unknown receiver type: %s", r.Type)
	}
}
