// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig controls optional forwarding of log lines to a remote syslog
// collector, used to carry defense-executor alert events (block/unblock,
// escalation) off-host.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int // syslog facility number, 0-23
}

// DefaultSyslogConfig returns syslog forwarding disabled with the standard
// defaults applied if it's later enabled.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "warden",
		Facility: 1, // LOG_USER
	}
}

var facilities = [...]syslog.Priority{
	syslog.LOG_KERN, syslog.LOG_USER, syslog.LOG_MAIL, syslog.LOG_DAEMON,
	syslog.LOG_AUTH, syslog.LOG_SYSLOG, syslog.LOG_LPR, syslog.LOG_NEWS,
	syslog.LOG_UUCP, syslog.LOG_CRON, syslog.LOG_AUTHPRIV, syslog.LOG_FTP,
	syslog.LOG_LOCAL0, syslog.LOG_LOCAL1, syslog.LOG_LOCAL2, syslog.LOG_LOCAL3,
	syslog.LOG_LOCAL4, syslog.LOG_LOCAL5, syslog.LOG_LOCAL6, syslog.LOG_LOCAL7,
}

// NewSyslogWriter dials a remote syslog collector per cfg, applying defaults
// for any zero-valued field.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required when enabled")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "warden"
	}

	priority := syslog.LOG_INFO
	if cfg.Facility >= 0 && cfg.Facility < len(facilities) {
		priority |= facilities[cfg.Facility]
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog: %w", err)
	}
	return w, nil
}
