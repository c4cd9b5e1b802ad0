// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Format = "text"

	l := New(cfg).WithComponent("defense")
	l.Info("block applied", "address", "203.0.113.5")

	out := buf.String()
	if !strings.Contains(out, "component=defense") {
		t.Errorf("expected component=defense in output, got %q", out)
	}
	if !strings.Contains(out, "address=203.0.113.5") {
		t.Errorf("expected address kv in output, got %q", out)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Level: "debug", Format: "json", Output: &buf}

	l := New(cfg)
	l.Debug("queue drained", "count", 42)

	if !strings.Contains(buf.String(), `"msg":"queue drained"`) {
		t.Errorf("expected JSON msg field, got %q", buf.String())
	}
}
