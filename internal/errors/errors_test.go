// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindProtected, "private-range address")
	if err.Error() != "private-range address" {
		t.Errorf("expected 'private-range address', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindFatal, "startup aborted")
	if wrapped.Error() != "startup aborted: private-range address" {
		t.Errorf("expected 'startup aborted: private-range address', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindProtected, "private-range address")
	if GetKind(err) != KindProtected {
		t.Errorf("expected KindProtected, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindFatal, "failed")
	if GetKind(wrapped) != KindFatal {
		t.Errorf("expected KindFatal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindProtected, "blocked attempt refused")
	err = Attr(err, "address", "192.168.1.5")
	err = Attr(err, "action", 1)

	attrs := GetAttributes(err)
	if attrs["address"] != "192.168.1.5" {
		t.Errorf("expected 192.168.1.5, got %v", attrs["address"])
	}
	if attrs["action"] != 1 {
		t.Errorf("expected 1, got %v", attrs["action"])
	}

	wrapped := Wrap(err, KindFatal, "failed")
	wrapped = Attr(wrapped, "operation", "block")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["address"] != "192.168.1.5" || allAttrs["operation"] != "block" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
