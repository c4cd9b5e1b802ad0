// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessName sets the process name via prctl so `ps`/`top` and process
// monitoring show "warden" rather than the build's binary name, which can be
// arbitrary after packaging.
func setProcessName(name string) error {
	bytes := append([]byte(name), 0)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&bytes[0])), 0, 0, 0)
}
