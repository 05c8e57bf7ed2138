// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package ptrace

import "os/exec"

func lockOSThread() {}

func attachProcess(int) error { return ErrUnsupported }

func launchProcess(string, ...string) (*exec.Cmd, error) { return nil, ErrUnsupported }

func peekData(int, uintptr, []byte) error { return ErrUnsupported }

func pokeData(int, uintptr, []byte) error { return ErrUnsupported }

func detachProcess(int) error { return ErrUnsupported }
