// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package ptrace

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func lockOSThread() { runtime.LockOSThread() }

// waitStop waits for pid to be stopped.
func waitStop(pid int) error {
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return errors.Wrapf(err, "wait4(%d)", pid)
	}
	if !status.Stopped() {
		return errors.Errorf("process %d did not stop (wait status %#x)", pid, uint32(status))
	}
	return nil
}

func attachProcess(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return errors.Wrapf(err, "ptrace attach to %d", pid)
	}
	if err := waitStop(pid); err != nil {
		_ = unix.PtraceDetach(pid)
		return err
	}
	return nil
}

func launchProcess(program string, args ...string) (*exec.Cmd, error) {
	cmd := exec.Command(program, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to launch %q", program)
	}
	if err := waitStop(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.WithMessagef(err, "launched %q", program)
	}
	return cmd, nil
}

func peekData(pid int, addr uintptr, out []byte) error {
	n, err := unix.PtracePeekData(pid, addr, out)
	if err != nil {
		return errors.Wrapf(err, "ptrace peek %d bytes at %#x (pid %d)", len(out), addr, pid)
	}
	if n != len(out) {
		return errors.Errorf("ptrace peek at %#x (pid %d) read %d bytes out of %d", addr, pid, n, len(out))
	}
	return nil
}

func pokeData(pid int, addr uintptr, data []byte) error {
	n, err := unix.PtracePokeData(pid, addr, data)
	if err != nil {
		return errors.Wrapf(err, "ptrace poke %d bytes at %#x (pid %d)", len(data), addr, pid)
	}
	if n != len(data) {
		return errors.Errorf("ptrace poke at %#x (pid %d) wrote %d bytes out of %d", addr, pid, n, len(data))
	}
	return nil
}

// detachProcess detaches and sends SIGCONT, so a process stopped before attaching also resumes.
func detachProcess(pid int) error {
	if err := unix.PtraceDetach(pid); err != nil {
		return errors.Wrapf(err, "ptrace detach from %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "failed to resume %d", pid)
	}
	return nil
}
