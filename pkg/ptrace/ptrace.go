// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ptrace reads and writes the memory of another process, stopped under ptrace(2).
//
// The kernel only accepts ptrace requests for a tracee from the thread that attached to it. A Session
// owns a goroutine locked to its OS thread, and every request is executed there. After Detach the
// goroutine exits, taking the thread with it.
//
// It's only implemented for linux, other platforms return ErrUnsupported.
package ptrace

import (
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupported is returned on platforms without ptrace support.
	ErrUnsupported = errors.New("ptrace is not supported on this platform")

	// ErrDetached is returned by requests on a Session after Detach.
	ErrDetached = errors.New("ptrace session already detached")
)

// Region of memory of the traced process, usually one weight of a model.
type Region struct {
	Name    string
	Address uintptr
	Size    int
}

// Session controls one traced process. Create it with Attach or Launch, and always call Detach at the end.
//
// Its methods are safe for concurrent use, requests are serialized.
type Session struct {
	pid int
	cmd *exec.Cmd // Set if the process was started by Launch.

	mu       sync.Mutex
	detached bool
	requests chan func()
	done     chan struct{}
}

// newSession starts the goroutine owning the tracer thread and runs start on it.
func newSession(start func() (pid int, cmd *exec.Cmd, err error)) (*Session, error) {
	s := &Session{
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
	started := make(chan error, 1)
	go func() {
		defer close(s.done)
		// The thread is never unlocked: when this goroutine returns the thread is terminated, and
		// no other goroutine ever runs on a thread that was a tracer.
		lockOSThread()
		pid, cmd, err := start()
		if err != nil {
			started <- err
			return
		}
		s.pid, s.cmd = pid, cmd
		started <- nil
		for req := range s.requests {
			req()
		}
	}()
	if err := <-started; err != nil {
		<-s.done
		return nil, err
	}
	return s, nil
}

// Attach to the running process pid and wait for it to stop.
func Attach(pid int) (*Session, error) {
	return newSession(func() (int, *exec.Cmd, error) {
		if err := attachProcess(pid); err != nil {
			return 0, nil, err
		}
		klog.V(1).Infof("ptrace: attached to pid %d", pid)
		return pid, nil, nil
	})
}

// Launch starts program with args, traced, and returns once it is stopped at its exec.
// Its stdout and stderr are the ones of the current process.
func Launch(program string, args ...string) (*Session, error) {
	return newSession(func() (int, *exec.Cmd, error) {
		cmd, err := launchProcess(program, args...)
		if err != nil {
			return 0, nil, err
		}
		klog.V(1).Infof("ptrace: launched %q as pid %d", program, cmd.Process.Pid)
		return cmd.Process.Pid, cmd, nil
	})
}

// Pid of the traced process.
func (s *Session) Pid() int { return s.pid }

// do executes fn on the tracer thread.
func (s *Session) do(fn func() error) error {
	result := make(chan error, 1)
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return ErrDetached
	}
	s.requests <- func() { result <- fn() }
	s.mu.Unlock()
	return <-result
}

// Peek reads numBytes of the traced process memory starting at addr.
func (s *Session) Peek(addr uintptr, numBytes int) ([]byte, error) {
	if numBytes < 0 {
		return nil, errors.Errorf("invalid number of bytes %d", numBytes)
	}
	out := make([]byte, numBytes)
	err := s.do(func() error {
		return peekData(s.pid, addr, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Poke writes data into the traced process memory starting at addr.
func (s *Session) Poke(addr uintptr, data []byte) error {
	return s.do(func() error {
		return pokeData(s.pid, addr, data)
	})
}

// DumpWeights reads all regions and returns the concatenation of their contents.
func (s *Session) DumpWeights(regions []Region) ([]byte, error) {
	var flat []byte
	for _, r := range regions {
		data, err := s.Peek(r.Address, r.Size)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to peek weight %q", r.Name)
		}
		flat = append(flat, data...)
	}
	return flat, nil
}

// LoadWeights writes consecutive chunks of flat into the regions, the inverse of DumpWeights.
//
// If flat is too short nothing is written, and the error names the first region that doesn't fit.
// Unused bytes at the end of flat are ignored with a warning.
func (s *Session) LoadWeights(regions []Region, flat []byte) error {
	total := 0
	for _, r := range regions {
		if total+r.Size > len(flat) {
			return errors.Errorf("flat buffer of %d bytes too short for weight %q", len(flat), r.Name)
		}
		total += r.Size
	}
	offset := 0
	for _, r := range regions {
		if err := s.Poke(r.Address, flat[offset:offset+r.Size]); err != nil {
			return errors.WithMessagef(err, "failed to poke weight %q", r.Name)
		}
		offset += r.Size
	}
	if offset != len(flat) {
		klog.Warningf("ptrace: %d unused bytes remain in flat buffer", len(flat)-offset)
	}
	return nil
}

// Detach from the process and let it resume execution. Calling it more than once is a no-op.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil
	}
	result := make(chan error, 1)
	s.requests <- func() { result <- detachProcess(s.pid) }
	err := <-result
	s.detached = true
	close(s.requests)
	<-s.done
	if err == nil {
		klog.V(1).Infof("ptrace: detached from pid %d", s.pid)
	}
	return err
}

// Wait for a process started with Launch to exit. It must be called after Detach.
func (s *Session) Wait() error {
	if s.cmd == nil {
		return errors.Errorf("process %d was not launched by this session", s.pid)
	}
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if !detached {
		return errors.New("ptrace: Wait called before Detach")
	}
	return errors.Wrapf(s.cmd.Wait(), "process %d", s.pid)
}
