// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// weightdbg attaches to (or launches) a process with ptrace, and inspects or modifies its memory.
//
// It prints the memory maps of the process, peeks at an address and optionally flips its first byte.
// Given the weight map written by `simple_resnet -weightmap`, it can also dump all the weights of the
// traced process into a flat file, or load them back from one.
//
// Examples:
//
//	$ simple_resnet -weightmap /tmp/weights.yaml -hold &
//	$ weightdbg -pid $! -weightmap /tmp/weights.yaml -dump /tmp/weights.bin
//	$ weightdbg -launch ./simple_resnet -addr 0x7f3a5c000040 -flip -- -seed 7
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/weightprobe/pkg/procmaps"
	"github.com/gomlx/weightprobe/pkg/ptrace"
	"github.com/gomlx/weightprobe/pkg/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagPid    = flag.Int("pid", 0, "Process to attach to. If not set, -launch is used.")
	flagLaunch = flag.String("launch", "./simple_resnet", "Program to launch under ptrace, if -pid is not set. Extra arguments are passed to it.")

	flagAddr     = flag.String("addr", "", "Address to peek, in hexadecimal (\"0x\" prefix optional). If empty and no -weightmap is given, it is read from stdin.")
	flagNumBytes = flag.Int("n", 32, "Number of bytes to peek.")
	flagFlip     = flag.Bool("flip", false, "Flip the first peeked byte (XOR 0xFF), with a poke.")
	flagMaps     = flag.Bool("maps", true, "Print the memory maps of the traced process.")

	flagWeightMap = flag.String("weightmap", "", "Weight map (YAML) of the traced process, written by simple_resnet -weightmap.")
	flagDump      = flag.String("dump", "", "Requires -weightmap: dump all weights of the traced process into this file.")
	flagLoad      = flag.String("load", "", "Requires -weightmap: load all weights of the traced process from this file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[-] %v\n", err)
		klog.V(1).Infof("%+v", err)
		os.Exit(1)
	}
}

func run() (err error) {
	session, err := startSession()
	if err != nil {
		return err
	}
	pid := session.Pid()
	defer func() {
		detachErr := session.Detach()
		if detachErr != nil {
			if err == nil {
				err = detachErr
			}
			return
		}
		fmt.Printf("[+] Detached from PID %d, process resumed.\n", pid)
	}()

	if *flagMaps {
		fmt.Printf("=== %s ===\n", procmaps.Path(pid))
		if err = procmaps.Copy(os.Stdout, pid); err != nil {
			return err
		}
	}

	if *flagWeightMap != "" {
		if err = weightsCommands(session); err != nil {
			return err
		}
	} else if *flagDump != "" || *flagLoad != "" {
		return errors.New("-dump and -load require -weightmap")
	}

	addrInput := *flagAddr
	if addrInput == "" {
		if *flagWeightMap != "" {
			return nil
		}
		fmt.Print("Enter address to inspect (hex, e.g. 0x7ffdf0000000): ")
		addrInput, err = bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && addrInput == "" {
			return errors.Wrap(err, "failed to read address from stdin")
		}
	}
	addr, err := procmaps.ParseAddress(addrInput)
	if err != nil {
		return err
	}
	return peekAndFlip(session, addr)
}

// startSession attaches to -pid, or launches -launch with the remaining command line arguments.
func startSession() (*ptrace.Session, error) {
	if *flagPid > 0 {
		session, err := ptrace.Attach(*flagPid)
		if err != nil {
			return nil, err
		}
		fmt.Printf("[+] Attached to PID: %d\n", session.Pid())
		return session, nil
	}
	if *flagLaunch == "" {
		return nil, errors.New("either -pid or -launch must be given")
	}
	session, err := ptrace.Launch(*flagLaunch, flag.Args()...)
	if err != nil {
		return nil, err
	}
	fmt.Printf("[+] Launched %s, attached to PID: %d\n", *flagLaunch, session.Pid())
	return session, nil
}

func peekAndFlip(session *ptrace.Session, addr uintptr) error {
	if maps, err := procmaps.Read(session.Pid()); err != nil {
		klog.Warningf("Failed to read memory maps of %d: %v", session.Pid(), err)
	} else if m, found := procmaps.Find(maps, addr); found {
		fmt.Printf("[+] %#x is in mapping %s\n", addr, m)
	} else {
		fmt.Printf("[-] %#x is not in any mapping\n", addr)
	}

	original, err := session.Peek(addr, *flagNumBytes)
	if err != nil {
		return err
	}
	fmt.Printf("[+] Peeked %d bytes from %#x:\n%s\n", len(original), addr, hexBytes(original))
	if !*flagFlip || len(original) == 0 {
		return nil
	}

	modified := append([]byte(nil), original...)
	modified[0] ^= 0xFF
	if err = session.Poke(addr, modified); err != nil {
		return errors.WithMessage(err, "poke failed")
	}
	fmt.Println("[+] Poke succeeded. Modified first byte.")
	return nil
}

// weightsCommands handles -dump and -load, using the weight map of the traced process.
func weightsCommands(session *ptrace.Session) error {
	f, err := os.Open(*flagWeightMap)
	if err != nil {
		return errors.Wrap(err, "failed to open weight map")
	}
	m, err := weights.ReadWeightMap(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	if m.PID != session.Pid() {
		klog.Warningf("Weight map %q was written by PID %d, but the traced process is %d",
			*flagWeightMap, m.PID, session.Pid())
	}
	fmt.Printf("[+] Weight map: %d weights, %d bytes\n", len(m.Weights), m.TotalBytes())
	regions, err := mapRegions(m)
	if err != nil {
		return err
	}

	if *flagLoad != "" {
		flat, err := os.ReadFile(*flagLoad)
		if err != nil {
			return errors.Wrap(err, "failed to read weights")
		}
		if err = session.LoadWeights(regions, flat); err != nil {
			return err
		}
		fmt.Printf("[+] Loaded %d bytes of weights from %s\n", len(flat), *flagLoad)
	}
	if *flagDump != "" {
		flat, err := session.DumpWeights(regions)
		if err != nil {
			return err
		}
		if err = os.WriteFile(*flagDump, flat, 0644); err != nil {
			return errors.Wrap(err, "failed to write weights")
		}
		fmt.Printf("[+] Dumped %d bytes of weights to %s\n", len(flat), *flagDump)
	}
	return nil
}

// mapRegions converts the weights of a weight map to ptrace regions.
func mapRegions(m weights.WeightMap) ([]ptrace.Region, error) {
	regions := make([]ptrace.Region, 0, len(m.Weights))
	for _, w := range m.Weights {
		addr, err := w.Addr()
		if err != nil {
			return nil, err
		}
		regions = append(regions, ptrace.Region{Name: w.Name, Address: addr, Size: w.Size})
	}
	return regions, nil
}

// hexBytes formats data as two-digit hex bytes separated by spaces.
func hexBytes(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}
