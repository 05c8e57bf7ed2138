// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// counter prints an ever-increasing value, and the address of the box holding it, once per interval.
//
// It's a target process for debuggers: it runs until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/weightprobe/internal/counter"
	"k8s.io/klog/v2"
)

var (
	flagInterval = flag.Duration("interval", counter.DefaultInterval, "Time between two increments of the counter.")
	flagMax      = flag.Int("max", 0, "Stop after this many iterations. 0 runs until interrupted.")
	flagWork     = flag.Int("work", 0, "If > 0, each iteration also computes the sum of squares of [0, work) and prints it.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	klog.V(1).Infof("counter running as pid %d", os.Getpid())
	_, err := counter.Run(ctx, os.Stdout, counter.Config{
		Interval:      *flagInterval,
		MaxIterations: *flagMax,
		Work:          *flagWork,
	})
	if err != nil {
		klog.Fatalf("counter failed: %+v", err)
	}
}
