// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package counter implements a slow, endless counter used to practice attaching debuggers to a live process.
//
// Every iteration boxes the new value in a freshly allocated int and prints its address, so each value
// has its own identity that can be looked up in a memory inspector.
package counter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultInterval between two iterations of Run.
const DefaultInterval = time.Second

// Config for Run.
type Config struct {
	// Interval between iterations. If <= 0, DefaultInterval is used.
	Interval time.Duration

	// MaxIterations after which Run returns. 0 means run until the context is cancelled.
	MaxIterations int

	// Work, if > 0, makes every iteration also compute SumOfSquares(Work) and print it.
	Work int
}

// Counter holds the current value. The zero value is ready to use and starts at 0.
type Counter struct {
	value int
}

// Value returns the last value returned by Next, or 0 if Next was never called.
func (c *Counter) Value() int { return c.value }

// Next increments the counter by one and returns the new value in a newly allocated box.
func (c *Counter) Next() *int {
	c.value++
	boxed := new(int)
	*boxed = c.value
	return boxed
}

// SumOfSquares returns the sum of i*i for i in [0, n). It returns 0 for n <= 0.
func SumOfSquares(n int) int {
	total := 0
	for i := range max(n, 0) {
		total += i * i
	}
	return total
}

// Run increments a Counter once per cfg.Interval, writing the value and its address to w.
//
// It returns the last value written. A cancelled ctx is a normal way to stop and yields a nil error;
// failures writing to w are returned.
func Run(ctx context.Context, w io.Writer, cfg Config) (last int, err error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var c Counter
	for {
		result := c.Next()
		if _, err = fmt.Fprintf(w, "Computed result: %d\n", *result); err != nil {
			return c.Value(), errors.Wrapf(err, "failed to write result %d", *result)
		}
		if _, err = fmt.Fprintf(w, "Result : %p\n", result); err != nil {
			return c.Value(), errors.Wrapf(err, "failed to write address of result %d", *result)
		}
		if cfg.Work > 0 {
			if _, err = fmt.Fprintf(w, "Work result: %d\n", SumOfSquares(cfg.Work)); err != nil {
				return c.Value(), errors.Wrap(err, "failed to write work result")
			}
		}
		if cfg.MaxIterations > 0 && c.Value() >= cfg.MaxIterations {
			return c.Value(), nil
		}

		select {
		case <-ctx.Done():
			klog.V(1).Infof("counter stopped at %d: %v", c.Value(), ctx.Err())
			return c.Value(), nil
		case <-ticker.C:
		}
	}
}
