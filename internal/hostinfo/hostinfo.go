// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostinfo describes the host CPU, used by the demos in place of an accelerator probe.
package hostinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// simdFeatures reported by Describe, in order.
var simdFeatures = []struct {
	name    string
	feature cpuid.FeatureID
}{
	{"SSE4.2", cpuid.SSE42},
	{"AVX", cpuid.AVX},
	{"AVX2", cpuid.AVX2},
	{"FMA3", cpuid.FMA3},
	{"AVX512F", cpuid.AVX512F},
	{"AVX512BF16", cpuid.AVX512BF16},
	{"ASIMD", cpuid.ASIMD},
	{"SVE", cpuid.SVE},
}

// SIMD returns the names of the SIMD extensions supported by the host CPU.
func SIMD() []string {
	var names []string
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f.feature) {
			names = append(names, f.name)
		}
	}
	return names
}

// Describe returns a one-line description of the host CPU.
func Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown CPU"
	}
	simd := SIMD()
	simdStr := "none"
	if len(simd) > 0 {
		simdStr = strings.Join(simd, ",")
	}
	return fmt.Sprintf("CPU: %s (%s/%s, %d physical cores, %d logical) | SIMD: %s",
		brand, runtime.GOOS, runtime.GOARCH, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simdStr)
}
