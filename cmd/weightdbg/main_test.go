// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/weightprobe/pkg/ptrace"
	"github.com/gomlx/weightprobe/pkg/weights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexBytes(t *testing.T) {
	assert.Equal(t, "", hexBytes(nil))
	assert.Equal(t, "7f 45 4c 46 00 ff", hexBytes([]byte{0x7f, 'E', 'L', 'F', 0, 0xff}))
}

func TestMapRegions(t *testing.T) {
	m := weights.WeightMap{
		PID: 123,
		Weights: []weights.MappedWeight{
			{Name: "layer1.0.weights", Address: "0x7f0000001000", Size: 1728},
			{Name: "fc.biases", Address: "7f0000002000", Size: 40},
		},
	}
	regions, err := mapRegions(m)
	require.NoError(t, err)
	assert.Equal(t, []ptrace.Region{
		{Name: "layer1.0.weights", Address: 0x7f0000001000, Size: 1728},
		{Name: "fc.biases", Address: 0x7f0000002000, Size: 40},
	}, regions)

	m.Weights[1].Address = "0xnothex"
	_, err = mapRegions(m)
	require.Error(t, err)
}
