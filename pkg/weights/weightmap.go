// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"fmt"
	"io"

	"github.com/gomlx/weightprobe/pkg/procmaps"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WeightMap is the serializable description of where the weights of a process live.
// It's written by the process owning the model, and read by an external debugger.
type WeightMap struct {
	// PID of the process owning the weights.
	PID int `yaml:"pid"`

	// Scope of the inspected variables.
	Scope string `yaml:"scope"`

	Weights []MappedWeight `yaml:"weights"`
}

// MappedWeight is one weight in a WeightMap.
type MappedWeight struct {
	Name string `yaml:"name"`

	// Address in hexadecimal, "0x" prefixed.
	Address string `yaml:"address"`

	Size  int    `yaml:"size"`
	Shape []int  `yaml:"shape,flow"`
	DType string `yaml:"dtype"`
}

// Addr parses the weight's address.
func (w MappedWeight) Addr() (uintptr, error) {
	addr, err := procmaps.ParseAddress(w.Address)
	if err != nil {
		return 0, errors.WithMessagef(err, "weight %q", w.Name)
	}
	return addr, nil
}

// TotalBytes is the sum of the sizes of all weights.
func (m WeightMap) TotalBytes() int {
	var total int
	for _, w := range m.Weights {
		total += w.Size
	}
	return total
}

// WeightMapFor returns the description of the inspected weights, for the process pid.
func (in *Inspector) WeightMapFor(pid int) WeightMap {
	m := WeightMap{PID: pid, Scope: in.ctx.Scope()}
	for _, e := range in.entries {
		m.Weights = append(m.Weights, MappedWeight{
			Name:    e.Name,
			Address: fmt.Sprintf("%#x", e.Address),
			Size:    e.Size,
			Shape:   e.Shape.Dimensions,
			DType:   e.Shape.DType.String(),
		})
	}
	return m
}

// WriteWeightMap writes m as YAML.
func WriteWeightMap(w io.Writer, m WeightMap) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "failed to encode weight map")
	}
	return errors.Wrap(enc.Close(), "failed to encode weight map")
}

// ReadWeightMap reads a YAML weight map written by WriteWeightMap, and checks that it is not empty and that all
// addresses and sizes are valid.
func ReadWeightMap(r io.Reader) (WeightMap, error) {
	var m WeightMap
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return m, errors.Wrap(err, "failed to decode weight map")
	}
	if len(m.Weights) == 0 {
		return m, errors.New("weight map has no weights")
	}
	for _, w := range m.Weights {
		if _, err := w.Addr(); err != nil {
			return m, err
		}
		if w.Size <= 0 {
			return m, errors.Errorf("weight %q has invalid size %d", w.Name, w.Size)
		}
	}
	return m, nil
}
