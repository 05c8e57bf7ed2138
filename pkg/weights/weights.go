// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weights inspects the memory holding the variables of a model: it reports where each weight
// lives, and it can read, patch, dump and restore weights as raw bytes.
//
// An Inspector is attached to a context scope, usually the one holding a model (see resnet.Network.Context).
// Addresses are the ones of the local (host) storage of the variables' tensors, as reported when the
// Inspector was attached or last refreshed.
//
// Example:
//
//	inspector, err := weights.Attach(net.Context())
//	if err != nil { ... }
//	inspector.WriteReport(os.Stdout)
//	flat, err := inspector.Dump()
package weights

import (
	"slices"
	"strings"
	"unsafe"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnmappedAddress is returned when an address range doesn't fall within a single known weight.
var ErrUnmappedAddress = errors.New("address range is not within a known weight")

// Entry describes one weight: a variable of the context and the memory holding its value.
type Entry struct {
	// Name of the weight relative to the inspected scope, with scope levels separated by ".".
	// E.g.: "res1.conv1.weights".
	Name string

	// Variable is the full scope and name of the variable in the context.
	Variable string

	// Address of the first byte of the weight's storage.
	Address uintptr

	// Size of the weight in bytes.
	Size int

	Shape     shapes.Shape
	Trainable bool

	v *context.Variable
}

// End returns the address one past the last byte of the weight.
func (e *Entry) End() uintptr { return e.Address + uintptr(e.Size) }

// Inspector of the weights of a context scope. Create it with Attach.
//
// It's not safe for concurrent use, and the model should not be executed concurrently with
// Poke or Load.
type Inspector struct {
	ctx            *context.Context
	includeBuffers bool
	entries        []*Entry
}

// Option for Attach.
type Option func(in *Inspector)

// WithBuffers includes non-trainable variables, like the moving averages of batch normalization.
// By default only trainable variables, the model parameters, are included.
func WithBuffers() Option {
	return func(in *Inspector) { in.includeBuffers = true }
}

// Attach creates an Inspector for the variables under ctx's current scope, in the order they were created.
//
// The variables must already exist and hold values: for models built lazily, run them once first.
func Attach(ctx *context.Context, options ...Option) (*Inspector, error) {
	if ctx == nil {
		return nil, errors.New("weights.Attach requires a context")
	}
	in := &Inspector{ctx: ctx}
	for _, opt := range options {
		opt(in)
	}
	if err := in.Refresh(); err != nil {
		return nil, err
	}
	return in, nil
}

// relativeName converts the variable's scope and name to a dotted name relative to the inspected scope.
func (in *Inspector) relativeName(v *context.Variable) string {
	return relativeName(in.ctx.Scope(), v.Scope(), v.Name())
}

// relativeName returns the dotted name of a variable in varScope relative to scope. Only whole scope levels are
// stripped: if varScope is not under scope, the full varScope is used.
func relativeName(scope, varScope, name string) string {
	base := strings.TrimSuffix(scope, context.ScopeSeparator)
	rel := varScope
	if varScope == base {
		rel = ""
	} else if strings.HasPrefix(varScope, base+context.ScopeSeparator) {
		rel = varScope[len(base):]
	}
	rel = strings.Trim(rel, context.ScopeSeparator)
	if rel == "" {
		return name
	}
	return strings.ReplaceAll(rel, context.ScopeSeparator, ".") + "." + name
}

// Refresh re-reads the list of weights and their addresses.
//
// Needed if variables were added, or their values replaced (for instance after training steps or
// loading a checkpoint).
func (in *Inspector) Refresh() error {
	var entries []*Entry
	for v := range in.ctx.IterVariablesInScope() {
		if !v.IsValid() || (!v.Trainable && !in.includeBuffers) {
			continue
		}
		shape := v.Shape()
		if shape.Size() == 0 {
			continue
		}
		e := &Entry{
			Name:      in.relativeName(v),
			Variable:  v.ScopeAndName(),
			Shape:     shape,
			Trainable: v.Trainable,
			v:         v,
		}
		err := e.constBytes(func(data []byte) {
			e.Size = len(data)
			e.Address = uintptr(unsafe.Pointer(&data[0]))
		})
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return errors.Errorf("no weights with values found under scope %q: was the model executed at least once?",
			in.ctx.Scope())
	}
	in.entries = entries
	klog.V(2).Infof("weights: %d entries under %q, %d bytes", len(entries), in.ctx.Scope(), in.TotalBytes())
	return nil
}

func (e *Entry) value() (*tensors.Tensor, error) {
	value, err := e.v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get value of weight %q", e.Name)
	}
	return value, nil
}

func (e *Entry) constBytes(accessFn func(data []byte)) error {
	value, err := e.value()
	if err != nil {
		return err
	}
	if err = value.ConstBytes(accessFn); err != nil {
		return errors.WithMessagef(err, "failed to access the bytes of weight %q", e.Name)
	}
	return nil
}

func (e *Entry) mutableBytes(accessFn func(data []byte)) error {
	value, err := e.value()
	if err != nil {
		return err
	}
	if err = value.MutableBytes(accessFn); err != nil {
		return errors.WithMessagef(err, "failed to modify the bytes of weight %q", e.Name)
	}
	return nil
}

// Entries returns the weights, in the order of creation of the variables.
func (in *Inspector) Entries() []*Entry { return slices.Clone(in.entries) }

// Entry returns the weight with the given dotted name, or nil if not found.
func (in *Inspector) Entry(name string) *Entry {
	for _, e := range in.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// TotalBytes is the sum of the sizes of all weights.
func (in *Inspector) TotalBytes() int {
	var total int
	for _, e := range in.entries {
		total += e.Size
	}
	return total
}

// WeightMap maps the address of each weight to its name.
func (in *Inspector) WeightMap() map[uintptr]string {
	m := make(map[uintptr]string, len(in.entries))
	for _, e := range in.entries {
		m[e.Address] = e.Name
	}
	return m
}

// Lookup finds the weight holding the numBytes starting at addr, and the offset of addr within it.
// The whole range must be inside one weight, otherwise it returns ErrUnmappedAddress.
func (in *Inspector) Lookup(addr uintptr, numBytes int) (entry *Entry, offset int, err error) {
	if numBytes < 0 {
		return nil, 0, errors.Errorf("invalid number of bytes %d", numBytes)
	}
	for _, e := range in.entries {
		if addr >= e.Address && addr+uintptr(numBytes) <= e.End() {
			return e, int(addr - e.Address), nil
		}
	}
	return nil, 0, errors.Wrapf(ErrUnmappedAddress, "%#x+%d", addr, numBytes)
}

// Peek returns a copy of numBytes of weight memory starting at addr.
func (in *Inspector) Peek(addr uintptr, numBytes int) ([]byte, error) {
	e, offset, err := in.Lookup(addr, numBytes)
	if err != nil {
		return nil, err
	}
	out := make([]byte, numBytes)
	err = e.constBytes(func(data []byte) {
		copy(out, data[offset:offset+numBytes])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Poke overwrites weight memory starting at addr with data.
//
// Copies of the weight on an accelerator are invalidated, so the next execution of the model uses the new values.
func (in *Inspector) Poke(addr uintptr, data []byte) error {
	e, offset, err := in.Lookup(addr, len(data))
	if err != nil {
		return err
	}
	klog.V(1).Infof("weights: poking %d bytes into %q at offset %d", len(data), e.Name, offset)
	return e.mutableBytes(func(dst []byte) {
		copy(dst[offset:], data)
	})
}

// Dump serializes all weights into one flat buffer: the concatenation of their bytes, in the order of Entries.
func (in *Inspector) Dump() ([]byte, error) {
	flat := make([]byte, 0, in.TotalBytes())
	for _, e := range in.entries {
		err := e.constBytes(func(data []byte) {
			flat = append(flat, data...)
		})
		if err != nil {
			return nil, err
		}
	}
	return flat, nil
}

// Load restores weights from a flat buffer created by Dump.
//
// If flat is too short to hold all weights, nothing is written and the error names the first weight that
// doesn't fit. Extra bytes at the end are ignored with a warning.
func (in *Inspector) Load(flat []byte) error {
	total := 0
	for _, e := range in.entries {
		if total+e.Size > len(flat) {
			return errors.Errorf("flat buffer of %d bytes too short for weight %q (needs bytes [%d, %d))",
				len(flat), e.Name, total, total+e.Size)
		}
		total += e.Size
	}
	offset := 0
	for _, e := range in.entries {
		err := e.mutableBytes(func(dst []byte) {
			copy(dst, flat[offset:offset+e.Size])
		})
		if err != nil {
			return err
		}
		offset += e.Size
	}
	if offset != len(flat) {
		klog.Warningf("weights: %d unused bytes remain in flat buffer of %d bytes", len(flat)-offset, len(flat))
	}
	return nil
}
