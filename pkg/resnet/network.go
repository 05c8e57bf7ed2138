// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network holds a SimpleResNet ready to be evaluated: the context with its variables and the compiled executor.
//
// Variables are created and initialized lazily, on the first call to Forward.
type Network struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
}

// New creates a Network whose variables live under ctx.In(ModelScope).
//
// If ctx is nil, CreateDefaultContext(DefaultSeed) is used.
func New(backend backends.Backend, ctx *context.Context) (*Network, error) {
	if backend == nil {
		return nil, errors.New("resnet.New requires a backend")
	}
	if ctx == nil {
		ctx = CreateDefaultContext(DefaultSeed)
	}
	n := &Network{backend: backend, ctx: ctx.In(ModelScope)}
	var err error
	n.exec, err = context.NewExec(backend, n.ctx, func(ctx *context.Context, images *Node) *Node {
		return Model(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create SimpleResNet executor")
	}
	return n, nil
}

// Context returns the context scoped to the model variables.
func (n *Network) Context() *context.Context { return n.ctx }

// Backend used by the Network.
func (n *Network) Backend() backends.Backend { return n.backend }

// Forward evaluates the network on images, shaped `[batch, 3, height, width]`, in inference mode:
// batch normalization uses its moving averages.
//
// It returns the logits shaped `[batch, NumClasses]`.
func (n *Network) Forward(images *tensors.Tensor) (logits *tensors.Tensor, err error) {
	if images == nil {
		return nil, errors.New("resnet.Forward: nil images")
	}
	exception := exceptions.TryCatch[error](func() {
		logits, err = n.exec.Exec1(images)
	})
	if exception != nil {
		return nil, errors.WithMessagef(exception, "SimpleResNet forward pass on %s failed", images.Shape())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "SimpleResNet forward pass on %s failed", images.Shape())
	}
	klog.V(1).Infof("SimpleResNet forward: %s -> %s", images.Shape(), logits.Shape())
	return logits, nil
}

// Finalize releases the compiled executor. Variables in the context are not affected.
func (n *Network) Finalize() {
	if n.exec != nil {
		n.exec.Finalize()
		n.exec = nil
	}
}

// SyntheticImages returns standard-normal images shaped `[batchSize, 3, height, width]` as float32.
// The same seed always generates the same images.
func SyntheticImages(backend backends.Backend, seed int64, batchSize, height, width int) (*tensors.Tensor, error) {
	if batchSize <= 0 || height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid synthetic images dimensions batch=%d, height=%d, width=%d",
			batchSize, height, width)
	}
	ctx := context.New()
	if err := ctx.SetRNGStateFromSeed(seed); err != nil {
		return nil, errors.WithMessagef(err, "failed to seed synthetic images with %d", seed)
	}
	shape := shapes.Make(dtypes.Float32, batchSize, NumInputChannels, height, width)
	images, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g, shape)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to generate synthetic images %s", shape)
	}
	return images, nil
}
