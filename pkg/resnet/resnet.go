// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements SimpleResNet, a tiny residual convolutional network used as a target
// for inspecting where model weights live in memory.
//
// The layout is channels-first, that is, images are shaped `[batch, channels, height, width]`:
//
//	layer1: Conv3x3(3->16) -> BatchNorm -> ReLU
//	res1:   ResidualBlock(16->16, stride 1)
//	res2:   ResidualBlock(16->32, stride 2)
//	pool:   global average pooling over the spatial axes
//	fc:     Linear(32->NumClasses)
//
// Hyperparameters are read from the context, see the Param* constants and CreateDefaultContext.
package resnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/janpfeifer/must"
)

const (
	// ParamNumClasses is the number of output logits.
	ParamNumClasses = "resnet_num_classes"

	// ParamStemChannels is the number of channels of layer1 and res1.
	ParamStemChannels = "resnet_stem_channels"

	// ParamRes2Channels is the number of output channels of res2 (and the input of fc).
	ParamRes2Channels = "resnet_res2_channels"

	// ParamBatchNormMomentum is the momentum of the batch normalization moving averages.
	// The default 0.9 matches PyTorch's, as opposed to GoMLX's 0.99.
	ParamBatchNormMomentum = "resnet_bn_momentum"

	// ParamBatchNormEpsilon is added to the variance by batch normalization.
	ParamBatchNormEpsilon = "resnet_bn_epsilon"
)

const (
	// ModelScope is the scope under which all the variables of the model are created.
	ModelScope = "model"

	// NumInputChannels of the images: RGB.
	NumInputChannels = 3

	// DefaultSeed used by CreateDefaultContext when none is given.
	DefaultSeed = 42
)

// CreateDefaultContext returns a new context with the default hyperparameters set and
// its random number generator seeded, so variables initialize deterministically.
func CreateDefaultContext(seed int64) *context.Context {
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(seed))
	ctx.SetParams(map[string]any{
		ParamNumClasses:        10,
		ParamStemChannels:      16,
		ParamRes2Channels:      32,
		ParamBatchNormMomentum: 0.9,
		ParamBatchNormEpsilon:  1e-5,
	})
	return ctx
}

// conv is a bias-free 2D convolution in channels-first layout, with "same" padding for kernels larger than 1.
func conv(ctx *context.Context, x *Node, channels, kernelSize, stride int) *Node {
	builder := layers.Convolution(ctx, x).
		CurrentScope().
		ChannelsAxis(timages.ChannelsFirst).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		UseBias(false)
	if kernelSize > 1 {
		builder = builder.PadSame()
	}
	return builder.Done()
}

// batchNorm normalizes x over all axes but the channels one (axis 1).
func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, 1).
		CurrentScope().
		Momentum(context.GetParamOr(ctx, ParamBatchNormMomentum, 0.9)).
		Epsilon(context.GetParamOr(ctx, ParamBatchNormEpsilon, 1e-5)).
		UseBackendInference(false).
		Done()
}

// ResidualBlock computes relu(bn2(conv2(relu(bn1(conv1(x))))) + skip), where skip is x itself, or, if the
// stride or the number of channels change, a 1x1 strided convolution of x followed by batch normalization.
//
// Variables are created under the scopes "conv1", "bn1", "conv2", "bn2" and, if needed, "skip_conv" and "skip_bn".
func ResidualBlock(ctx *context.Context, x *Node, outChannels, stride int) *Node {
	inChannels := x.Shape().Dimensions[1]

	out := conv(ctx.In("conv1"), x, outChannels, 3, stride)
	out = activations.Relu(batchNorm(ctx.In("bn1"), out))
	out = conv(ctx.In("conv2"), out, outChannels, 3, 1)
	out = batchNorm(ctx.In("bn2"), out)

	skip := x
	if stride != 1 || inChannels != outChannels {
		skip = conv(ctx.In("skip_conv"), x, outChannels, 1, stride)
		skip = batchNorm(ctx.In("skip_bn"), skip)
	}
	return activations.Relu(Add(out, skip))
}

// linear projects x, shaped `[batch, features]`, to `[batch, outDim]` with a weights matrix and a bias.
func linear(ctx *context.Context, x *Node, outDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inDim := x.Shape().Dimensions[1]
	weights := ctx.VariableWithShape("weights", shapes.Make(dtype, inDim, outDim)).ValueGraph(g)
	biases := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outDim)).ValueGraph(g)
	return Add(MatMul(x, weights), Reshape(biases, 1, outDim))
}

// Model builds the SimpleResNet graph and returns the logits shaped `[batch, NumClasses]`.
//
// images must be shaped `[batch, 3, height, width]`. It panics otherwise.
func Model(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 || images.Shape().Dimensions[1] != NumInputChannels {
		exceptions.Panicf("resnet.Model expects images shaped [batch, %d, height, width], got %s",
			NumInputChannels, images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	stemChannels := context.GetParamOr(ctx, ParamStemChannels, 16)
	res2Channels := context.GetParamOr(ctx, ParamRes2Channels, 32)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)

	x := conv(ctx.In("layer1").In("0"), images, stemChannels, 3, 1)
	x = activations.Relu(batchNorm(ctx.In("layer1").In("1"), x))
	x = ResidualBlock(ctx.In("res1"), x, stemChannels, 1)
	x = ResidualBlock(ctx.In("res2"), x, res2Channels, 2)

	// Global average pooling, same as an adaptive average pooling to 1x1 followed by flattening.
	x = ReduceMean(x, 2, 3)
	x.AssertDims(batchSize, res2Channels)

	logits := linear(ctx.In("fc"), x, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}

// ModelGraph implements train.ModelFn for Model: inputs holds only the images.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{Model(ctx, inputs[0])}
}
