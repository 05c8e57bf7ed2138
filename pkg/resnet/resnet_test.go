// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend uses the pure Go backend, so tests don't depend on any C library.
func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func TestForwardShape(t *testing.T) {
	backend := testBackend(t)
	net, err := New(backend, nil)
	require.NoError(t, err)
	defer net.Finalize()

	images, err := SyntheticImages(backend, DefaultSeed, 4, 64, 64)
	require.NoError(t, err)
	require.NoError(t, images.Shape().Check(dtypes.Float32, 4, 3, 64, 64))

	logits, err := net.Forward(images)
	require.NoError(t, err)
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 4, 10))

	for i, v := range tensors.MustCopyFlatData[float32](logits) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "logit #%d is not finite: %g", i, v)
	}
}

func TestForwardDeterministic(t *testing.T) {
	backend := testBackend(t)
	images, err := SyntheticImages(backend, 7, 2, 16, 16)
	require.NoError(t, err)
	sameImages, err := SyntheticImages(backend, 7, 2, 16, 16)
	require.NoError(t, err)
	require.True(t, images.Equal(sameImages), "same seed should generate the same images")

	var outputs []*tensors.Tensor
	for range 2 {
		net, err := New(backend, CreateDefaultContext(11))
		require.NoError(t, err)
		logits, err := net.Forward(images)
		require.NoError(t, err)
		outputs = append(outputs, logits)
		net.Finalize()
	}
	assert.True(t, outputs[0].InDelta(outputs[1], 1e-5), "same seed should yield the same initialization")
}

func TestSeeds(t *testing.T) {
	backend := testBackend(t)
	images, err := SyntheticImages(backend, 1, 2, 8, 8)
	require.NoError(t, err)
	otherImages, err := SyntheticImages(backend, 2, 2, 8, 8)
	require.NoError(t, err)
	assert.False(t, images.Equal(otherImages), "different seeds should generate different images")

	var outputs []*tensors.Tensor
	for _, seed := range []int64{3, 4} {
		net, err := New(backend, CreateDefaultContext(seed))
		require.NoError(t, err)
		logits, err := net.Forward(images)
		require.NoError(t, err)
		outputs = append(outputs, logits)
		net.Finalize()
	}
	assert.False(t, outputs[0].InDelta(outputs[1], 1e-5), "different seeds should yield different initializations")
}

func TestBatchNormInference(t *testing.T) {
	// Freshly initialized batch normalization in inference mode: moving mean 0, variance 1, scale 1, offset 0.
	backend := testBackend(t)
	ctx := CreateDefaultContext(DefaultSeed)
	input := []float32{-2, -1, 0.5, 3, 1, 4, 9, -7}
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Reshape(Const(g, input), 1, 2, 2, 2)
		return batchNorm(ctx.In("bn"), x)
	})
	require.NoError(t, err)
	require.NoError(t, output.Shape().Check(dtypes.Float32, 1, 2, 2, 2))
	got := tensors.MustCopyFlatData[float32](output)
	scale := 1 / math.Sqrt(1+1e-5)
	for i, v := range input {
		assert.InDelta(t, float64(v)*scale, float64(got[i]), 1e-4, "element #%d", i)
	}
}

func TestVariables(t *testing.T) {
	backend := testBackend(t)
	net, err := New(backend, nil)
	require.NoError(t, err)
	defer net.Finalize()
	images, err := SyntheticImages(backend, DefaultSeed, 1, 8, 8)
	require.NoError(t, err)
	_, err = net.Forward(images)
	require.NoError(t, err)

	var numTrainable, numElements int
	byName := make(map[string]shapes.Shape)
	for v := range net.Context().IterVariablesInScope() {
		require.True(t, strings.HasPrefix(v.Scope(), "/"+ModelScope), "variable %s outside of model scope", v.ScopeAndName())
		byName[v.ScopeAndName()] = v.Shape()
		if v.Trainable {
			numTrainable++
			numElements += v.Shape().Size()
		}
	}
	// 6 convolutions (bias-free), 6 batch normalizations (scale and offset), fc weights and biases.
	assert.Equal(t, 6+6*2+2, numTrainable)
	assert.Equal(t, 19994, numElements)

	assert.Equal(t, []int{16, 3, 3, 3}, byName["/model/layer1/0/weights"].Dimensions)
	assert.Equal(t, []int{32, 16, 1, 1}, byName["/model/res2/skip_conv/weights"].Dimensions)
	assert.Equal(t, []int{32, 10}, byName["/model/fc/weights"].Dimensions)
	_, found := byName["/model/res1/skip_conv/weights"]
	assert.False(t, found, "res1 keeps channels and stride, it should not have a skip convolution")
}

func TestModelBadInput(t *testing.T) {
	backend := testBackend(t)
	ctx := CreateDefaultContext(DefaultSeed)
	var execErr error
	exception := exceptions.TryCatch[error](func() {
		// Channels-last images are rejected.
		_, execErr = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return Model(ctx, Ones(g, shapes.Make(dtypes.Float32, 2, 8, 8, 3)))
		})
	})
	require.True(t, exception != nil || execErr != nil, "Model should fail for channels-last images")

	net, err := New(backend, nil)
	require.NoError(t, err)
	defer net.Finalize()
	_, err = net.Forward(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 5)))
	require.Error(t, err)
	_, err = net.Forward(nil)
	require.Error(t, err)
}

func TestSyntheticImagesInvalid(t *testing.T) {
	_, err := SyntheticImages(testBackend(t), 1, 0, 64, 64)
	require.Error(t, err)
}

func TestNumClassesParam(t *testing.T) {
	backend := testBackend(t)
	ctx := CreateDefaultContext(DefaultSeed)
	ctx.SetParam(ParamNumClasses, 3)
	net, err := New(backend, ctx)
	require.NoError(t, err)
	defer net.Finalize()
	images, err := SyntheticImages(backend, 1, 2, 8, 8)
	require.NoError(t, err)
	logits, err := net.Forward(images)
	require.NoError(t, err)
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 3))
}
