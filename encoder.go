// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// encoderStrides of the 4 convolutions: the output grid is 4 times smaller than the image.
var encoderStrides = []int{1, 2, 2, 1}

// EncoderKernelSize of the encoder convolutions.
const EncoderKernelSize = 5

// EncoderGraph encodes images shaped `[batch, 3, height, width]` with a CNN and returns:
//
//   - features: shaped `[batch, numPositions, channels]`, where numPositions = (height/4) * (width/4).
//   - positions: the learned soft position embedding, shaped `[1, numPositions, channels]`, to be added to features.
//
// The number of channels is given by the hyperparameter ParamEncoderChannels.
func EncoderGraph(ctx *context.Context, images *Node) (features, positions *Node) {
	if images.Rank() != 4 {
		exceptions.Panicf("EncoderGraph requires images shaped [batch, channels, height, width], got %s", images.Shape())
	}
	channels := context.GetParamOr(ctx, ParamEncoderChannels, 64)
	x := images
	for ii, stride := range encoderStrides {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", ii)), x).
			ChannelsAxis(timages.ChannelsFirst).
			Channels(channels).
			KernelSize(EncoderKernelSize).
			PadSame().
			Strides(stride).
			Done()
		x = activations.Relu(x)
	}

	// Channels last from here on: [batch, h, w, channels].
	x = TransposeAllDims(x, 0, 2, 3, 1)
	batchSize, height, width := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2)
	positions = SoftPositionEmbedding(ctx.In("position_embedding"), x)
	features = Reshape(x, batchSize, height*width, channels)
	positions = Reshape(positions, 1, height*width, channels)
	return
}

// SoftPositionEmbedding returns a learned embedding of the position of each cell of the grid of features, shaped
// `[batch, height, width, channels]`. The returned embedding is shaped `[1, height, width, channels]`, to be
// broadcast over the batch.
//
// It projects the 4 features of BuildGrid to the channels dimension with a dense layer.
func SoftPositionEmbedding(ctx *context.Context, features *Node) *Node {
	if features.Rank() != 4 {
		exceptions.Panicf("SoftPositionEmbedding requires features shaped [batch, height, width, channels], got %s",
			features.Shape())
	}
	g := features.Graph()
	height, width, channels := features.Shape().Dim(1), features.Shape().Dim(2), features.Shape().Dim(3)
	grid := BuildGrid(g, features.DType(), height, width)
	return layers.Dense(ctx, grid, true, channels)
}

// BuildGrid returns a grid shaped `[1, height, width, 4]` with the features `[y, x, 1-y, 1-x]` of each cell, where
// x and y go linearly from 0 to 1 along their axis.
func BuildGrid(g *Graph, dtype dtypes.DType, height, width int) *Node {
	linspace := func(size, axis int) *Node {
		values := Iota(g, shapes.Make(dtype, height, width), axis)
		if size > 1 {
			values = DivScalar(values, float64(size-1))
		}
		return values
	}
	y := linspace(height, 0)
	x := linspace(width, 1)
	grid := Stack([]*Node{y, x, OneMinus(y), OneMinus(x)}, 2)
	return InsertAxes(grid, 0)
}
