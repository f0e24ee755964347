// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SlotAttention holds the configuration of a Slot Attention module. Create it with NewSlotAttention, configure it
// and call Done to get the slots.
type SlotAttention struct {
	ctx                  *context.Context
	inputs, noise        *Node
	positions            *Node
	numIterations        int
	hiddenSize           int
	epsilon, normEpsilon float64
	numSlots, slotSize   int
	batchSize, numInputs int

	// Set by Done.
	lastAttention *Node
}

// NewSlotAttention prepares a Slot Attention module over inputs shaped `[batch, numInputs, slotSize]`.
//
// The initial slots are sampled as `mu + exp(logSigma) * noise`, where noise is a standard normal input shaped
// `[batch, numSlots, slotSize]`, and mu and logSigma are learned. Passing the noise from the outside lets the same
// slots be drawn twice for the same batch.
//
// Configure it with the various options, and call Done to get the slots.
func NewSlotAttention(ctx *context.Context, inputs, noise *Node) *SlotAttention {
	if inputs.Rank() != 3 || noise.Rank() != 3 {
		exceptions.Panicf("SlotAttention requires inputs shaped [batch, numInputs, slotSize] and noise shaped "+
			"[batch, numSlots, slotSize], got inputs.shape=%s, noise.shape=%s", inputs.Shape(), noise.Shape())
	}
	if inputs.Shape().Dim(0) != noise.Shape().Dim(0) || inputs.Shape().Dim(2) != noise.Shape().Dim(2) {
		exceptions.Panicf("SlotAttention inputs and noise must have the same batch size and slot size, got "+
			"inputs.shape=%s, noise.shape=%s", inputs.Shape(), noise.Shape())
	}
	slotSize := inputs.Shape().Dim(2)
	return &SlotAttention{
		ctx:           ctx,
		inputs:        inputs,
		noise:         noise,
		numIterations: 3,
		hiddenSize:    2 * slotSize,
		epsilon:       1e-8,
		normEpsilon:   1e-5,
		batchSize:     inputs.Shape().Dim(0),
		numInputs:     inputs.Shape().Dim(1),
		numSlots:      noise.Shape().Dim(1),
		slotSize:      slotSize,
	}
}

// FromContext configures the number of iterations from the hyperparameter ParamNumIterations.
func (sa *SlotAttention) FromContext() *SlotAttention {
	return sa.NumIterations(context.GetParamOr(sa.ctx, ParamNumIterations, sa.numIterations))
}

// NumIterations of attention and slots update. Default is 3.
func (sa *SlotAttention) NumIterations(n int) *SlotAttention {
	if n < 1 {
		exceptions.Panicf("SlotAttention.NumIterations must be >= 1, got %d", n)
	}
	sa.numIterations = n
	return sa
}

// HiddenSize of the residual MLP applied to the slots after each update. Default is 2*slotSize.
func (sa *SlotAttention) HiddenSize(n int) *SlotAttention {
	sa.hiddenSize = n
	return sa
}

// Epsilon added to the attention weights before they are normalized over the inputs. Default is 1e-8.
func (sa *SlotAttention) Epsilon(eps float64) *SlotAttention {
	sa.epsilon = eps
	return sa
}

// Positions sets a position embedding shaped `[1, numInputs, slotSize]` (or with the batch dimension) to be added
// to the inputs, followed by a layer normalization and an MLP. It's used when the position embedding is not
// added by the encoder.
func (sa *SlotAttention) Positions(positions *Node) *SlotAttention {
	if positions.Rank() != 3 || positions.Shape().Dim(1) != sa.numInputs || positions.Shape().Dim(2) != sa.slotSize {
		exceptions.Panicf("SlotAttention.Positions must be shaped [1, %d, %d], got %s",
			sa.numInputs, sa.slotSize, positions.Shape())
	}
	sa.positions = positions
	return sa
}

// Attention returns the attention map of the last iteration, shaped `[batch, numSlots, numInputs]`.
// It's only available after Done is called. Each input's attention sums to one over the slots (up to epsilon).
func (sa *SlotAttention) Attention() *Node {
	return sa.lastAttention
}

// Done builds the Slot Attention graph and returns the slots, shaped `[batch, numSlots, slotSize]`.
func (sa *SlotAttention) Done() *Node {
	ctx := sa.ctx
	g := sa.inputs.Graph()
	dtype := sa.inputs.DType()
	slotSize := sa.slotSize

	// Initial slots.
	initCtx := ctx.In("init").WithInitializer(glorotUniform(ctx, sa.slotSize))
	mu := initCtx.VariableWithShape("mu", shapes.Make(dtype, 1, 1, slotSize)).ValueGraph(g)
	logSigma := initCtx.VariableWithShape("log_sigma", shapes.Make(dtype, 1, 1, slotSize)).ValueGraph(g)
	slots := Add(mu, Mul(Exp(logSigma), sa.noise))

	inputs := sa.inputs
	if sa.positions != nil {
		inputs = Add(inputs, sa.positions)
		inputs = InputMLP(ctx.In("input_mlp"), sa.layerNorm(ctx.In("norm_positions"), inputs), slotSize, slotSize)
	}
	inputs = sa.layerNorm(ctx.In("norm_inputs"), inputs)
	keys := layers.Dense(ctx.In("to_k"), inputs, false, slotSize)
	values := layers.Dense(ctx.In("to_v"), inputs, false, slotSize)
	scale := 1.0 / math.Sqrt(float64(slotSize))

	for iteration := range sa.numIterations {
		iterCtx := ctx
		if iteration > 0 {
			iterCtx = ctx.Reuse()
		}
		prevSlots := slots
		slots = sa.layerNorm(iterCtx.In("norm_slots"), slots)
		queries := layers.Dense(iterCtx.In("to_q"), slots, false, slotSize)

		// dots: [batch, numSlots (i), numInputs (j)]
		dots := MulScalar(Einsum("bid,bjd->bij", queries, keys), scale)

		// Softmax over the slots: slots compete for each input.
		attention := AddScalar(Softmax(dots, 1), sa.epsilon)
		sa.lastAttention = attention

		// Weighted mean over the inputs.
		attention = Div(attention, ReduceAndKeep(attention, ReduceSum, 2))
		updates := Einsum("bij,bjd->bid", attention, values)

		slots = GRUCell(iterCtx.In("gru"), updates, prevSlots)
		residual := sa.layerNorm(iterCtx.In("norm_pre_ff"), slots)
		residual = InputMLP(iterCtx.In("mlp"), residual, sa.hiddenSize, slotSize)
		slots = Add(slots, residual)
	}
	return slots
}

func (sa *SlotAttention) layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(sa.normEpsilon).Done()
}

// InputMLP is the 2 layers MLP used on the encoded features and on the slots: `Dense(hidden) -> ReLU -> Dense(output)`.
func InputMLP(ctx *context.Context, x *Node, hiddenSize, outputSize int) *Node {
	x = layers.Dense(ctx.In("hidden"), x, true, hiddenSize)
	x = activations.Relu(x)
	return layers.Dense(ctx.In("output"), x, true, outputSize)
}

// glorotUniform initializer for a variable of the given fan-out and a fan-in of 1, using the context random
// number generator.
func glorotUniform(ctx *context.Context, fanOut int) context.VariableInitializer {
	limit := math.Sqrt(6.0 / float64(1+fanOut))
	return func(g *Graph, shape shapes.Shape) *Node {
		u := ctx.RandomUniform(g, shape) // [0, 1)
		return MulScalar(AddScalar(MulScalar(u, 2), -1), limit)
	}
}
