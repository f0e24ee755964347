// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GRU gates, in the order they are stored in the weights.
const (
	gruReset = iota
	gruUpdate
	gruNew
	gruNumGates
)

// GRUCell applies one step of a "Gated Recurrent Unit" [1] to the hidden state, given the inputs.
//
// inputs are shaped `[<batch axes...>, featuresSize]` and hidden `[<batch axes...>, hiddenSize]`, with the same
// batch axes. It returns the new hidden state, with the same shape as hidden.
//
// The weights are created in ctx: "inputsW" `[3, featuresSize, hiddenSize]`, "recurrentW" `[3, hiddenSize, hiddenSize]`
// and "biases" `[6, hiddenSize]`, with the gates in the order reset, update and new:
//
//	r = σ(x·Wir + bir + h·Whr + bhr)
//	z = σ(x·Wiz + biz + h·Whz + bhz)
//	n = tanh(x·Win + bin + r * (h·Whn + bhn))
//	h' = (1-z) * n + z * h
//
// [1] https://arxiv.org/abs/1406.1078
func GRUCell(ctx *context.Context, inputs, hidden *Node) *Node {
	g := hidden.Graph()
	dtype := hidden.DType()
	if inputs.Rank() != hidden.Rank() || inputs.Rank() < 1 ||
		!slices.Equal(inputs.Shape().Dimensions[:inputs.Rank()-1], hidden.Shape().Dimensions[:hidden.Rank()-1]) {
		exceptions.Panicf("GRUCell requires inputs and hidden with the same batch axes, got inputs.shape=%s, hidden.shape=%s",
			inputs.Shape(), hidden.Shape())
	}
	featuresSize := inputs.Shape().Dim(-1)
	hiddenSize := hidden.Shape().Dim(-1)

	// Flatten batch axes: x is [n, featuresSize], h is [n, hiddenSize].
	batchSize := hidden.Shape().Size() / hiddenSize
	x := Reshape(inputs, batchSize, featuresSize)
	h := Reshape(hidden, batchSize, hiddenSize)

	inputsW := ctx.VariableWithShape("inputsW", shapes.Make(dtype, gruNumGates, featuresSize, hiddenSize)).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("recurrentW", shapes.Make(dtype, gruNumGates, hiddenSize, hiddenSize)).ValueGraph(g)
	biases := ctx.VariableWithShape("biases", shapes.Make(dtype, 2*gruNumGates, hiddenSize)).ValueGraph(g)

	// Projections shaped [3 (gates), n, hiddenSize].
	projX := Einsum("nf,gfh->gnh", x, inputsW)
	projX = Add(projX, InsertAxes(Slice(biases, AxisRangeFromStart(gruNumGates)), 1))
	projH := Einsum("nj,gjh->gnh", h, recurrentW)
	projH = Add(projH, InsertAxes(Slice(biases, AxisRangeToEnd(gruNumGates)), 1))
	gate := func(proj *Node, idx int) *Node {
		return Squeeze(Slice(proj, AxisElem(idx)), 0)
	}

	r := Sigmoid(Add(gate(projX, gruReset), gate(projH, gruReset)))
	z := Sigmoid(Add(gate(projX, gruUpdate), gate(projH, gruUpdate)))
	n := Tanh(Add(gate(projX, gruNew), Mul(r, gate(projH, gruNew))))
	newH := Add(Mul(OneMinus(z), n), Mul(z, h))
	return Reshape(newH, hidden.Shape().Dimensions...)
}
