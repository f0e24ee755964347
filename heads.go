// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/slotattention/clevr"
)

// NumProperties predicted by PropertiesHead: all attributes but the 3 coordinates.
const NumProperties = clevr.AttributeDim - 3

// PropertyGroups are the ranges of the properties logits normalized with a softmax, relative to the start of the
// properties (so shifted by the 3 coordinates from the clevr ranges).
var PropertyGroups = func() []clevr.Range {
	groups := make([]clevr.Range, len(clevr.CategoricalRanges))
	for ii, r := range clevr.CategoricalRanges {
		groups[ii] = propertyRange(r)
	}
	return groups
}()

// RealFlagRange of the properties logits, normalized with a sigmoid.
var RealFlagRange = propertyRange(clevr.RealRange)

func propertyRange(r clevr.Range) clevr.Range {
	return clevr.Range{Start: r.Start - clevr.CoordsRange.End, End: r.End - clevr.CoordsRange.End}
}

// CoordinatesHead maps the slots `[batch, numSlots, slotSize]` to the normalized coordinates of the object,
// shaped `[batch, numSlots, 3]`, in the range [0, 1].
func CoordinatesHead(ctx *context.Context, slots *Node) *Node {
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 64)
	return Sigmoid(InputMLP(ctx, slots, hiddenSize, clevr.CoordsRange.Len()))
}

// PropertiesHead maps the slots `[batch, numSlots, slotSize]` to the normalized object properties, shaped
// `[batch, numSlots, NumProperties]`. See NormalizeProperties.
//
// temperature is an optional scalar (it can be nil) dividing the logits of the categorical properties.
func PropertiesHead(ctx *context.Context, slots, temperature *Node) *Node {
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 64)
	logits := InputMLP(ctx, slots, hiddenSize, NumProperties)
	return NormalizeProperties(logits, temperature)
}

// NormalizeProperties normalizes the properties logits shaped `[..., NumProperties]`: a softmax over each of the
// PropertyGroups (size, material, shape and color) and a sigmoid over the real object flag.
//
// If temperature is not nil, the categorical logits are divided by it before the softmax.
func NormalizeProperties(logits, temperature *Node) *Node {
	if logits.Shape().Dim(-1) != NumProperties {
		exceptions.Panicf("NormalizeProperties requires logits with last dimension %d, got shape %s",
			NumProperties, logits.Shape())
	}
	lastAxis := logits.Rank() - 1
	parts := make([]*Node, 0, len(PropertyGroups)+1)
	for _, group := range PropertyGroups {
		groupLogits := SliceAxis(logits, lastAxis, AxisRange(group.Start, group.End))
		if temperature != nil {
			groupLogits = Div(groupLogits, temperature)
		}
		parts = append(parts, Softmax(groupLogits, lastAxis))
	}
	realLogit := SliceAxis(logits, lastAxis, AxisRange(RealFlagRange.Start, RealFlagRange.End))
	parts = append(parts, Sigmoid(realLogit))
	return Concatenate(parts, lastAxis)
}
