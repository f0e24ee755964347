// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"

	"github.com/gomlx/slotattention/anneal"
	"github.com/gomlx/slotattention/onecycle"
)

// nanLogger traces the first NaN or Inf in the model graph, when set (see ParamNanLogger).
// A nil NanLogger is a no-op.
var nanLogger *nanlogger.NanLogger

// ModelGraph builds the set prediction model, it implements train.ModelFn.
//
// The inputs are the images shaped `[batch, 3, height, width]` and the slots noise shaped
// `[batch, numSlots, slotSize]` (see Matcher). It returns one output, the predictions shaped
// `[batch, numSlots, clevr.AttributeDim]`: the normalized coordinates followed by the normalized properties.
//
// While training, it also updates the learning rate with the one-cycle schedule.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	if len(inputs) != 2 {
		exceptions.Panicf("ModelGraph requires 2 inputs, images and slots noise, got %d inputs", len(inputs))
	}
	images, noise := inputs[0], inputs[1]
	g := images.Graph()
	dtype := images.DType()

	// One-cycle learning rate schedule, only acts when training.
	onecycle.New(ctx, g, dtype).FromContext().Done()

	slots := SlotsGraph(ctx, images, noise)

	var temperature *Node
	if context.GetParamOr(ctx, ParamQuantize, false) {
		temperature = StopGradient(anneal.TemperatureGraph(ctx, g, dtype))
	}
	coords := CoordinatesHead(ctx.In("coordinates"), slots)
	nanLogger.TraceFirstNaN(coords, "coordinates")
	props := PropertiesHead(ctx.In("properties"), slots, temperature)
	nanLogger.TraceFirstNaN(props, "properties")
	return []*Node{Concatenate([]*Node{coords, props}, -1)}
}

// SlotsGraph encodes the images and binds the features to the slots. It returns the slots shaped
// `[batch, numSlots, slotSize]`.
func SlotsGraph(ctx *context.Context, images, noise *Node) *Node {
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 64)
	slotSize := context.GetParamOr(ctx, ParamSlotSize, 64)
	if noise.Shape().Dim(-1) != slotSize {
		exceptions.Panicf("slots noise must be shaped [batch, numSlots, %d (%s)], got %s",
			slotSize, ParamSlotSize, noise.Shape())
	}
	features, positions := EncoderGraph(ctx.In("encoder"), images)
	nanLogger.TraceFirstNaN(features, "encoder")

	ctxSlots := ctx.In("slot_attention")
	var slots *Node
	if context.GetParamOr(ctx, ParamPositionInSlots, false) {
		// The position embedding is added inside the slot attention. The encoder features are only projected if
		// their size differs from the slot size.
		if features.Shape().Dim(-1) != slotSize {
			features = layers.Dense(ctx.In("features_projection"), features, true, slotSize)
			positions = layers.Dense(ctx.In("positions_projection"), positions, true, slotSize)
		}
		slots = NewSlotAttention(ctxSlots, features, noise).FromContext().Positions(positions).Done()
		nanLogger.TraceFirstNaN(slots, "slot_attention")
		return slots
	}
	features = Add(features, positions)
	features = layers.LayerNormalization(ctx.In("features_norm"), features, -1).Epsilon(1e-5).Done()
	features = InputMLP(ctx.In("features_mlp"), features, hiddenSize, slotSize)
	slots = NewSlotAttention(ctxSlots, features, noise).FromContext().Done()
	nanLogger.TraceFirstNaN(slots, "slot_attention")
	return slots
}
