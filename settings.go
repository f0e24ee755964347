// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package slotattention trains a Slot Attention set predictor on CLEVR: a CNN encoder with soft position
// embeddings feeds a Slot Attention module, and per-slot heads predict the coordinates and properties of
// each object. Training uses a Hungarian-matched Huber loss, so the order of the slots doesn't matter.
//
// See Locatello et al., "Object-Centric Learning with Slot Attention" [1].
//
// [1] https://arxiv.org/abs/2006.15055
package slotattention

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/slotattention/anneal"
	"github.com/gomlx/slotattention/onecycle"
)

// Hyperparameters names, see CreateDefaultContext for their defaults.
const (
	ParamTrainSteps          = "train_steps"
	ParamBatchSize           = "batch_size"
	ParamEvalBatchSize       = "eval_batch_size"
	ParamNumCheckpoints      = "num_checkpoints"
	ParamCheckpointFrequency = "checkpoint_frequency"
	ParamAPFrequency         = "ap_frequency"

	ParamResolution      = "resolution"
	ParamNumSlots        = "num_slots"
	ParamNumIterations   = "num_iterations"
	ParamHiddenSize      = "hidden_size"
	ParamSlotSize        = "slot_size"
	ParamEncoderChannels = "encoder_channels"

	// ParamPositionInSlots selects the variant where the position embedding is added inside the slot attention,
	// as opposed to the encoder ("base" variant, the default).
	ParamPositionInSlots = "slot_attention_position_in_slots"

	// ParamQuantize enables scaling the properties logits by the annealed temperature.
	ParamQuantize = "quantize"

	ParamMaxTrainExamples      = "clevr_max_train_examples"
	ParamMaxValidationExamples = "clevr_max_validation_examples"

	ParamNanLogger = "nan_logger"

	// ParamRNGReset resets the random number generator state when training starts, also when continuing from a
	// checkpoint.
	ParamRNGReset = "rng_reset"
)

// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
// from models checkpoints.
//
// These are appended to the list of settings given in the command line in the flag -set.
var ParamsExcludedFromLoading = []string{
	ParamTrainSteps, ParamMaxTrainExamples, ParamMaxValidationExamples, ParamNanLogger, ParamAPFrequency, ParamRNGReset,
}

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:          200_000,
		ParamNumCheckpoints:      5,
		ParamCheckpointFrequency: "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		ParamBatchSize: 32,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 32,

		// ap_frequency is the number of steps between average precision reports on a validation batch.
		// Set to 0 to disable.
		ParamAPFrequency: 1000,

		// Model parameters.
		ParamResolution:      128,
		ParamNumSlots:        10,
		ParamNumIterations:   3,
		ParamHiddenSize:      64,
		ParamSlotSize:        64,
		ParamEncoderChannels: 64,
		ParamPositionInSlots: false,
		ParamQuantize:        false,

		// Dataset limits, mostly for debugging. If <= 0 all examples are used.
		ParamMaxTrainExamples:      0,
		ParamMaxValidationExamples: 0,

		// Debugging: add a NanLogger to help debug where NaNs may appear in the model.
		ParamNanLogger: false,
		ParamRNGReset:  true,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    4e-4,
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamAdamEpsilon:     1e-8,

		// One-cycle schedule: the maximum learning rate is taken from optimizers.ParamLearningRate.
		onecycle.ParamTotalSteps:     200_000,
		onecycle.ParamPctStart:       0.05,
		onecycle.ParamDivFactor:      25.0,
		onecycle.ParamFinalDivFactor: 1e4,

		anneal.ParamInitial:   anneal.DefaultInitial,
		anneal.ParamRate:      anneal.DefaultRate,
		anneal.ParamThreshold: anneal.DefaultThreshold,
	})
	return ctx
}
