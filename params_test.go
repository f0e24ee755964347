// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParamsYAML(t *testing.T) {
	ctx := CreateDefaultContext()
	paramsSet, err := ParseParamsYAML(ctx, []byte(`
learning_rate: 2e-4
batch_size: 64
checkpoint_frequency: 10m
quantize: true
/slot_attention/num_iterations: 5
`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/slot_attention/num_iterations", "batch_size", "checkpoint_frequency", "learning_rate", "quantize",
	}, paramsSet)
	assert.Equal(t, 2e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 64, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, "10m", context.GetParamOr(ctx, ParamCheckpointFrequency, ""))
	assert.True(t, context.GetParamOr(ctx, ParamQuantize, false))

	// Scoped parameter only changes the scope.
	assert.Equal(t, 3, context.GetParamOr(ctx, ParamNumIterations, 0))
	assert.Equal(t, 5, context.GetParamOr(ctx.In("slot_attention"), ParamNumIterations, 0))

	// Unknown parameter.
	_, err = ParseParamsYAML(ctx, []byte("no_such_param: 1\n"))
	require.Error(t, err)

	// Wrong type.
	_, err = ParseParamsYAML(ctx, []byte("batch_size: [1, 2]\n"))
	require.Error(t, err)

	// Relative scope.
	_, err = ParseParamsYAML(ctx, []byte("slot_attention/num_iterations: 2\n"))
	require.Error(t, err)
}

func TestLoadParamsFile(t *testing.T) {
	filePath := path.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("num_slots: 7\nslot_attention_position_in_slots: true\n"), 0644))
	ctx := CreateDefaultContext()
	paramsSet, err := LoadParamsFile(ctx, filePath)
	require.NoError(t, err)
	assert.Len(t, paramsSet, 2)
	assert.Equal(t, 7, context.GetParamOr(ctx, ParamNumSlots, 0))
	assert.True(t, context.GetParamOr(ctx, ParamPositionInSlots, false))

	_, err = LoadParamsFile(ctx, path.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
