// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/slotattention/anneal"
	"github.com/gomlx/slotattention/clevr"
	"github.com/gomlx/slotattention/onecycle"
)

func TestTrainAndEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	backend := graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	newConfig := func() *Config {
		ctx := createTestContext()
		ctx.SetParams(map[string]any{
			ParamTrainSteps:          3,
			ParamAPFrequency:         2,
			ParamCheckpointFrequency: "1h",
		})
		config := must.M1(NewConfig(backend, ctx, dataDir, nil))
		config.CheckpointPath = "model"
		config.SyntheticExamples = 10
		config.Verbosity = -1
		config.EvaluateOnEnd = true
		return config
	}

	config := newConfig()
	require.NoError(t, TrainModel(config))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(config.Context))

	// The temperature is annealed once per training step, also with quantization disabled.
	temperature := must.M1(anneal.FromContext(config.Context))
	assert.Equal(t, int64(3), temperature.Steps)
	assert.InDelta(t, anneal.DefaultInitial*math.Exp(-anneal.DefaultRate*2), temperature.Temperature, 1e-5)

	// The learning rate was set by the one-cycle schedule of the last training step.
	lrVar := optimizers.LearningRateVar(config.Context, dtypes.Float32, 0)
	wantLR := onecycle.ScheduleFromContext(config.Context).LearningRate(2)
	assert.InDelta(t, wantLR, tensors.ToScalar[float32](must.M1(lrVar.Value())), wantLR*1e-4)
	assert.Less(t, wantLR, onecycle.ScheduleFromContext(config.Context).MaxLearningRate)

	runs := string(must.M1(os.ReadFile(path.Join(dataDir, "model", RunsLogFile))))
	assert.Contains(t, runs, config.RunID)

	// Continue training from the checkpoint: there is nothing left to do.
	config = newConfig()
	require.NoError(t, TrainModel(config))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(config.Context))
	runs = string(must.M1(os.ReadFile(path.Join(dataDir, "model", RunsLogFile))))
	assert.Len(t, strings.Split(strings.TrimSpace(runs), "\n"), 2)

	// Evaluate the trained model.
	config = newConfig()
	report, err := Evaluate(config)
	require.NoError(t, err)
	assert.Equal(t, 2, report.NumExamples) // A fifth of the synthetic examples.
	assert.Greater(t, report.Loss, 0.0)
	require.Len(t, report.APs, len(clevr.DefaultThresholds))
	for _, ap := range report.APs {
		assert.GreaterOrEqual(t, ap, 0.0)
		assert.LessOrEqual(t, ap, 1.0)
	}
	assert.Contains(t, report.String(), "AP@∞")
}

// writeValidationSplit writes a CLEVR validation split with numScenes blue images, and no train split.
func writeValidationSplit(t *testing.T, dataDir string, numScenes int) {
	imagesDir := clevr.ImagesDir(dataDir, clevr.Validation)
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	require.NoError(t, os.MkdirAll(path.Dir(clevr.ScenesPath(dataDir, clevr.Validation)), 0o755))
	scenes := make([]clevr.Scene, numScenes)
	for ii := range scenes {
		scenes[ii] = clevr.Scene{
			ImageIndex:    ii,
			ImageFilename: fmt.Sprintf("CLEVR_val_%06d.png", ii),
			Split:         string(clevr.Validation),
			Objects: []clevr.Object{
				{Coords3D: [3]float64{1, -1, 0.35}, Size: "small", Material: "metal", Shape: "cube", Color: "blue"},
			},
		}
		img := image.NewNRGBA(image.Rect(0, 0, 480, 320))
		for y := range 320 {
			for x := range 480 {
				img.Set(x, y, color.NRGBA{B: 255, A: 255})
			}
		}
		f := must.M1(os.Create(path.Join(imagesDir, scenes[ii].ImageFilename)))
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	contents := must.M1(json.Marshal(map[string]any{"scenes": scenes}))
	require.NoError(t, os.WriteFile(clevr.ScenesPath(dataDir, clevr.Validation), contents, 0o644))
}

func TestEvaluateValidationOnly(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	writeValidationSplit(t, dataDir, 3)
	_, err := os.Stat(clevr.ScenesPath(dataDir, clevr.Train))
	require.True(t, os.IsNotExist(err))

	config := must.M1(NewConfig(backend, createTestContext(), dataDir, nil))
	config.Verbosity = -1
	report, err := Evaluate(config)
	require.NoError(t, err)
	assert.Equal(t, 3, report.NumExamples)
	assert.Greater(t, report.Loss, 0.0)
	require.Len(t, report.APs, len(clevr.DefaultThresholds))

	// The cached loss evaluation matches the one-shot one.
	examples := must.M1(config.CreateValidationExamples())
	predictor := must.M1(NewPredictor(backend, config.Context, 0))
	predictions := must.M1(predictor.Predict(examples.Images))
	lossEvaluator := must.M1(NewLossEvaluator(backend))
	assert.InDelta(t, report.Loss, must.M1(lossEvaluator.MatchedLoss(predictions, examples.Targets)), 1e-5)
	assert.InDelta(t, report.Loss, must.M1(MatchedLoss(backend, predictions, examples.Targets)), 1e-5)
}
