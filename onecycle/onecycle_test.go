/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package onecycle_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/slotattention/onecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestScheduleHost(t *testing.T) {
	s := onecycle.Schedule{
		MaxLearningRate: 4e-4,
		TotalSteps:      1000,
		PctStart:        0.05,
		DivFactor:       25,
		FinalDivFactor:  1e4,
	}
	assert.InDelta(t, 4e-4/25, s.LearningRate(0), 1e-12)
	assert.InDelta(t, 4e-4, s.LearningRate(49), 1e-12) // End of warm-up: 0.05*1000-1.
	assert.InDelta(t, 4e-4/25/1e4, s.LearningRate(999), 1e-12)
	assert.InDelta(t, 4e-4/25/1e4, s.LearningRate(5000), 1e-12, "past the end it should stay at the final value")

	// Increasing during warm-up, decreasing afterward.
	for step := 1; step <= 49; step++ {
		require.Greaterf(t, s.LearningRate(step), s.LearningRate(step-1), "step=%d", step)
	}
	for step := 50; step < 1000; step++ {
		require.Lessf(t, s.LearningRate(step), s.LearningRate(step-1), "step=%d", step)
	}
}

func TestScheduleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const totalSteps = 100
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1.0,
		onecycle.ParamTotalSteps:     totalSteps,
		onecycle.ParamPctStart:       0.2,
	})
	want := onecycle.ScheduleFromContext(ctx)
	lrExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		onecycle.New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 1e3).ValueGraph(g)
	})
	require.NoError(t, err)

	for step := range totalSteps + 10 {
		lrT, err := lrExec.Exec1()
		require.NoErrorf(t, err, "failed for step %d", step)
		stepVar := ctx.GetVariableByScopeAndName(
			fmt.Sprintf("/%s/%s", optimizers.Scope, onecycle.Scope),
			optimizers.GlobalStepVariableName,
		)
		require.NotNil(t, stepVar)
		lr := tensors.ToScalar[float32](lrT)
		require.InDeltaf(t, float32(want.LearningRate(step)), lr, 1e-4, "step=%d", step)
	}
}

func TestDisabledWhenNotTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 0.5,
		onecycle.ParamTotalSteps:     100,
	})
	lr := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		onecycle.New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0.5).ValueGraph(g)
	})
	assert.InDelta(t, float32(0.5), tensors.ToScalar[float32](lr), 1e-6)
}
