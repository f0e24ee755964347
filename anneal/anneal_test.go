// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package anneal

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestScheduleStep(t *testing.T) {
	s := New(DefaultInitial, DefaultRate, DefaultThreshold)
	require.True(t, s.Active())

	// First update uses step 0, so the temperature is still the initial one.
	assert.Equal(t, DefaultInitial, s.Step())
	assert.Equal(t, int64(1), s.Steps)
	assert.InDelta(t, DefaultInitial*math.Exp(-DefaultRate), s.Step(), 1e-12)

	previous := s.Temperature
	numSteps := 2
	for s.Active() {
		current := s.Step()
		numSteps++
		require.Lessf(t, current, previous, "temperature must decrease while above threshold, step %d", numSteps)
		previous = current
		require.Lessf(t, numSteps, 100_000, "temperature annealing did not reach threshold")
	}
	assert.LessOrEqual(t, s.Temperature, DefaultThreshold)

	// Analytically: the first step k with 5*exp(-c*k) <= 1.5.
	wantSteps := int64(math.Ceil(math.Log(DefaultInitial/DefaultThreshold)/DefaultRate)) + 1
	assert.Equal(t, wantSteps, s.Steps)

	// Frozen afterward.
	frozen, frozenSteps := s.Temperature, s.Steps
	for range 10 {
		assert.Equal(t, frozen, s.Step())
	}
	assert.Equal(t, frozenSteps, s.Steps)
}

func TestStartsBelowThreshold(t *testing.T) {
	s := New(1.0, DefaultRate, DefaultThreshold)
	assert.False(t, s.Active())
	assert.Equal(t, 1.0, s.Step())
	assert.Equal(t, int64(0), s.Steps)
}

func TestContextRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamRate, 0.1)
	s, err := FromContext(ctx)
	require.NoError(t, err)
	for range 5 {
		s.Step()
	}
	require.NoError(t, s.Save(ctx))

	restored, err := FromContext(ctx)
	require.NoError(t, err)
	assert.InDelta(t, s.Temperature, restored.Temperature, 1e-5)
	assert.Equal(t, s.Steps, restored.Steps)

	// The graph reads the saved value.
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return TemperatureGraph(ctx, g, dtypes.Float32)
	})
	assert.InDelta(t, float32(s.Temperature), tensors.ToScalar[float32](got), 1e-5)
}

func TestUpdateSavesVariables(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamRate, 0.5)
	s, err := FromContext(ctx)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, s.Update(ctx))
	}
	assert.Equal(t, int64(3), s.Steps)
	assert.InDelta(t, DefaultInitial*math.Exp(-0.5*2), s.Temperature, 1e-12)

	scope := ctx.In(Scope).Scope()
	valueVar := ctx.GetVariableByScopeAndName(scope, ValueVariableName)
	require.NotNil(t, valueVar)
	assert.False(t, valueVar.Trainable)
	assert.InDelta(t, float32(s.Temperature), tensors.ToScalar[float32](must.M1(valueVar.Value())), 1e-6)
	stepVar := ctx.GetVariableByScopeAndName(scope, StepVariableName)
	require.NotNil(t, stepVar)
	assert.Equal(t, int64(3), tensors.ToScalar[int64](must.M1(stepVar.Value())))

	// Once below the threshold, updates leave the saved state unchanged.
	for s.Active() {
		require.NoError(t, s.Update(ctx))
	}
	frozenSteps := s.Steps
	require.NoError(t, s.Update(ctx))
	restored, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, frozenSteps, restored.Steps)
	assert.LessOrEqual(t, restored.Temperature, DefaultThreshold)
}
