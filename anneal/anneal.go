// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package anneal implements an exponential temperature annealing schedule, stepped once per training step
// on the host, and stored in the context so the model graph can read it and checkpoints can save it.
//
// While the temperature is above the threshold, each step sets it to `initial * exp(-rate * step)` and
// advances the step. Once it reaches the threshold it stays frozen.
package anneal

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamInitial is the starting temperature. Default 5.
	ParamInitial = "temperature_initial"

	// ParamRate is the exponential decay rate per step. Default 7e-5.
	ParamRate = "temperature_rate"

	// ParamThreshold is the temperature at which annealing stops. Default 1.5.
	ParamThreshold = "temperature_threshold"
)

const (
	// Scope of the context variables holding the temperature state.
	Scope = "temperature"

	// ValueVariableName holds the current temperature, as a float32 scalar.
	ValueVariableName = "value"

	// StepVariableName holds the number of annealing steps taken, as an int64 scalar.
	StepVariableName = "step"

	DefaultInitial   = 5.0
	DefaultRate      = 0.00007
	DefaultThreshold = 1.5
)

// Schedule of the temperature, along with its current state.
type Schedule struct {
	Initial, Rate, Threshold float64

	// Temperature is the current value, it starts at Initial.
	Temperature float64

	// Steps is the number of decaying updates taken so far.
	Steps int64
}

// New returns a Schedule starting at the initial temperature.
func New(initial, rate, threshold float64) *Schedule {
	return &Schedule{Initial: initial, Rate: rate, Threshold: threshold, Temperature: initial}
}

// FromContext creates a Schedule from the context hyperparameters and restores its state from the context
// variables, if they exist (e.g. after loading a checkpoint).
func FromContext(ctx *context.Context) (*Schedule, error) {
	s := New(
		context.GetParamOr(ctx, ParamInitial, DefaultInitial),
		context.GetParamOr(ctx, ParamRate, DefaultRate),
		context.GetParamOr(ctx, ParamThreshold, DefaultThreshold))
	if s.Rate < 0 {
		return nil, errors.Errorf("anneal: %q must be >= 0, got %g", ParamRate, s.Rate)
	}
	scope := ctx.In(Scope).Scope()
	if v := ctx.GetVariableByScopeAndName(scope, ValueVariableName); v != nil {
		t, err := v.Value()
		if err != nil {
			return nil, errors.WithMessage(err, "anneal: reading temperature variable")
		}
		s.Temperature = float64(tensors.ToScalar[float32](t))
	}
	if v := ctx.GetVariableByScopeAndName(scope, StepVariableName); v != nil {
		t, err := v.Value()
		if err != nil {
			return nil, errors.WithMessage(err, "anneal: reading temperature step variable")
		}
		s.Steps = tensors.ToScalar[int64](t)
	}
	return s, nil
}

// Active returns whether the temperature is still being annealed.
func (s *Schedule) Active() bool { return s.Temperature > s.Threshold }

// Step the schedule once, and returns the new temperature.
func (s *Schedule) Step() float64 {
	if s.Active() {
		s.Temperature = s.Initial * math.Exp(-s.Rate*float64(s.Steps))
		s.Steps++
	}
	return s.Temperature
}

// Save the schedule state into the context variables.
func (s *Schedule) Save(ctx *context.Context) error {
	ctx = ctx.In(Scope).Checked(false)
	valueVar := ctx.VariableWithValue(ValueVariableName, float32(s.Initial)).SetTrainable(false)
	if err := valueVar.SetValue(tensors.FromScalar(float32(s.Temperature))); err != nil {
		return errors.WithMessage(err, "anneal: saving temperature")
	}
	stepVar := ctx.VariableWithValue(StepVariableName, int64(0)).SetTrainable(false)
	if err := stepVar.SetValue(tensors.FromScalar(s.Steps)); err != nil {
		return errors.WithMessage(err, "anneal: saving temperature step")
	}
	return nil
}

// Attach the schedule to the training loop: it is stepped after every training step, and the new value
// saved into the context variables read by TemperatureGraph.
func (s *Schedule) Attach(loop *train.Loop, ctx *context.Context) error {
	if err := s.Save(ctx); err != nil {
		return err
	}
	wasActive := s.Active()
	loop.OnStep("temperature annealing", 0, func(loop *train.Loop, _ []*tensors.Tensor) error {
		if !s.Active() {
			if wasActive {
				klog.V(1).Infof("temperature annealing finished at step %d with temperature %.4f",
					loop.LoopStep, s.Temperature)
				wasActive = false
			}
			return nil
		}
		return s.Update(ctx)
	})
	return nil
}

// Update steps the schedule once and saves the new state into the context variables.
func (s *Schedule) Update(ctx *context.Context) error {
	s.Step()
	return s.Save(ctx)
}

// TemperatureGraph returns the current temperature as a scalar of the given dtype.
// It is not trainable, and its value is only changed from the host (see Schedule.Attach).
func TemperatureGraph(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	ctx = ctx.In(Scope).Checked(false)
	initial := context.GetParamOr(ctx, ParamInitial, DefaultInitial)
	v := ctx.VariableWithValue(ValueVariableName, float32(initial)).SetTrainable(false)
	if !v.Shape().Equal(shapes.Make(dtypes.Float32)) {
		exceptions.Panicf("anneal: temperature variable has unexpected shape %s", v.Shape())
	}
	return ConvertDType(v.ValueGraph(g), dtype)
}
