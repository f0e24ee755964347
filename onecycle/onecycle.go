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

// Package onecycle implements the "1cycle" learning rate policy: the learning rate grows from
// a small initial value to a maximum during a warm-up fraction of the training, and then anneals
// down to a very small value until the end of the training. Both phases use cosine annealing.
//
// See Smith & Topin, "Super-Convergence: Very Fast Training of Neural Networks Using Large Learning Rates" [1].
//
// [1] https://arxiv.org/abs/1708.07120
package onecycle

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

var (
	// ParamMaxLearningRate is the peak learning rate, reached at the end of the warm-up phase.
	// If 0 (default) it uses optimizers.ParamLearningRate.
	ParamMaxLearningRate = "onecycle_max_learning_rate"

	// ParamTotalSteps is the length of the cycle in steps. After it the learning rate stays at its final value.
	// If <= 0 the schedule is disabled.
	ParamTotalSteps = "onecycle_total_steps"

	// ParamPctStart is the fraction of ParamTotalSteps spent increasing the learning rate. Default 0.3.
	ParamPctStart = "onecycle_pct_start"

	// ParamDivFactor sets the initial learning rate to max/div_factor. Default 25.
	ParamDivFactor = "onecycle_div_factor"

	// ParamFinalDivFactor sets the final learning rate to initial/final_div_factor. Default 1e4.
	ParamFinalDivFactor = "onecycle_final_div_factor"
)

const (
	// Scope where the schedule keeps its step counter, under optimizers.Scope.
	Scope = "one_cycle"

	DefaultPctStart       = 0.3
	DefaultDivFactor      = 25.0
	DefaultFinalDivFactor = 1e4
)

// Schedule holds the parameters of the one-cycle policy, and can be evaluated on the host with LearningRate.
type Schedule struct {
	MaxLearningRate float64
	TotalSteps      int
	PctStart        float64
	DivFactor       float64
	FinalDivFactor  float64
}

// ScheduleFromContext reads the schedule hyperparameters from the context.
func ScheduleFromContext(ctx *context.Context) Schedule {
	s := Schedule{
		MaxLearningRate: context.GetParamOr(ctx, ParamMaxLearningRate, 0.0),
		TotalSteps:      context.GetParamOr(ctx, ParamTotalSteps, 0),
		PctStart:        context.GetParamOr(ctx, ParamPctStart, DefaultPctStart),
		DivFactor:       context.GetParamOr(ctx, ParamDivFactor, DefaultDivFactor),
		FinalDivFactor:  context.GetParamOr(ctx, ParamFinalDivFactor, DefaultFinalDivFactor),
	}
	if s.MaxLearningRate == 0 {
		s.MaxLearningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	}
	return s
}

// InitialLearningRate at step 0.
func (s Schedule) InitialLearningRate() float64 { return s.MaxLearningRate / s.DivFactor }

// FinalLearningRate at the last step of the cycle.
func (s Schedule) FinalLearningRate() float64 { return s.InitialLearningRate() / s.FinalDivFactor }

// phaseEnds returns the step at which the warm-up ends and the one at which the annealing ends.
func (s Schedule) phaseEnds() (warmUpEnd, annealEnd float64) {
	return s.PctStart*float64(s.TotalSteps) - 1, float64(s.TotalSteps) - 1
}

func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// LearningRate returns the learning rate for the 0-based training step.
func (s Schedule) LearningRate(step int) float64 {
	warmUpEnd, annealEnd := s.phaseEnds()
	x := math.Min(float64(step), annealEnd)
	if x <= warmUpEnd && warmUpEnd > 0 {
		return cosineAnneal(s.InitialLearningRate(), s.MaxLearningRate, x/warmUpEnd)
	}
	pct := 1.0
	if annealEnd > warmUpEnd {
		pct = (x - warmUpEnd) / (annealEnd - warmUpEnd)
	}
	return cosineAnneal(s.MaxLearningRate, s.FinalLearningRate(), pct)
}

// Config of the one-cycle schedule in a computation graph.
// New creates it and once configured, call Config.Done to add it to the graph.
type Config struct {
	ctx      *context.Context
	graph    *Graph
	dtype    dtypes.DType
	schedule Schedule
}

// New creates a configuration to apply the one-cycle schedule to the learning rate.
//
// Call it from the model function, it only has an effect while training:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		onecycle.New(ctx, g, dtypes.Float32).FromContext().Done()
//		...
//	}
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:   ctx,
		graph: graph,
		dtype: dtype,
		schedule: Schedule{
			PctStart:       DefaultPctStart,
			DivFactor:      DefaultDivFactor,
			FinalDivFactor: DefaultFinalDivFactor,
		},
	}
}

// FromContext configures the schedule from the context hyperparameters (see ParamTotalSteps and the others).
func (c *Config) FromContext() *Config {
	c.schedule = ScheduleFromContext(c.ctx)
	return c
}

// WithSchedule sets all the parameters at once.
func (c *Config) WithSchedule(s Schedule) *Config {
	c.schedule = s
	return c
}

// Done generates the graph that updates the learning rate variable at every training step.
//
// If invalid options are given, it panics with an error.
func (c *Config) Done() {
	ctx := c.ctx.Checked(false)
	g := c.graph
	s := c.schedule
	if !ctx.IsTraining(g) || s.TotalSteps <= 0 {
		return
	}
	if s.MaxLearningRate <= 0 {
		exceptions.Panicf("onecycle: max learning rate not configured, set %q or %q",
			ParamMaxLearningRate, optimizers.ParamLearningRate)
	}
	if s.PctStart <= 0 || s.PctStart >= 1 {
		exceptions.Panicf("onecycle: %q must be in the range (0, 1), got %g", ParamPctStart, s.PctStart)
	}
	if s.PctStart*float64(s.TotalSteps) < 2 {
		exceptions.Panicf("onecycle: warm-up of %g*%d steps is too short", s.PctStart, s.TotalSteps)
	}
	if s.DivFactor <= 0 || s.FinalDivFactor <= 0 {
		exceptions.Panicf("onecycle: div factors must be positive, got %g and %g", s.DivFactor, s.FinalDivFactor)
	}

	// The schedule keeps its own counter, which starts at 1 after the first increment.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), g, c.dtype)
	step = ConvertDType(MinusOne(step), c.dtype)
	warmUpEnd, annealEnd := s.phaseEnds()
	step = MinScalar(step, annealEnd)

	anneal := func(start, end float64, pct *Node) *Node {
		cosine := OnePlus(Cos(MulScalar(pct, math.Pi)))
		return AddScalar(MulScalar(cosine, (start-end)/2), end)
	}
	warmUp := anneal(s.InitialLearningRate(), s.MaxLearningRate, DivScalar(step, warmUpEnd))
	decay := anneal(s.MaxLearningRate, s.FinalLearningRate(),
		MinScalar(DivScalar(AddScalar(step, -warmUpEnd), annealEnd-warmUpEnd), 1))
	lr := Where(LessOrEqual(step, Scalar(g, c.dtype, warmUpEnd)), warmUp, decay)

	lrVar := optimizers.LearningRateVarWithValue(ctx, c.dtype, s.InitialLearningRate())
	lrVar.SetValueGraph(lr)
}
