// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Matcher wraps a dataset yielding inputs `[images]` and labels `[targets]`, and solves the assignment of the
// predicted slots to the target objects for each batch, using the current model.
//
// For each batch it draws the slots noise, runs the model in inference mode to get the pairwise costs (see
// PairwiseHuberCost) and solves the assignment with the Hungarian algorithm on the host. It yields inputs
// `[images, noise]` and labels `[targets, matching]`, to be used with ModelGraph and MatchingLossFn: since the same
// noise is used, the training step computes the same predictions the matching was solved for.
//
// It is not safe for concurrent use.
type Matcher struct {
	ds                 train.Dataset
	numSlots, slotSize int
	costExec           *context.Exec
	rng                *rand.Rand
	seed               uint64
}

// Compile-time check that Matcher implements train.Dataset.
var _ train.Dataset = (*Matcher)(nil)

// NewMatcher creates a Matcher over ds. The model variables are read from ctx, which must be the same context used
// for training. The slots noise is drawn from a random number generator seeded with seed, and reset with the dataset.
func NewMatcher(backend backends.Backend, ctx *context.Context, ds train.Dataset, numSlots, slotSize int,
	seed uint64) (*Matcher, error) {
	if numSlots <= 0 || slotSize <= 0 {
		return nil, errors.Errorf("NewMatcher: numSlots and slotSize must be > 0, got %d and %d", numSlots, slotSize)
	}
	costExec, err := context.NewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, images, noise, targets *Node) *Node {
			ctx.SetTraining(images.Graph(), false)
			predictions := ModelGraph(ctx, nil, []*Node{images, noise})[0]
			return StopGradient(PairwiseHuberCost(predictions, targets))
		})
	if err != nil {
		return nil, errors.WithMessage(err, "NewMatcher: failed to create the cost computation")
	}
	m := &Matcher{
		ds:       ds,
		numSlots: numSlots,
		slotSize: slotSize,
		costExec: costExec,
		seed:     seed,
	}
	m.resetRNG()
	return m, nil
}

// NewMatcherFromContext creates a Matcher using the number of slots and the slot size from the context
// hyperparameters.
func NewMatcherFromContext(backend backends.Backend, ctx *context.Context, ds train.Dataset, seed uint64) (*Matcher, error) {
	return NewMatcher(backend, ctx, ds,
		context.GetParamOr(ctx, ParamNumSlots, 10),
		context.GetParamOr(ctx, ParamSlotSize, 64),
		seed)
}

func (m *Matcher) resetRNG() {
	m.rng = rand.New(rand.NewPCG(m.seed, m.seed^0x9e3779b97f4a7c15))
}

// Noise returns standard normal noise shaped `[batchSize, numSlots, slotSize]` to sample the initial slots.
func (m *Matcher) Noise(batchSize int) *tensors.Tensor {
	return SlotsNoise(m.rng, batchSize, m.numSlots, m.slotSize)
}

// AttachNanLogger to the computation of the costs.
func (m *Matcher) AttachNanLogger(l *nanlogger.NanLogger) {
	if l != nil {
		l.AttachToExec(m.costExec)
	}
}

// SlotsNoise returns standard normal noise shaped `[batchSize, numSlots, slotSize]` drawn from rng.
func SlotsNoise(rng *rand.Rand, batchSize, numSlots, slotSize int) *tensors.Tensor {
	flat := make([]float32, batchSize*numSlots*slotSize)
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, numSlots, slotSize)
}

// Name implements train.Dataset.
func (m *Matcher) Name() string { return m.ds.Name() }

// Reset implements train.Dataset. It also resets the noise random number generator.
func (m *Matcher) Reset() {
	m.ds.Reset()
	m.resetRNG()
}

// Yield implements train.Dataset.
func (m *Matcher) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = m.ds.Yield()
	if err != nil {
		return
	}
	if len(inputs) != 1 || len(labels) != 1 {
		err = errors.Errorf("Matcher requires a dataset yielding inputs [images] and labels [targets], "+
			"got %d inputs and %d labels", len(inputs), len(labels))
		return
	}
	images, targets := inputs[0], labels[0]
	noise := m.Noise(images.Shape().Dim(0))
	costs, err := m.costExec.Exec1(images, noise, targets)
	if err != nil {
		err = errors.WithMessagef(err, "Matcher failed to compute the costs for dataset %q", m.ds.Name())
		return
	}
	matching, err := MatchingFromCosts(costs)
	if errFree := costs.FinalizeAll(); errFree != nil {
		klog.Warningf("Matcher failed to free the costs of dataset %q: %+v", m.ds.Name(), errFree)
	}
	if err != nil {
		err = errors.WithMessagef(err, "Matcher failed to match batch of dataset %q", m.ds.Name())
		return
	}
	inputs = []*tensors.Tensor{images, noise}
	labels = []*tensors.Tensor{targets, matching}
	return
}

// ShortName implements train.HasShortName, using the wrapped dataset's short name.
func (m *Matcher) ShortName() string {
	if named, ok := m.ds.(train.HasShortName); ok {
		return named.ShortName()
	}
	name := m.ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}
