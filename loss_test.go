// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/slotattention/clevr"
)

func TestPairwiseHuberCost(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	predictions := [][][]float32{{{0, 0}, {3, 0}}}
	targets := [][][]float32{{{0.5, 0}, {0, 0}, {1, -2}}}
	costs, err := ExecOnce(backend, PairwiseHuberCost, predictions, targets)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, costs.Shape().Dimensions)
	got := costs.Value().([][][]float32)[0]

	// Huber per attribute: 0.5*d² if |d| < 1, |d|-0.5 otherwise. Averaged over the 2 attributes.
	want := [][]float32{
		{0.125 / 2, 0, (0.5 + 1.5) / 2},
		{2.0 / 2, 2.5 / 2, (1.5 + 1.5) / 2},
	}
	for ii := range want {
		for jj := range want[ii] {
			assert.InDeltaf(t, want[ii][jj], got[ii][jj], 1e-6, "cost[%d][%d]", ii, jj)
		}
	}
}

func TestMatchingFromCosts(t *testing.T) {
	costs := tensors.FromValue([][][]float32{
		{{4, 1, 3}, {2, 0, 5}, {3, 2, 2}},
		{{0, 9, 9}, {9, 0, 9}, {9, 9, 0}},
	})
	matching, err := MatchingFromCosts(costs)
	require.NoError(t, err)
	want := [][][]float32{
		{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}},
		{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
	assert.Equal(t, want, matching.Value())

	// More slots than objects leaves slots unmatched.
	costs = tensors.FromValue([][][]float64{{{5}, {1}, {3}}})
	matching, err = MatchingFromCosts(costs)
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{0}, {1}, {0}}}, matching.Value())

	_, err = MatchingFromCosts(tensors.FromValue([][]float32{{1}}))
	require.Error(t, err)
}

// randomTargets returns encoded targets for random synthetic scenes.
func randomTargets(t *testing.T, numExamples, maxObjects int, seed uint64) *tensors.Tensor {
	examples, err := clevr.Synthetic("test", numExamples, 8, maxObjects, seed)
	require.NoError(t, err)
	return examples.Targets
}

func TestMatchedLossPermutationInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numExamples, numSlots = 3, 5
	targets := randomTargets(t, numExamples, numSlots, 7)

	// Random predictions, and the same predictions with the slots permuted.
	rng := rand.New(rand.NewPCG(11, 0))
	flat := make([]float32, numExamples*numSlots*clevr.AttributeDim)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	permuted := make([]float32, len(flat))
	for exampleIdx := range numExamples {
		perm := rng.Perm(numSlots)
		for slotIdx, fromIdx := range perm {
			dst := (exampleIdx*numSlots + slotIdx) * clevr.AttributeDim
			src := (exampleIdx*numSlots + fromIdx) * clevr.AttributeDim
			copy(permuted[dst:dst+clevr.AttributeDim], flat[src:src+clevr.AttributeDim])
		}
	}
	predictions := tensors.FromFlatDataAndDimensions(flat, numExamples, numSlots, clevr.AttributeDim)
	predictionsPermuted := tensors.FromFlatDataAndDimensions(permuted, numExamples, numSlots, clevr.AttributeDim)

	loss := must.M1(MatchedLoss(backend, predictions, targets))
	lossPermuted := must.M1(MatchedLoss(backend, predictionsPermuted, targets))
	assert.InDelta(t, loss, lossPermuted, 1e-5)
	assert.Greater(t, loss, 0.0)

	// The targets themselves, in any order, have zero loss.
	assert.InDelta(t, 0.0, must.M1(MatchedLoss(backend, targets, targets)), 1e-6)
}

func TestMatchingLossFn(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	predictions := [][][]float32{{{0, 0}, {3, 0}}, {{1, 1}, {1, 1}}}
	targets := [][][]float32{{{3, 0}, {0, 0.5}}, {{1, 1}, {1, 1}}}
	matching := [][][]float32{{{0, 1}, {1, 0}}, {{1, 0}, {0, 1}}}
	loss, err := ExecOnce(backend, func(predictions, targets, matching *Node) *Node {
		return MatchingLossFn([]*Node{targets, matching}, []*Node{predictions})
	}, predictions, targets, matching)
	require.NoError(t, err)
	// Only the pair (slot 0, object 1) of the first example has a cost: 0.5*0.5² averaged over 2 attributes,
	// then divided by the batch size.
	assert.InDelta(t, 0.0625/2, tensors.ToScalar[float32](loss), 1e-6)
}

func TestMatcher(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := createTestContext()
	const numExamples, batchSize = 6, 4
	examples, err := clevr.Synthetic("test", numExamples, testResolution, clevr.MaxObjects, 3)
	require.NoError(t, err)
	var ds *datasets.InMemoryDataset
	ds, err = examples.Dataset(backend)
	require.NoError(t, err)
	ds.BatchSize(batchSize, true)

	matcher, err := NewMatcherFromContext(backend, ctx, ds, 17)
	require.NoError(t, err)
	assert.Equal(t, "test", matcher.Name())
	assert.Equal(t, "tes", matcher.ShortName())

	_, inputs, labels, err := matcher.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)
	assert.Equal(t, []int{batchSize, 3, testResolution, testResolution}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{batchSize, testNumSlots, testSlotSize}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{batchSize, clevr.MaxObjects, clevr.AttributeDim}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int{batchSize, testNumSlots, clevr.MaxObjects}, labels[1].Shape().Dimensions)

	// With fewer slots than objects, every slot is matched to exactly one object, and no object twice.
	for _, slots := range labels[1].Value().([][][]float32) {
		objectUsed := make([]bool, clevr.MaxObjects)
		for _, row := range slots {
			var count int
			for objIdx, v := range row {
				if v == 1 {
					count++
					require.False(t, objectUsed[objIdx])
					objectUsed[objIdx] = true
				}
			}
			require.Equal(t, 1, count)
		}
	}

	// Noise is reproducible after a reset.
	noise := inputs[1].Value()
	matcher.Reset()
	_, inputs, _, err = matcher.Yield()
	require.NoError(t, err)
	assert.Equal(t, noise, inputs[1].Value())
}
