// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/slotattention/hungarian"
)

// HuberDelta of the smooth L1 cost between predicted and target attributes.
const HuberDelta = 1.0

// PairwiseHuberCost returns the cost of assigning each predicted slot to each target object.
//
// predictions are shaped `[batch, numSlots, attributeDim]` and targets `[batch, numObjects, attributeDim]`. The
// returned cost is shaped `[batch, numSlots, numObjects]`, where each entry is the mean over the attributes of the
// Huber loss (smooth L1) of their difference.
func PairwiseHuberCost(predictions, targets *Node) *Node {
	if predictions.Rank() != 3 || targets.Rank() != 3 ||
		predictions.Shape().Dim(0) != targets.Shape().Dim(0) || predictions.Shape().Dim(2) != targets.Shape().Dim(2) {
		exceptions.Panicf("PairwiseHuberCost requires predictions shaped [batch, numSlots, dim] and targets shaped "+
			"[batch, numObjects, dim], got predictions.shape=%s, targets.shape=%s", predictions.Shape(), targets.Shape())
	}
	dims := predictions.Shape().Dimensions
	batchSize, numSlots, dim := dims[0], dims[1], dims[2]
	numObjects := targets.Shape().Dim(1)

	diff := Sub(
		BroadcastToDims(InsertAxes(predictions, 2), batchSize, numSlots, numObjects, dim),
		BroadcastToDims(InsertAxes(targets, 1), batchSize, numSlots, numObjects, dim))
	absDiff := Abs(diff)
	delta := Scalar(diff.Graph(), diff.DType(), HuberDelta)
	huber := Where(
		LessThan(absDiff, delta),
		MulScalar(Square(diff), 0.5),
		AddScalar(absDiff, -0.5*HuberDelta))
	return ReduceMean(huber, 3)
}

// HungarianHuberLoss is the sum of the costs of the matching pairs, averaged over the batch.
//
// matching is shaped `[batch, numSlots, numObjects]` with one 1 per matched pair and 0 elsewhere, see
// MatchingFromCosts.
func HungarianHuberLoss(predictions, targets, matching *Node) *Node {
	cost := PairwiseHuberCost(predictions, targets)
	matching = StopGradient(ConvertDType(matching, cost.DType()))
	batchSize := predictions.Shape().Dim(0)
	return DivScalar(ReduceAllSum(Mul(cost, matching)), float64(batchSize))
}

// MatchingLossFn implements losses.LossFn for labels `[targets, matching]`, see Matcher.
func MatchingLossFn(labels, predictions []*Node) *Node {
	if len(labels) != 2 || len(predictions) != 1 {
		exceptions.Panicf("MatchingLossFn requires labels [targets, matching] and one prediction, got %d labels and "+
			"%d predictions", len(labels), len(predictions))
	}
	return HungarianHuberLoss(predictions[0], labels[0], labels[1])
}

// MatchingFromCosts solves the minimum cost assignment for each example of costs, shaped
// `[batch, numSlots, numObjects]`, and returns the matching as a float32 tensor of the same shape, with 1 for each
// matched (slot, object) pair.
//
// If numSlots < numObjects, some objects are left unmatched, and if numSlots > numObjects some slots are.
func MatchingFromCosts(costs *tensors.Tensor) (*tensors.Tensor, error) {
	if costs.Shape().Rank() != 3 {
		return nil, errors.Errorf("MatchingFromCosts requires costs shaped [batch, numSlots, numObjects], got %s",
			costs.Shape())
	}
	dims := costs.Shape().Dimensions
	batchSize, numSlots, numObjects := dims[0], dims[1], dims[2]
	flatCosts, err := flatFloat64(costs)
	if err != nil {
		return nil, err
	}
	matching := make([]float32, batchSize*numSlots*numObjects)
	matrix := make([][]float64, numSlots)
	for exampleIdx := range batchSize {
		base := exampleIdx * numSlots * numObjects
		for slotIdx := range numSlots {
			matrix[slotIdx] = flatCosts[base+slotIdx*numObjects : base+(slotIdx+1)*numObjects]
		}
		assignment, err := hungarian.Solve(matrix)
		if err != nil {
			return nil, errors.WithMessagef(err, "matching example #%d of the batch", exampleIdx)
		}
		for slotIdx, objIdx := range assignment {
			if objIdx != hungarian.Unassigned {
				matching[base+slotIdx*numObjects+objIdx] = 1
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(matching, batchSize, numSlots, numObjects), nil
}

// flatFloat64 returns the flat values of a float32 or float64 tensor as float64.
func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	switch flat := t.Value().(type) {
	case [][][]float32:
		values := make([]float64, 0, t.Shape().Size())
		for _, rows := range flat {
			for _, row := range rows {
				for _, v := range row {
					values = append(values, float64(v))
				}
			}
		}
		return values, nil
	case [][][]float64:
		values := make([]float64, 0, t.Shape().Size())
		for _, rows := range flat {
			for _, row := range rows {
				values = append(values, row...)
			}
		}
		return values, nil
	default:
		return nil, errors.Errorf("costs must be float32 or float64, got %s", t.Shape())
	}
}

// LossEvaluator computes the Hungarian matched Huber loss on the host, reusing the compiled pairwise cost
// computation across calls (it is recompiled only for new shapes).
type LossEvaluator struct {
	costExec *Exec
}

// NewLossEvaluator creates a LossEvaluator on the given backend.
func NewLossEvaluator(backend backends.Backend) (*LossEvaluator, error) {
	costExec, err := NewExec(backend, PairwiseHuberCost)
	if err != nil {
		return nil, errors.WithMessage(err, "NewLossEvaluator: failed to create the pairwise costs computation")
	}
	return &LossEvaluator{costExec: costExec}, nil
}

// MatchedLoss of the predictions `[batch, numSlots, attributeDim]` with respect to targets
// `[batch, numObjects, attributeDim]`. It returns the loss averaged over the batch.
func (e *LossEvaluator) MatchedLoss(predictions, targets *tensors.Tensor) (float64, error) {
	costs, err := e.costExec.Exec1(predictions, targets)
	if err != nil {
		return 0, errors.WithMessage(err, "MatchedLoss: computing pairwise costs")
	}
	defer func() {
		if errFree := costs.FinalizeAll(); errFree != nil {
			klog.Warningf("MatchedLoss failed to free the pairwise costs: %+v", errFree)
		}
	}()
	matching, err := MatchingFromCosts(costs)
	if err != nil {
		return 0, err
	}
	flatCosts, err := flatFloat64(costs)
	if err != nil {
		return 0, err
	}
	flatMatching := tensors.MustCopyFlatData[float32](matching)
	var loss float64
	for ii, m := range flatMatching {
		loss += float64(m) * flatCosts[ii]
	}
	return loss / float64(costs.Shape().Dim(0)), nil
}

// MatchedLoss computes the Hungarian matched Huber loss of the predictions `[batch, numSlots, attributeDim]` with
// respect to targets `[batch, numObjects, attributeDim]` on the host. It returns the loss averaged over the batch.
//
// It compiles the cost computation on every call, use a LossEvaluator to evaluate many batches.
func MatchedLoss(backend backends.Backend, predictions, targets *tensors.Tensor) (float64, error) {
	e, err := NewLossEvaluator(backend)
	if err != nil {
		return 0, err
	}
	defer e.costExec.Finalize()
	return e.MatchedLoss(predictions, targets)
}
