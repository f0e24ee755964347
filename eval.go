// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/slotattention/clevr"
)

// Predictor runs the model in inference mode.
type Predictor struct {
	exec               *context.Exec
	rng                *rand.Rand
	numSlots, slotSize int
}

// NewPredictor creates a Predictor using the variables and hyperparameters in ctx. The slots noise is drawn
// from a random number generator seeded with seed.
func NewPredictor(backend backends.Backend, ctx *context.Context, seed uint64) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, images, noise *Node) *Node {
			ctx.SetTraining(images.Graph(), false)
			return ModelGraph(ctx, nil, []*Node{images, noise})[0]
		})
	if err != nil {
		return nil, errors.WithMessage(err, "NewPredictor: failed to create the model computation")
	}
	return &Predictor{
		exec:     exec,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		numSlots: context.GetParamOr(ctx, ParamNumSlots, 10),
		slotSize: context.GetParamOr(ctx, ParamSlotSize, 64),
	}, nil
}

// AttachNanLogger to the model computation. A nil l is a no-op.
func (p *Predictor) AttachNanLogger(l *nanlogger.NanLogger) {
	if l != nil {
		l.AttachToExec(p.exec)
	}
}

// Predict the objects for images shaped `[batch, 3, height, width]`. It returns the predictions shaped
// `[batch, numSlots, clevr.AttributeDim]`.
func (p *Predictor) Predict(images *tensors.Tensor) (*tensors.Tensor, error) {
	noise := SlotsNoise(p.rng, images.Shape().Dim(0), p.numSlots, p.slotSize)
	predictions, err := p.exec.Exec1(images, noise)
	if err != nil {
		return nil, errors.WithMessage(err, "Predictor failed to run the model")
	}
	return predictions, nil
}

// BatchAveragePrecisions yields one batch of ds, with inputs `[images]` and labels `[targets]`, and computes the
// average precision of the predictions for each threshold.
func (p *Predictor) BatchAveragePrecisions(ds train.Dataset, thresholds []float64) ([]float64, error) {
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading batch from %q", ds.Name())
	}
	predictions, err := p.Predict(inputs[0])
	if err != nil {
		return nil, err
	}
	predictionsNested, err := clevr.ToNested(predictions)
	if err != nil {
		return nil, err
	}
	targetsNested, err := clevr.ToNested(labels[0])
	if err != nil {
		return nil, err
	}
	return clevr.AveragePrecisions(predictionsNested, targetsNested, thresholds), nil
}

// EvalReport holds the results of Evaluate.
type EvalReport struct {
	Name        string
	NumExamples int

	// Loss is the Hungarian matched Huber loss, averaged over the examples.
	Loss float64

	// Thresholds used for the average precisions, see clevr.DefaultThresholds.
	Thresholds []float64
	APs        []float64
}

// String renders the report as a table.
func (r *EvalReport) String() string {
	var sb strings.Builder
	title := fmt.Sprintf("%s: %s examples, matched loss %.5f", r.Name, humanize.Comma(int64(r.NumExamples)), r.Loss)
	sb.WriteString(clevr.APReport(title, r.Thresholds, r.APs))
	sb.WriteString("\n")
	sb.WriteString(lipgloss.NewStyle().Faint(true).Render(
		"AP@∞ only compares attributes, the others also require the distance of the coordinates to be within the threshold."))
	return sb.String()
}

// Evaluate the model in config over the full validation set. A checkpoint is attached first, if one was
// configured, so the model variables are loaded from it.
func Evaluate(config *Config) (report *EvalReport, err error) {
	panicErr := exceptions.TryCatch[error](func() {
		report, err = evaluate(config)
	})
	if panicErr != nil {
		return nil, panicErr
	}
	return
}

func evaluate(config *Config) (*EvalReport, error) {
	if err := config.AttachCheckpoint(); err != nil {
		return nil, err
	}
	nanLogger = config.NanLogger
	validationExamples, err := config.CreateValidationExamples()
	if err != nil {
		return nil, err
	}
	ds, err := validationExamples.Dataset(config.Backend)
	if err != nil {
		return nil, err
	}
	ds.BatchSize(context.GetParamOr(config.Context, ParamEvalBatchSize, 32), false)
	return EvaluateDataset(config.Backend, config.Context, ds)
}

// EvaluateDataset computes the matched loss and the average precisions of the model in ctx over all of ds,
// with inputs `[images]` and labels `[targets]`, at clevr.DefaultThresholds.
func EvaluateDataset(backend backends.Backend, ctx *context.Context, ds train.Dataset) (*EvalReport, error) {
	predictor, err := NewPredictor(backend, ctx, 0)
	if err != nil {
		return nil, err
	}
	predictor.AttachNanLogger(nanLogger)
	lossEvaluator, err := NewLossEvaluator(backend)
	if err != nil {
		return nil, err
	}
	report := &EvalReport{Name: ds.Name(), Thresholds: clevr.DefaultThresholds}
	var allPredictions, allTargets [][][]float32
	ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading from %q", ds.Name())
		}
		images, targets := inputs[0], labels[0]
		predictions, err := predictor.Predict(images)
		if err != nil {
			return nil, err
		}
		batchSize := images.Shape().Dim(0)
		loss, err := lossEvaluator.MatchedLoss(predictions, targets)
		if err != nil {
			return nil, err
		}
		report.Loss += loss * float64(batchSize)
		report.NumExamples += batchSize
		predictionsNested, err := clevr.ToNested(predictions)
		if err != nil {
			return nil, err
		}
		targetsNested, err := clevr.ToNested(targets)
		if err != nil {
			return nil, err
		}
		allPredictions = append(allPredictions, predictionsNested...)
		allTargets = append(allTargets, targetsNested...)
		if err := predictions.FinalizeAll(); err != nil {
			klog.Warningf("failed to free predictions of %q: %+v", ds.Name(), err)
		}
	}
	if report.NumExamples == 0 {
		return nil, errors.Errorf("no examples to evaluate in %q", ds.Name())
	}
	report.Loss /= float64(report.NumExamples)
	report.APs = clevr.AveragePrecisions(allPredictions, allTargets, report.Thresholds)
	return report, nil
}
