// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/slotattention/anneal"
	"github.com/gomlx/slotattention/clevr"
	"github.com/gomlx/slotattention/onecycle"
)

// Seeds of the slots noise for each of the datasets.
const (
	trainNoiseSeed      = 1
	trainEvalNoiseSeed  = 2
	validationNoiseSeed = 3
	apNoiseSeed         = 4
)

// TrainModel with the given config: it includes the context with hyperparameters.
//
// If a checkpoint is configured, training continues from it, until the global step reaches the "train_steps"
// hyperparameter.
func TrainModel(config *Config) (err error) {
	panicErr := exceptions.TryCatch[error](func() {
		err = trainModel(config)
	})
	if panicErr != nil {
		return panicErr
	}
	return
}

func trainModel(config *Config) error {
	backend := config.Backend
	verbosity := config.Verbosity
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	if err := config.AttachCheckpoint(); err != nil {
		return err
	}
	checkpoint := config.Checkpoint

	// The matchers compile the model before the trainer does, so the variables may already exist when the
	// trainer builds its graph.
	ctx := config.Context.Checked(false)
	if context.GetParamOr(ctx, ParamRNGReset, true) {
		if err := ctx.ResetRNGState(); err != nil {
			return errors.WithMessage(err, "failed to reset the random number generator")
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if verbosity >= 1 {
		// Enumerate parameters that were set.
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	// Create datasets used for training and evaluation.
	trainExamples, err := config.CreateTrainExamples()
	if err != nil {
		return err
	}
	validationExamples, err := config.CreateValidationExamples()
	if err != nil {
		return err
	}
	trainInMemoryDS, err := trainExamples.Dataset(backend)
	if err != nil {
		return err
	}
	validationInMemoryDS, err := validationExamples.Dataset(backend)
	if err != nil {
		return err
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 32)
	trainEvalInMemoryDS := trainInMemoryDS.Copy()
	apInMemoryDS := validationInMemoryDS.Copy()
	trainInMemoryDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	trainEvalInMemoryDS.BatchSize(evalBatchSize, false)
	validationInMemoryDS.BatchSize(evalBatchSize, false)
	apInMemoryDS.Shuffle().Infinite(true).BatchSize(min(evalBatchSize, apInMemoryDS.NumExamples()), true)

	trainDS, err := NewMatcherFromContext(backend, ctx, trainInMemoryDS, trainNoiseSeed)
	if err != nil {
		return err
	}
	trainEvalDS, err := NewMatcherFromContext(backend, ctx, trainEvalInMemoryDS, trainEvalNoiseSeed)
	if err != nil {
		return err
	}
	validationDS, err := NewMatcherFromContext(backend, ctx, validationInMemoryDS, validationNoiseSeed)
	if err != nil {
		return err
	}

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(
		backend, ctx, ModelGraph, MatchingLossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
	nanLogger = config.NanLogger
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
		for _, m := range []*Matcher{trainDS, trainEvalDS, validationDS} {
			m.AttachNanLogger(config.NanLogger)
		}
	}

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	// The temperature is annealed on every step, it's only used by the model if ParamQuantize is set.
	temperature, err := anneal.FromContext(ctx)
	if err != nil {
		return err
	}
	if err = temperature.Attach(loop, ctx); err != nil {
		return err
	}
	if verbosity >= 0 {
		schedule := onecycle.ScheduleFromContext(ctx)
		learningRateMetric := func() (name, value string) {
			return "lr", fmt.Sprintf("%.3g", schedule.LearningRate(int(optimizers.GetGlobalStep(ctx))))
		}
		temperatureMetric := func() (name, value string) {
			return "temp", fmt.Sprintf("%.3f", temperature.Temperature)
		}
		commandline.AttachProgressBar(loop, learningRateMetric, temperatureMetric)
	}

	// Checkpoint saving: every 3 minutes of training by default.
	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointFrequency, "3m"))
		if err != nil {
			return errors.Wrapf(err, "invalid %q", ParamCheckpointFrequency)
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Average precision on one validation batch.
	if apFrequency := context.GetParamOr(ctx, ParamAPFrequency, 1000); apFrequency > 0 {
		predictor, err := NewPredictor(backend, ctx, apNoiseSeed)
		if err != nil {
			return err
		}
		predictor.AttachNanLogger(config.NanLogger)
		train.EveryNSteps(loop, apFrequency, "average precision", 0,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				aps, err := predictor.BatchAveragePrecisions(apInMemoryDS, clevr.DefaultThresholds)
				if err != nil {
					return err
				}
				title := fmt.Sprintf("[Step %d] validation batch", loop.LoopStep)
				fmt.Printf("\n%s\n", clevr.APReport(title, clevr.DefaultThresholds, aps))
				return nil
			})
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 && verbosity >= 1 {
		fmt.Printf("Restarting training from global_step=%d\n", globalStep)
	}
	if globalStep < numTrainSteps {
		if verbosity >= 0 {
			fmt.Println("Starting training:")
		}
		_, err = loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
			fmt.Printf("\tModel: %s parameters, %s\n",
				humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before failing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
				}
			}
			return errors.WithMessage(err, "training failed")
		}
	} else if verbosity >= 0 {
		fmt.Printf("\t - target train_steps=%d already reached.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and validation datasets.
	if config.EvaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		if err = commandline.ReportEval(trainer, trainEvalDS, validationDS); err != nil {
			return errors.WithMessage(err, "failed to evaluate")
		}
	}
	return nil
}
