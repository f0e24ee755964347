// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/slotattention/clevr"
)

// RunsLogFile is the file in the checkpoint directory where each run appends one line with its id.
const RunsLogFile = "runs.txt"

// Config holds the configuration for training and evaluating the model. See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where the CLEVR dataset is stored, and relative checkpoint paths are rooted.
	DataDir string

	// CheckpointPath given by the user. If relative, it is joined to DataDir. If empty, no checkpoint is used.
	CheckpointPath string

	// ParamsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	// RunID identifies this run in the checkpoint's RunsLogFile.
	RunID string

	// SyntheticExamples, if > 0, replaces CLEVR with that many generated training scenes (and a fifth of it for
	// validation). See clevr.Synthetic.
	SyntheticExamples int

	// EvaluateOnEnd reports the evaluation on the train and validation datasets at the end of training.
	EvaluateOnEnd bool

	// Verbosity level: 0 prints only the progress bar, -1 nothing.
	Verbosity int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration for TrainModel and Evaluate.
//
// paramsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) (*Config, error) {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ParamsSet:     paramsSet,
		RunID:         uuid.NewString(),
		EvaluateOnEnd: true,
		Verbosity:     1,
	}
	if context.GetParamOr(ctx, ParamNanLogger, false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg, nil
}

// AttachCheckpoint creates or loads the checkpoint in CheckpointPath into the context, and records the run in
// RunsLogFile. It is a no-op if CheckpointPath is empty.
//
// The parameters given in ParamsSet and ParamsExcludedFromLoading are not loaded from the checkpoint.
func (c *Config) AttachCheckpoint() error {
	if c.CheckpointPath == "" || c.Checkpoint != nil {
		return nil
	}
	checkpointPath, err := fsutil.ReplaceTildeInDir(c.CheckpointPath)
	if err != nil {
		return err
	}
	if !path.IsAbs(checkpointPath) {
		checkpointPath = path.Join(c.DataDir, checkpointPath)
	}
	excluded := append(append([]string{}, c.ParamsSet...), ParamsExcludedFromLoading...)
	c.Checkpoint, err = checkpoints.Build(c.Context).
		Dir(checkpointPath).
		Keep(context.GetParamOr(c.Context, ParamNumCheckpoints, 5)).
		ExcludeParams(excluded...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to attach checkpoint %q", checkpointPath)
	}

	runsPath := path.Join(c.Checkpoint.Dir(), RunsLogFile)
	f, err := os.OpenFile(runsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open runs log %q", runsPath)
	}
	_, err = fmt.Fprintf(f, "%s\t%s\t%s\n", time.Now().Format(time.RFC3339), c.RunID, strings.Join(os.Args[1:], " "))
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write to runs log %q", runsPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close runs log %q", runsPath)
	}
	klog.V(1).Infof("run %s attached to checkpoint %s", c.RunID, c.Checkpoint.Dir())
	return nil
}

// CreateTrainExamples returns the training examples: generated ones if SyntheticExamples > 0, or the CLEVR train
// split from DataDir.
func (c *Config) CreateTrainExamples() (*clevr.Examples, error) {
	ctx := c.Context
	resolution := context.GetParamOr(ctx, ParamResolution, 128)
	if c.SyntheticExamples > 0 {
		return clevr.Synthetic("synthetic-train", c.SyntheticExamples, resolution, clevr.MaxObjects, 1)
	}
	return clevr.Load(clevr.Config{
		DataDir:     c.DataDir,
		Split:       clevr.Train,
		Resolution:  resolution,
		MaxExamples: context.GetParamOr(ctx, ParamMaxTrainExamples, 0),
		Verbose:     c.Verbosity >= 1,
	})
}

// CreateValidationExamples returns the validation examples: a fifth of SyntheticExamples generated scenes if it
// is > 0, or the CLEVR validation split from DataDir.
func (c *Config) CreateValidationExamples() (*clevr.Examples, error) {
	ctx := c.Context
	resolution := context.GetParamOr(ctx, ParamResolution, 128)
	if c.SyntheticExamples > 0 {
		return clevr.Synthetic("synthetic-validation", max(c.SyntheticExamples/5, 1), resolution, clevr.MaxObjects, 2)
	}
	return clevr.Load(clevr.Config{
		DataDir:     c.DataDir,
		Split:       clevr.Validation,
		Resolution:  resolution,
		MaxExamples: context.GetParamOr(ctx, ParamMaxValidationExamples, 0),
		Verbose:     c.Verbosity >= 1,
	})
}
