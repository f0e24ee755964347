// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// slotattention trains and evaluates a Slot Attention set prediction model on CLEVR.
//
// Examples:
//
//	# Train on the CLEVR v1.0 dataset stored in ~/work/clevr/CLEVR_v1.0, saving checkpoints to ~/work/clevr/base.
//	slotattention -data=~/work/clevr -checkpoint=base
//
//	# Quick run on generated scenes, with a smaller model.
//	slotattention -synthetic=512 -set="train_steps=200;resolution=32;num_slots=4;hidden_size=32;slot_size=32"
//
//	# Evaluate the average precision of a trained model.
//	slotattention -data=~/work/clevr -checkpoint=base -mode=eval
//
//	# Display the hyperparameters and variables of a checkpoint.
//	slotattention -data=~/work/clevr -checkpoint=base -mode=info
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/slotattention"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/clevr", "Directory with the CLEVR_v1.0 dataset. Relative checkpoint paths are also rooted here.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train and validation data at the end of training.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagSynthetic  = flag.Int("synthetic", 0, "If > 0, train on that many generated scenes instead of CLEVR.")
	flagConfig     = flag.String("config", "", "YAML file with hyperparameters. They are applied before the ones in -set.")
	flagMode       = flag.String("mode", "train", `One of "train", "eval" (full validation set average precision) or "info" (checkpoint contents).`)
)

func main() {
	ctx := slotattention.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	var paramsSet []string
	if *flagConfig != "" {
		paramsSet = check1(slotattention.LoadParamsFile(ctx, *flagConfig))
	}
	paramsSet = append(paramsSet, check1(commandline.ParseContextSettings(ctx, *settings))...)

	if *flagMode == "info" {
		check(reportCheckpoint(*flagDataDir, *flagCheckpoint))
		return
	}

	backend := backends.MustNew()
	config := check1(slotattention.NewConfig(backend, ctx, *flagDataDir, paramsSet))
	config.CheckpointPath = *flagCheckpoint
	config.SyntheticExamples = *flagSynthetic
	config.EvaluateOnEnd = *flagEval
	config.Verbosity = *flagVerbosity
	if *flagVerbosity >= 1 {
		fmt.Printf("Run %s\n", config.RunID)
	}

	err := exceptions.TryCatch[error](func() {
		switch *flagMode {
		case "train":
			check(slotattention.TrainModel(config))
		case "eval":
			report := check1(slotattention.Evaluate(config))
			fmt.Println(report)
		default:
			klog.Fatalf("Unknown -mode=%q, see -help", *flagMode)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
