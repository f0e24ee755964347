// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clevr

import (
	"fmt"
	"path"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Config for loading a CLEVR split into memory.
type Config struct {
	DataDir string
	Split   Split

	// Resolution of the square images, 128 by default.
	Resolution int

	// MaxObjects per scene, defaults to MaxObjects. Scenes with more objects are skipped.
	MaxObjects int

	// MaxExamples limits the number of scenes loaded. If <= 0 all are loaded.
	MaxExamples int

	// Parallelism for reading the images. If <= 0 it uses the number of CPUs.
	Parallelism int

	// Verbose displays a progress bar while loading.
	Verbose bool
}

func (c *Config) setDefaults() {
	if c.Resolution <= 0 {
		c.Resolution = 128
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = MaxObjects
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
}

// Examples holds a loaded split in host memory: images shaped `[N, 3, resolution, resolution]` and targets
// shaped `[N, maxObjects, AttributeDim]`, both float32.
type Examples struct {
	Name    string
	Images  *tensors.Tensor
	Targets *tensors.Tensor
}

// NumExamples in the collection.
func (e *Examples) NumExamples() int { return e.Images.Shape().Dimensions[0] }

// Dataset converts the examples to a GoMLX in-memory dataset, yielding inputs `[images]` and labels `[targets]`.
// Configure batching, shuffling and repetition on the returned dataset.
func (e *Examples) Dataset(backend backends.Backend) (*datasets.InMemoryDataset, error) {
	ds, err := datasets.InMemoryFromData(backend, e.Name, []any{e.Images}, []any{e.Targets})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create in-memory dataset %q", e.Name)
	}
	return ds, nil
}

// Load reads the scenes and images of a split.
func Load(cfg Config) (*Examples, error) {
	cfg.setDefaults()
	dataDir, err := fsutil.ReplaceTildeInDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	scenes, err := LoadScenes(ScenesPath(dataDir, cfg.Split))
	if err != nil {
		return nil, err
	}
	kept := scenes[:0]
	for _, scene := range scenes {
		if len(scene.Objects) > cfg.MaxObjects {
			klog.V(2).Infof("skipping %q with %d objects", scene.ImageFilename, len(scene.Objects))
			continue
		}
		kept = append(kept, scene)
		if cfg.MaxExamples > 0 && len(kept) >= cfg.MaxExamples {
			break
		}
	}
	scenes = kept
	if len(scenes) == 0 {
		return nil, errors.Errorf("no scenes with at most %d objects found for split %q in %q",
			cfg.MaxObjects, cfg.Split, dataDir)
	}

	numExamples, res := len(scenes), cfg.Resolution
	imageSize := 3 * res * res
	targetSize := cfg.MaxObjects * AttributeDim
	flatImages := make([]float32, numExamples*imageSize)
	flatTargets := make([]float32, numExamples*targetSize)
	if cfg.Verbose {
		fmt.Printf("CLEVR %s: loading %d images (%s)\n", cfg.Split, numExamples,
			humanize.Bytes(uint64(4*len(flatImages))))
	}

	var pBar *progressbar.ProgressBar
	if cfg.Verbose {
		pBar = progressbar.NewOptions(numExamples,
			progressbar.OptionSetDescription("Loading"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	imagesDir := ImagesDir(dataDir, cfg.Split)
	indices := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for range cfg.Parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				err := loadExample(scenes[idx], imagesDir, cfg,
					flatImages[idx*imageSize:(idx+1)*imageSize],
					flatTargets[idx*targetSize:(idx+1)*targetSize])
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if pBar != nil {
					_ = pBar.Add(1)
				}
				mu.Unlock()
			}
		}()
	}
	for idx := range numExamples {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}
		indices <- idx
	}
	close(indices)
	wg.Wait()
	if pBar != nil {
		_ = pBar.Finish()
		fmt.Println()
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return &Examples{
		Name:    fmt.Sprintf("CLEVR-%s", cfg.Split),
		Images:  tensors.FromFlatDataAndDimensions(flatImages, numExamples, 3, res, res),
		Targets: tensors.FromFlatDataAndDimensions(flatTargets, numExamples, cfg.MaxObjects, AttributeDim),
	}, nil
}

func loadExample(scene Scene, imagesDir string, cfg Config, imageDst, targetDst []float32) error {
	img, err := LoadImage(path.Join(imagesDir, scene.ImageFilename), cfg.Resolution)
	if err != nil {
		return err
	}
	if err := ToChannelsFirst(img, imageDst); err != nil {
		return errors.WithMessagef(err, "converting %q", scene.ImageFilename)
	}
	target, err := EncodeTarget(scene, cfg.MaxObjects)
	if err != nil {
		return err
	}
	copy(targetDst, target)
	return nil
}
