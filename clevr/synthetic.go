// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clevr

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// colorsRGB follows the CLEVR renderer palette, in the order of Colors.
var colorsRGB = [][3]float32{
	{87, 87, 87}, {42, 75, 215}, {129, 74, 25}, {255, 238, 51},
	{173, 35, 35}, {29, 105, 20}, {129, 38, 192}, {41, 208, 208},
}

// SyntheticScene generates a random flat scene: objects are drawn as colored shapes on a gray background.
// The position of the object in the image maps to its x, y coordinates and its size to the z coordinate,
// so the targets have the same layout as CLEVR. It's meant for tests and for quick sanity checks of
// the training pipeline.
func SyntheticScene(rng *rand.Rand, resolution, maxObjects int, imageDst []float32) Scene {
	planeSize := resolution * resolution
	for ii := range imageDst {
		imageDst[ii] = 0.5
	}
	numObjects := 1 + rng.IntN(maxObjects)
	scene := Scene{
		ImageFilename: fmt.Sprintf("synthetic_%08x.png", rng.Uint32()),
		Objects:       make([]Object, 0, numObjects),
	}
	for range numObjects {
		sizeIdx := rng.IntN(len(Sizes))
		half := resolution / 16
		z := 0.35
		if sizeIdx == 1 {
			half = resolution / 9
			z = 0.7
		}
		half = max(half, 1)
		cx := half + rng.IntN(max(resolution-2*half, 1))
		cy := half + rng.IntN(max(resolution-2*half, 1))
		obj := Object{
			Coords3D: [3]float64{
				float64(cx)/float64(resolution)*CoordsScale - CoordsOffset,
				float64(cy)/float64(resolution)*CoordsScale - CoordsOffset,
				z,
			},
			Size:     Sizes[sizeIdx],
			Material: Materials[rng.IntN(len(Materials))],
			Shape:    Shapes[rng.IntN(len(Shapes))],
			Color:    Colors[rng.IntN(len(Colors))],
		}
		scene.Objects = append(scene.Objects, obj)

		rgb := colorsRGB[slices.Index(Colors, obj.Color)]
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				if !insideShape(obj.Shape, dx, dy, half) {
					continue
				}
				x, y := cx+dx, cy+dy
				if x < 0 || y < 0 || x >= resolution || y >= resolution {
					continue
				}
				shine := float32(1)
				if obj.Material == "metal" && dx*dx+dy*dy <= half*half/9 {
					shine = 1.4
				}
				pos := y*resolution + x
				for channel := range 3 {
					imageDst[channel*planeSize+pos] = min(rgb[channel]*shine/255, 1)
				}
			}
		}
	}
	return scene
}

func insideShape(shape string, dx, dy, half int) bool {
	switch shape {
	case "sphere":
		return dx*dx+dy*dy <= half*half
	case "cylinder":
		return 2*abs(dx) <= half
	default:
		return true
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Synthetic generates numExamples random scenes, see SyntheticScene.
func Synthetic(name string, numExamples, resolution, maxObjects int, seed uint64) (*Examples, error) {
	if numExamples <= 0 || resolution <= 0 || maxObjects <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset configuration: numExamples=%d, resolution=%d, maxObjects=%d",
			numExamples, resolution, maxObjects)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	imageSize := 3 * resolution * resolution
	targetSize := maxObjects * AttributeDim
	flatImages := make([]float32, numExamples*imageSize)
	flatTargets := make([]float32, numExamples*targetSize)
	for idx := range numExamples {
		scene := SyntheticScene(rng, resolution, maxObjects, flatImages[idx*imageSize:(idx+1)*imageSize])
		target, err := EncodeTarget(scene, maxObjects)
		if err != nil {
			return nil, err
		}
		copy(flatTargets[idx*targetSize:], target)
	}
	return &Examples{
		Name:    name,
		Images:  tensors.FromFlatDataAndDimensions(flatImages, numExamples, 3, resolution, resolution),
		Targets: tensors.FromFlatDataAndDimensions(flatTargets, numExamples, maxObjects, AttributeDim),
	}, nil
}
