// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clevr

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// CLEVR frames are 480x320. The crop keeps the central area where the objects are, as done in the
// set-prediction experiments of the Slot Attention paper.
var (
	frameBounds = image.Rect(0, 0, 480, 320)
	frameCrop   = image.Rect(64, 29, 256, 221)
)

// Preprocess crops and resizes img to a square of resolution x resolution pixels.
//
// CLEVR frames are cropped to their central region. Other images are center-cropped to a square.
func Preprocess(img image.Image, resolution int) *image.NRGBA {
	bounds := img.Bounds()
	var cropped *image.NRGBA
	if bounds.Size() == frameBounds.Size() {
		cropped = imaging.Crop(img, frameCrop.Add(bounds.Min))
	} else {
		side := min(bounds.Dx(), bounds.Dy())
		cropped = imaging.CropCenter(img, side, side)
	}
	if cropped.Bounds().Dx() == resolution && cropped.Bounds().Dy() == resolution {
		return cropped
	}
	return imaging.Resize(cropped, resolution, resolution, imaging.Linear)
}

// LoadImage reads and preprocesses the image at imagePath, see Preprocess.
func LoadImage(imagePath string, resolution int) (*image.NRGBA, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", imagePath)
	}
	return Preprocess(img, resolution), nil
}

// ToChannelsFirst writes the RGB values of img, scaled to [0, 1], into dst shaped `[3, height, width]`.
// The alpha channel is dropped.
func ToChannelsFirst(img *image.NRGBA, dst []float32) error {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	planeSize := width * height
	if len(dst) != 3*planeSize {
		return errors.Errorf("ToChannelsFirst: buffer has %d values, image %dx%d requires %d",
			len(dst), width, height, 3*planeSize)
	}
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		for x := range width {
			pos := y*width + x
			for channel := range 3 {
				dst[channel*planeSize+pos] = float32(row[4*x+channel]) / 255.0
			}
		}
	}
	return nil
}
