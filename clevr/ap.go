// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clevr

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultThresholds of the coordinates distance used to report average precision. -1 means the distance is
// not considered, only the attributes.
var DefaultThresholds = []float64{-1, 1, 0.5, 0.25, 0.125}

// AveragePrecision of the predicted objects, following the CLEVR object set prediction protocol.
//
// All predicted objects of the batch are ranked by their confidence (the real flag). A prediction is a true
// positive if it has the same size, material, shape and color as a real target object of its image not yet
// detected, and if its coordinates are within distanceThreshold of it (in the original scene units).
// If distanceThreshold is -1, coordinates are ignored. The closest target with matching attributes is taken.
//
// predictions and targets are shaped `[batch, numObjects, AttributeDim]`, with possibly different numObjects.
func AveragePrecision(predictions, targets [][][]float32, distanceThreshold float64) float64 {
	type detection struct {
		image      int
		confidence float32
		decoded    Decoded
	}
	var detections []detection
	for imageIdx, objects := range predictions {
		for _, pred := range objects {
			detections = append(detections, detection{
				image:      imageIdx,
				confidence: pred[RealRange.Start],
				decoded:    Decode(pred),
			})
		}
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].confidence > detections[j].confidence
	})

	decodedTargets := make([][]Decoded, len(targets))
	var numReal float64
	for imageIdx, objects := range targets {
		decodedTargets[imageIdx] = make([]Decoded, len(objects))
		for objIdx, target := range objects {
			decodedTargets[imageIdx][objIdx] = Decode(target)
			numReal += float64(target[RealRange.Start])
		}
	}

	type key struct{ image, object int }
	detected := make(map[key]bool)
	truePositives := make([]bool, len(detections))
	for ii, det := range detections {
		bestDistance := math.Inf(1)
		bestObject := -1
		for objIdx, target := range decodedTargets[det.image] {
			if target.Real == 0 || !target.SameAttributes(det.decoded) {
				continue
			}
			distance := coordsDistance(det.decoded.Coords, target.Coords)
			if distance < bestDistance {
				bestDistance, bestObject = distance, objIdx
			}
		}
		if bestObject < 0 || (distanceThreshold != -1 && bestDistance >= distanceThreshold) {
			continue
		}
		k := key{det.image, bestObject}
		if !detected[k] {
			truePositives[ii] = true
			detected[k] = true
		}
	}

	precision := make([]float64, len(detections))
	recall := make([]float64, len(detections))
	var accTP, accFP float64
	for ii, tp := range truePositives {
		if tp {
			accTP++
		} else {
			accFP++
		}
		precision[ii] = accTP / (accTP + accFP)
		recall[ii] = accTP / numReal
	}
	return computeAveragePrecision(precision, recall)
}

// coordsDistance in the original scene units.
func coordsDistance(a, b [3]float32) float64 {
	var sum float64
	for ii := range a {
		d := float64(a[ii]-b[ii]) * CoordsScale
		sum += d * d
	}
	return math.Sqrt(sum)
}

// computeAveragePrecision returns the area under the precision-recall curve, using the precision envelope
// (the maximum precision at any higher recall).
func computeAveragePrecision(precision, recall []float64) float64 {
	if len(precision) == 0 {
		return 0
	}
	p := make([]float64, 0, len(precision)+2)
	p = append(p, 0)
	p = append(p, precision...)
	p = append(p, 0)
	r := make([]float64, 0, len(recall)+2)
	r = append(r, 0)
	r = append(r, recall...)
	r = append(r, 1)
	for ii := len(p) - 1; ii > 0; ii-- {
		p[ii-1] = max(p[ii-1], p[ii])
	}
	var ap float64
	for ii := 1; ii < len(r); ii++ {
		if r[ii] != r[ii-1] {
			ap += (r[ii] - r[ii-1]) * p[ii]
		}
	}
	if math.IsNaN(ap) {
		return 0
	}
	return ap
}

// AveragePrecisions computes AveragePrecision for each of the thresholds.
func AveragePrecisions(predictions, targets [][][]float32, thresholds []float64) []float64 {
	aps := make([]float64, len(thresholds))
	for ii, threshold := range thresholds {
		aps[ii] = AveragePrecision(predictions, targets, threshold)
	}
	return aps
}

// ToNested converts a `[batch, numObjects, AttributeDim]` float32 tensor to its Go nested slices.
func ToNested(t *tensors.Tensor) ([][][]float32, error) {
	value, ok := t.Value().([][][]float32)
	if !ok {
		return nil, errors.Errorf("expected a float32 tensor of rank 3, got %s", t.Shape())
	}
	return value, nil
}

// ThresholdName returns the column name for a distance threshold.
func ThresholdName(threshold float64) string {
	if threshold == -1 {
		return "AP@∞"
	}
	return fmt.Sprintf("AP@%g", threshold)
}

// APReport renders a table with the average precision at each threshold.
func APReport(title string, thresholds, aps []float64) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	headers := make([]string, len(thresholds))
	row := make([]string, len(thresholds))
	for ii, threshold := range thresholds {
		headers[ii] = ThresholdName(threshold)
		row[ii] = fmt.Sprintf("%.4f", aps[ii])
	}
	table.Headers(headers...).Row(row...)
	var sb strings.Builder
	if title != "" {
		sb.WriteString(lipgloss.NewStyle().Bold(true).Render(title))
		sb.WriteString("\n")
	}
	sb.WriteString(table.Render())
	return sb.String()
}
