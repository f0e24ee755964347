// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clevr

import (
	"slices"

	"github.com/pkg/errors"
)

// Attribute vocabularies, in the order of their one-hot encodings.
var (
	Sizes     = []string{"small", "large"}
	Materials = []string{"rubber", "metal"}
	Shapes    = []string{"cube", "cylinder", "sphere"}
	Colors    = []string{"gray", "blue", "brown", "yellow", "red", "green", "purple", "cyan"}
)

// Range of positions [Start, End) of an attribute in the encoded object vector.
type Range struct {
	Start, End int
}

// Len of the range.
func (r Range) Len() int { return r.End - r.Start }

// Layout of the encoded object vector.
var (
	CoordsRange   = Range{0, 3}
	SizeRange     = Range{3, 5}
	MaterialRange = Range{5, 7}
	ShapeRange    = Range{7, 10}
	ColorRange    = Range{10, 18}
	RealRange     = Range{18, 19}

	// CategoricalRanges are the one-hot encoded attributes, each normalized with a softmax by the model.
	CategoricalRanges = []Range{SizeRange, MaterialRange, ShapeRange, ColorRange}
)

const (
	// AttributeDim is the size of one encoded object: 3 coordinates, 15 one-hot values and the real flag.
	AttributeDim = 19

	// MaxObjects in a CLEVR scene, the targets are padded to this number of objects.
	MaxObjects = 10

	// CoordsOffset and CoordsScale normalize the 3D coordinates, which lie in [-3, 3], into [0, 1].
	CoordsOffset = 3.0
	CoordsScale  = 6.0
)

func oneHot(dst []float32, vocab []string, value string, attribute string) error {
	idx := slices.Index(vocab, value)
	if idx < 0 {
		return errors.Errorf("unknown %s %q, known values are %q", attribute, value, vocab)
	}
	dst[idx] = 1
	return nil
}

// EncodeObject writes the AttributeDim encoding of obj into dst.
func EncodeObject(dst []float32, obj Object) error {
	if len(dst) != AttributeDim {
		return errors.Errorf("EncodeObject requires a buffer of size %d, got %d", AttributeDim, len(dst))
	}
	clear(dst)
	for ii, c := range obj.Coords3D {
		dst[CoordsRange.Start+ii] = float32((c + CoordsOffset) / CoordsScale)
	}
	if err := oneHot(dst[SizeRange.Start:SizeRange.End], Sizes, obj.Size, "size"); err != nil {
		return err
	}
	if err := oneHot(dst[MaterialRange.Start:MaterialRange.End], Materials, obj.Material, "material"); err != nil {
		return err
	}
	if err := oneHot(dst[ShapeRange.Start:ShapeRange.End], Shapes, obj.Shape, "shape"); err != nil {
		return err
	}
	if err := oneHot(dst[ColorRange.Start:ColorRange.End], Colors, obj.Color, "color"); err != nil {
		return err
	}
	dst[RealRange.Start] = 1
	return nil
}

// EncodeTarget returns the flat `[maxObjects * AttributeDim]` encoding of the scene objects.
// Rows after the last object are left as zeros (padding, with the real flag off).
func EncodeTarget(scene Scene, maxObjects int) ([]float32, error) {
	if len(scene.Objects) > maxObjects {
		return nil, errors.Errorf("scene %q has %d objects, more than the maximum %d",
			scene.ImageFilename, len(scene.Objects), maxObjects)
	}
	target := make([]float32, maxObjects*AttributeDim)
	for ii, obj := range scene.Objects {
		if err := EncodeObject(target[ii*AttributeDim:(ii+1)*AttributeDim], obj); err != nil {
			return nil, errors.WithMessagef(err, "scene %q, object #%d", scene.ImageFilename, ii)
		}
	}
	return target, nil
}

func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

// Decoded object attributes, from either a target or a prediction.
type Decoded struct {
	Coords                       [3]float32
	Size, Material, Shape, Color int
	Real                         float32
}

// Decode takes the argmax of each categorical attribute of an encoded object.
func Decode(encoded []float32) Decoded {
	var d Decoded
	copy(d.Coords[:], encoded[CoordsRange.Start:CoordsRange.End])
	d.Size = argMax(encoded[SizeRange.Start:SizeRange.End])
	d.Material = argMax(encoded[MaterialRange.Start:MaterialRange.End])
	d.Shape = argMax(encoded[ShapeRange.Start:ShapeRange.End])
	d.Color = argMax(encoded[ColorRange.Start:ColorRange.End])
	d.Real = encoded[RealRange.Start]
	return d
}

// SameAttributes returns whether both have the same categorical attributes.
func (d Decoded) SameAttributes(other Decoded) bool {
	return d.Size == other.Size && d.Material == other.Material && d.Shape == other.Shape && d.Color == other.Color
}

// Object converts the decoded attributes back to an Object, with the coordinates de-normalized.
func (d Decoded) Object() Object {
	var obj Object
	for ii, c := range d.Coords {
		obj.Coords3D[ii] = float64(c)*CoordsScale - CoordsOffset
	}
	obj.Size = Sizes[d.Size]
	obj.Material = Materials[d.Material]
	obj.Shape = Shapes[d.Shape]
	obj.Color = Colors[d.Color]
	return obj
}
