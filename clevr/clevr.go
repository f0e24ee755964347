// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clevr loads the CLEVR v1.0 dataset for object set prediction: images and the list of objects in
// each scene, encoded as a fixed-size padded set of attribute vectors.
//
// The expected directory layout is the one of the official release:
//
//	<dataDir>/images/{train,val}/CLEVR_<split>_<index>.png
//	<dataDir>/scenes/CLEVR_<split>_scenes.json
//
// Each object is encoded as a vector of AttributeDim values, see EncodeObject.
package clevr

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of the dataset.
type Split string

const (
	Train      Split = "train"
	Validation Split = "val"
)

// Object in a CLEVR scene, as described in the scenes JSON file.
type Object struct {
	Coords3D [3]float64 `json:"3d_coords"`
	Size     string     `json:"size"`
	Material string     `json:"material"`
	Shape    string     `json:"shape"`
	Color    string     `json:"color"`
}

// Scene holds the metadata of one CLEVR image.
type Scene struct {
	ImageIndex    int      `json:"image_index"`
	ImageFilename string   `json:"image_filename"`
	Split         string   `json:"split"`
	Objects       []Object `json:"objects"`
}

// String implements fmt.Stringer.
func (o Object) String() string {
	return fmt.Sprintf("%s %s %s %s @ (%.2f, %.2f, %.2f)",
		o.Size, o.Color, o.Material, o.Shape, o.Coords3D[0], o.Coords3D[1], o.Coords3D[2])
}

// ScenesPath returns the path to the scenes JSON file of the split.
func ScenesPath(dataDir string, split Split) string {
	return path.Join(dataDir, "scenes", fmt.Sprintf("CLEVR_%s_scenes.json", split))
}

// ImagesDir returns the directory with the images of the split.
func ImagesDir(dataDir string, split Split) string {
	return path.Join(dataDir, "images", string(split))
}

// LoadScenes parses a CLEVR scenes JSON file.
func LoadScenes(scenesPath string) ([]Scene, error) {
	scenesPath, err := fsutil.ReplaceTildeInDir(scenesPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(scenesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CLEVR scenes file")
	}
	defer func() { _ = f.Close() }()

	var contents struct {
		Scenes []Scene `json:"scenes"`
	}
	if err := json.NewDecoder(f).Decode(&contents); err != nil {
		return nil, errors.Wrapf(err, "failed to parse CLEVR scenes file %q", scenesPath)
	}
	klog.V(1).Infof("loaded %d scenes from %q", len(contents.Scenes), scenesPath)
	return contents.Scenes, nil
}
