// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slotattention

import (
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// LoadParamsFile reads hyperparameters from a YAML file and sets them in ctx.
//
// The file holds a mapping of parameter paths to values. A path can be a parameter name, like "learning_rate",
// or be prefixed with an absolute scope, like "/slot_attention/num_iterations". As with
// commandline.ParseContextSettings, every parameter must have a default value in the root scope of ctx (see
// CreateDefaultContext), and its type is used to decode the value.
//
// Example:
//
//	learning_rate: 2e-4
//	batch_size: 64
//	/slot_attention/num_iterations: 5
//
// Parameters are set in sorted order of their paths. It returns the list of the parameters paths set.
func LoadParamsFile(ctx *context.Context, filePath string) (paramsSet []string, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read hyperparameters from %q", filePath)
	}
	paramsSet, err = ParseParamsYAML(ctx, contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in hyperparameters file %q", filePath)
	}
	return paramsSet, nil
}

// ParseParamsYAML sets the hyperparameters given in the YAML contents. See LoadParamsFile for the format.
func ParseParamsYAML(ctx *context.Context, contents []byte) (paramsSet []string, err error) {
	var nodes map[string]yaml.Node
	if err = yaml.Unmarshal(contents, &nodes); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML hyperparameters")
	}
	for _, paramPath := range slices.Sorted(maps.Keys(nodes)) {
		node := nodes[paramPath]
		if err = setParamFromYAML(ctx, paramPath, &node); err != nil {
			return nil, err
		}
		paramsSet = append(paramsSet, paramPath)
	}
	return paramsSet, nil
}

func setParamFromYAML(ctx *context.Context, paramPath string, node *yaml.Node) error {
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root context",
			paramPath, paramScope, paramName)
	}

	// Decode the value to the type of the default value.
	valuePtr := reflect.New(reflect.TypeOf(defaultValue))
	if err := node.Decode(valuePtr.Interface()); err != nil {
		return errors.Wrapf(err, "failed to parse value for parameter %q (default value is %#v) at line %d",
			paramPath, defaultValue, node.Line)
	}
	value := valuePtr.Elem().Interface()

	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctxInScope.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	klog.V(1).Infof("hyperparameter %s=%v", paramPath, value)
	return nil
}
