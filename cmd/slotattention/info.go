// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/slotattention"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// reportCheckpoint prints the summary, the hyperparameters, the variables and the runs of a checkpoint.
func reportCheckpoint(dataDir, checkpointPath string) error {
	if checkpointPath == "" {
		return errors.New("-mode=info requires -checkpoint")
	}
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	if !path.IsAbs(checkpointPath) {
		checkpointPath = path.Join(fsutil.MustReplaceTildeInDir(dataDir), checkpointPath)
	}
	if !fsutil.MustFileExists(checkpointPath) {
		return errors.Errorf("checkpoint directory %q doesn't exist", checkpointPath)
	}
	ctx := context.New()
	if _, err := checkpoints.Build(ctx).Dir(checkpointPath).Immediate().Done(); err != nil {
		return err
	}

	// Summary.
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	if globalStepVar := ctx.GetVariable(optimizers.GlobalStepVariableName); globalStepVar != nil {
		globalStep := tensors.ToScalar[int64](must.M1(globalStepVar.Value()))
		table.Row("global_step", humanize.Comma(globalStep))
	}
	table.Row("# variables", humanize.Comma(int64(ctx.NumVariables())))
	table.Row("# parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("# bytes", humanize.Bytes(uint64(ctx.Memory())))
	fmt.Println(table.Render())

	// Hyperparameters.
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table = newPlainTable().Headers("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Println(table.Render())

	// Variables.
	fmt.Println(titleStyle.Render("Variables"))
	table = newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right).
		Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())

	// Runs that trained this checkpoint.
	runs, err := os.ReadFile(path.Join(checkpointPath, slotattention.RunsLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read runs log")
	}
	fmt.Println(titleStyle.Render("Runs"))
	table = newPlainTable().Headers("Time", "Run", "Arguments")
	for _, line := range strings.Split(strings.TrimSpace(string(runs)), "\n") {
		fields := strings.SplitN(line, "\t", 3)
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		table.Row(fields...)
	}
	fmt.Println(table.Render())
	return nil
}
