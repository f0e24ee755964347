// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hungarian solves the linear sum assignment problem (minimum cost bipartite matching)
// for dense, possibly rectangular, cost matrices.
//
// It is used on the host to match predicted slots to ground-truth objects, since the assignment
// itself is not differentiable and has no graph equivalent.
package hungarian

import (
	"math"

	"github.com/pkg/errors"
)

// Unassigned marks a row that received no column, which happens when there are more rows than columns.
const Unassigned = -1

// Solve returns the assignment that minimizes the total cost, where `cost[row][col]` is the cost of assigning
// row to col. The returned slice has one entry per row, holding the assigned column or Unassigned.
//
// Rectangular matrices are accepted: if there are fewer rows than columns, some columns are left unused; if there
// are more rows than columns, the problem is solved on the transposed matrix and the surplus rows are left
// Unassigned.
//
// It runs the shortest augmenting path version of the Kuhn-Munkres algorithm, O(n²m) for n <= m.
func Solve(cost [][]float64) ([]int, error) {
	numRows := len(cost)
	if numRows == 0 {
		return nil, errors.New("hungarian.Solve: empty cost matrix")
	}
	numCols := len(cost[0])
	if numCols == 0 {
		return nil, errors.New("hungarian.Solve: cost matrix with no columns")
	}
	for row, values := range cost {
		if len(values) != numCols {
			return nil, errors.Errorf("hungarian.Solve: ragged cost matrix, row 0 has %d columns, row %d has %d",
				numCols, row, len(values))
		}
		for col, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("hungarian.Solve: invalid cost %g at (%d, %d)", v, row, col)
			}
		}
	}

	if numRows <= numCols {
		return solve(cost, numRows, numCols), nil
	}
	transposed := make([][]float64, numCols)
	for col := range transposed {
		transposed[col] = make([]float64, numRows)
		for row := range numRows {
			transposed[col][row] = cost[row][col]
		}
	}
	colToRow := solve(transposed, numCols, numRows)
	assignment := make([]int, numRows)
	for row := range assignment {
		assignment[row] = Unassigned
	}
	for col, row := range colToRow {
		assignment[row] = col
	}
	return assignment, nil
}

// solve requires n <= m. Indices in the potentials and path arrays are 1-based, with 0 a virtual column.
func solve(cost [][]float64, n, m int) []int {
	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1) // p[col] = row matched to col, 0 if none.
	way := make([]int, m+1)
	minV := make([]float64, m+1)
	used := make([]bool, m+1)

	for row := 1; row <= n; row++ {
		p[0] = row
		col0 := 0
		for j := range minV {
			minV[j] = math.Inf(1)
			used[j] = false
		}
		for {
			used[col0] = true
			row0 := p[col0]
			delta := math.Inf(1)
			col1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost[row0-1][j-1] - u[row0] - v[j]
				if cur < minV[j] {
					minV[j] = cur
					way[j] = col0
				}
				if minV[j] < delta {
					delta = minV[j]
					col1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minV[j] -= delta
				}
			}
			col0 = col1
			if p[col0] == 0 {
				break
			}
		}
		// Flip the augmenting path.
		for col0 != 0 {
			col1 := way[col0]
			p[col0] = p[col1]
			col0 = col1
		}
	}

	assignment := make([]int, n)
	for row := range assignment {
		assignment[row] = Unassigned
	}
	for col := 1; col <= m; col++ {
		if p[col] != 0 {
			assignment[p[col]-1] = col - 1
		}
	}
	return assignment
}

// Cost returns the total cost of the given assignment, skipping Unassigned rows.
func Cost(cost [][]float64, assignment []int) float64 {
	var total float64
	for row, col := range assignment {
		if col == Unassigned {
			continue
		}
		total += cost[row][col]
	}
	return total
}
