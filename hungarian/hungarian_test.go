// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hungarian

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteForce returns the minimum cost over all injective assignments of rows to columns (n <= m).
func bruteForce(cost [][]float64) float64 {
	n, m := len(cost), len(cost[0])
	best := math.Inf(1)
	used := make([]bool, m)
	var recurse func(row int, total float64)
	recurse = func(row int, total float64) {
		if row == n {
			best = min(best, total)
			return
		}
		for col := range m {
			if used[col] {
				continue
			}
			used[col] = true
			recurse(row+1, total+cost[row][col])
			used[col] = false
		}
	}
	recurse(0, 0)
	return best
}

func randomMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	cost := make([][]float64, rows)
	for row := range cost {
		cost[row] = make([]float64, cols)
		for col := range cost[row] {
			cost[row][col] = rng.Float64() * 10
		}
	}
	return cost
}

func checkIsAssignment(t *testing.T, assignment []int, numCols int) {
	seen := make(map[int]bool)
	for row, col := range assignment {
		if col == Unassigned {
			continue
		}
		require.Truef(t, col >= 0 && col < numCols, "row %d assigned to invalid column %d", row, col)
		require.Falsef(t, seen[col], "column %d assigned twice", col)
		seen[col] = true
	}
}

func TestSolve(t *testing.T) {
	t.Run("known", func(t *testing.T) {
		cost := [][]float64{
			{4, 1, 3},
			{2, 0, 5},
			{3, 2, 2},
		}
		assignment, err := Solve(cost)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 0, 2}, assignment)
		assert.InDelta(t, 5.0, Cost(cost, assignment), 1e-12)
	})

	t.Run("identity", func(t *testing.T) {
		cost := [][]float64{
			{0, 1, 1, 1},
			{1, 0, 1, 1},
			{1, 1, 0, 1},
			{1, 1, 1, 0},
		}
		assignment, err := Solve(cost)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, assignment)
	})

	t.Run("brute force", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(42, 7))
		for _, dims := range [][2]int{{1, 1}, {2, 2}, {3, 5}, {5, 5}, {6, 6}, {4, 7}, {7, 3}} {
			for range 20 {
				cost := randomMatrix(rng, dims[0], dims[1])
				assignment, err := Solve(cost)
				require.NoError(t, err)
				require.Len(t, assignment, dims[0])
				checkIsAssignment(t, assignment, dims[1])

				want := bruteForce(cost)
				if dims[0] > dims[1] {
					transposed := make([][]float64, dims[1])
					for col := range transposed {
						transposed[col] = make([]float64, dims[0])
						for row := range dims[0] {
							transposed[col][row] = cost[row][col]
						}
					}
					want = bruteForce(transposed)
				}
				require.InDeltaf(t, want, Cost(cost, assignment), 1e-9, "dims=%v", dims)
			}
		}
	})

	t.Run("more rows than columns", func(t *testing.T) {
		cost := [][]float64{
			{5, 9},
			{1, 8},
			{7, 2},
		}
		assignment, err := Solve(cost)
		require.NoError(t, err)
		assert.Equal(t, []int{Unassigned, 0, 1}, assignment)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := Solve(nil)
		assert.Error(t, err)
		_, err = Solve([][]float64{{}})
		assert.Error(t, err)
		_, err = Solve([][]float64{{1, 2}, {3}})
		assert.Error(t, err)
		_, err = Solve([][]float64{{1, math.NaN()}, {3, 4}})
		assert.Error(t, err)
	})
}
