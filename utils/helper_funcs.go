package utils

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Argsort returns the indices that sort vals ascending. vals is not modified.
func Argsort(vals []float64) []int {
	tmp := make([]float64, len(vals))
	copy(tmp, vals)
	inds := make([]int, len(vals))
	floats.Argsort(tmp, inds)
	return inds
}

// InversePermutation returns inv with inv[perm[i]] = i, i.e. argsort(perm)
// for a permutation. Panics if perm is not a permutation of 0..n-1.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			panic(fmt.Sprintf("InversePermutation: %v is not a permutation", perm))
		}
		seen[p] = true
		inv[p] = i
	}
	return inv
}

// MeanRows returns the mean of each row of an r x c row-major block.
func MeanRows(data []float64, cols int) []float64 {
	if cols == 0 {
		return nil
	}
	out := make([]float64, len(data)/cols)
	for i := range out {
		out[i] = floats.Sum(data[i*cols:(i+1)*cols]) / float64(cols)
	}
	return out
}
