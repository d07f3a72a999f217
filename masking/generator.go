// Package masking partitions patch grids into kept and hidden patches,
// independently for every (sample, variate) pair, and builds the model input
// for each masking policy.
package masking

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

// Shuffle is the random partition for one batch. Index arrays are laid out
// (batch x num_patch x variate), matching the mask.
//
// IDsShuffle[b,:,v] lists patch positions ordered by their random draw; the
// first LenKeep are kept. IDsRestore is its inverse permutation.
type Shuffle struct {
	Batch    int
	NumPatch int
	Variates int
	LenKeep  int

	IDsShuffle []int
	IDsRestore []int
}

// LenKeep is floor(numPatch * (1 - maskRatio)).
func LenKeep(numPatch int, maskRatio float64) int {
	return int(float64(numPatch) * (1 - maskRatio))
}

// Generate draws one uniform value per (batch, patch, variate) cell from src
// and argsorts along the patch axis. Nothing is cached: every call advances
// src.
func Generate(src rand.Source, batch, numPatch, variates int, maskRatio float64) (*Shuffle, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil random source", params.ErrConfig)
	}
	if batch <= 0 || numPatch <= 0 || variates <= 0 {
		return nil, fmt.Errorf("%w: generate needs positive batch, num_patch and variates, got %d, %d, %d",
			utils.ErrShapeMismatch, batch, numPatch, variates)
	}
	if err := (params.MaskingConfig{MaskRatio: maskRatio}).Validate(); err != nil {
		return nil, err
	}

	// Draw order is row-major over (batch, patch, variate).
	uni := distuv.Uniform{Min: 0, Max: 1, Src: src}
	noise := make([]float64, batch*numPatch*variates)
	for i := range noise {
		noise[i] = uni.Rand()
	}

	s := &Shuffle{
		Batch:      batch,
		NumPatch:   numPatch,
		Variates:   variates,
		LenKeep:    LenKeep(numPatch, maskRatio),
		IDsShuffle: make([]int, len(noise)),
		IDsRestore: make([]int, len(noise)),
	}
	col := make([]float64, numPatch)
	for b := 0; b < batch; b++ {
		for v := 0; v < variates; v++ {
			for p := 0; p < numPatch; p++ {
				col[p] = noise[s.index(b, p, v)]
			}
			// ascending: small is keep, large is remove
			shuffle := utils.Argsort(col)
			restore := utils.InversePermutation(shuffle)
			for p := 0; p < numPatch; p++ {
				s.IDsShuffle[s.index(b, p, v)] = shuffle[p]
				s.IDsRestore[s.index(b, p, v)] = restore[p]
			}
		}
	}
	return s, nil
}

func (s *Shuffle) index(b, p, v int) int {
	return (b*s.NumPatch+p)*s.Variates + v
}

// Masked is the number of hidden patches per (batch, variate).
func (s *Shuffle) Masked() int { return s.NumPatch - s.LenKeep }

// ShuffleAt returns IDsShuffle[b, i, v].
func (s *Shuffle) ShuffleAt(b, i, v int) int { return s.IDsShuffle[s.index(b, i, v)] }

// RestoreAt returns IDsRestore[b, p, v].
func (s *Shuffle) RestoreAt(b, p, v int) int { return s.IDsRestore[s.index(b, p, v)] }

// keepIDs is IDsShuffle[:, :LenKeep, :].
func (s *Shuffle) keepIDs() []int {
	return s.slicePatchAxis(0, s.LenKeep)
}

// removeIDs is IDsShuffle[:, LenKeep:, :].
func (s *Shuffle) removeIDs() []int {
	return s.slicePatchAxis(s.LenKeep, s.NumPatch)
}

func (s *Shuffle) slicePatchAxis(from, to int) []int {
	k := to - from
	out := make([]int, 0, s.Batch*k*s.Variates)
	for b := 0; b < s.Batch; b++ {
		start := s.index(b, from, 0)
		out = append(out, s.IDsShuffle[start:start+k*s.Variates]...)
	}
	return out
}
