package masking

import (
	"fmt"
	"math/rand/v2"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

// EmbeddingMasked is the 3-axis counterpart of Masked, used after a shared
// encoder where there is no variate axis.
type EmbeddingMasked struct {
	Input *utils.Tensor // (batch x num_patch x dim)
	Kept  *utils.Tensor // (batch x len_keep x dim)
	Mask  *utils.Tensor // (batch x num_patch)

	IDsRestore []int // (batch x num_patch)
	LenKeep    int
}

// MaskEmbeddings zero-masks x (batch x num_patch x dim) with one random draw
// per (batch, patch).
func MaskEmbeddings(x *utils.Tensor, maskRatio float64, src rand.Source) (*EmbeddingMasked, error) {
	if x == nil || x.Rank() != 3 {
		return nil, fmt.Errorf("%w: embedding masker wants (batch, num_patch, dim), got %v",
			utils.ErrShapeMismatch, shapeOf(x))
	}
	bs, L, D := x.Dim(0), x.Dim(1), x.Dim(2)
	s, err := Generate(src, bs, L, 1, maskRatio)
	if err != nil {
		return nil, err
	}

	// (batch, L, dim) and (batch, L, 1, dim) share a memory layout.
	grid, err := x.Reshape(bs, L, 1, D)
	if err != nil {
		return nil, err
	}
	m := &Masker{Cfg: params.MaskingConfig{MaskRatio: maskRatio, Policy: params.PolicyZero}}
	out, err := m.Apply(grid, s, nil)
	if err != nil {
		return nil, err
	}

	res := &EmbeddingMasked{IDsRestore: out.IDsRestore, LenKeep: out.LenKeep}
	if res.Input, err = out.Input.Reshape(bs, L, D); err != nil {
		return nil, err
	}
	if res.Kept, err = out.Kept.Reshape(bs, out.LenKeep, D); err != nil {
		return nil, err
	}
	if res.Mask, err = out.Mask.Reshape(bs, L); err != nil {
		return nil, err
	}
	return res, nil
}
