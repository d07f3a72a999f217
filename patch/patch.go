// Package patch slices (batch x time x variate) sequences into overlapping
// fixed-length windows laid out as (batch x num_patch x variate x patch_len).
package patch

import (
	"fmt"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

// Layout is the deterministic window placement for a sequence length.
type Layout struct {
	NumPatch int
	TgtLen   int // patch_len + stride*(num_patch-1)
	SBegin   int // leading samples dropped before the first window
}

// NewLayout computes the layout for seqLen. With patchLen > seqLen SBegin is
// negative; callers go through Validate/ValidateFor first.
func NewLayout(seqLen, patchLen, stride int) Layout {
	numPatch := (max(seqLen, patchLen)-patchLen)/stride + 1
	tgtLen := patchLen + stride*(numPatch-1)
	return Layout{
		NumPatch: numPatch,
		TgtLen:   tgtLen,
		SBegin:   seqLen - tgtLen,
	}
}

// Create converts seq (batch x time x variate) into a freshly allocated
// patch grid (batch x num_patch x variate x patch_len).
func Create(seq *utils.Tensor, cfg params.PatchConfig) (*utils.Tensor, int, error) {
	if seq == nil || seq.Rank() != 3 {
		return nil, 0, fmt.Errorf("%w: create patch wants (batch, time, variate), got %v", utils.ErrShapeMismatch, shapeOf(seq))
	}
	if err := cfg.ValidateFor(seq.Dim(1)); err != nil {
		return nil, 0, err
	}
	lay := NewLayout(seq.Dim(1), cfg.PatchLen, cfg.Stride)
	return unfold(seq, lay, cfg), lay.NumPatch, nil
}

func unfold(seq *utils.Tensor, lay Layout, cfg params.PatchConfig) *utils.Tensor {
	bs, nvars := seq.Dim(0), seq.Dim(2)
	out := utils.NewTensor(bs, lay.NumPatch, nvars, cfg.PatchLen)

	i := 0
	for b := 0; b < bs; b++ {
		row := seq.Row(b)
		for p := 0; p < lay.NumPatch; p++ {
			start := lay.SBegin + p*cfg.Stride
			for v := 0; v < nvars; v++ {
				for l := 0; l < cfg.PatchLen; l++ {
					out.Data[i] = row[(start+l)*nvars+v]
					i++
				}
			}
		}
	}
	return out
}

// Patch is the layer form: layout fixed once from the configured sequence
// length and reused for every batch.
type Patch struct {
	SeqLen int
	Cfg    params.PatchConfig
	Layout Layout
}

func New(seqLen int, cfg params.PatchConfig) (*Patch, error) {
	if err := cfg.ValidateFor(seqLen); err != nil {
		return nil, err
	}
	return &Patch{
		SeqLen: seqLen,
		Cfg:    cfg,
		Layout: NewLayout(seqLen, cfg.PatchLen, cfg.Stride),
	}, nil
}

func (p *Patch) Forward(x *utils.Tensor) (*utils.Tensor, error) {
	if x == nil || x.Rank() != 3 || x.Dim(1) != p.SeqLen {
		return nil, fmt.Errorf("%w: patch forward wants (batch, %d, variate), got %v", utils.ErrShapeMismatch, p.SeqLen, shapeOf(x))
	}
	return unfold(x, p.Layout, p.Cfg), nil
}

func shapeOf(t *utils.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
