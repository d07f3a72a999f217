package masking

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

// Masked is the output of one masking pass. Input, Kept and Target never
// share storage with each other or with the grid passed to Apply.
type Masked struct {
	Input  *utils.Tensor // (batch x num_patch x variate x patch_len)
	Kept   *utils.Tensor // (batch x len_keep x variate x patch_len)
	Target *utils.Tensor // unmodified copy of the patch grid
	Mask   *utils.Tensor // (batch x num_patch x variate), 1 = hidden

	IDsRestore []int // (batch x num_patch x variate)
	LenKeep    int
}

type Masker struct {
	Cfg     params.MaskingConfig
	Workers int
}

func NewMasker(cfg params.MaskingConfig, workers int) (*Masker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Masker{Cfg: cfg, Workers: workers}, nil
}

// Apply masks grid according to s. src is only read by the Gaussian noise
// policy; it may be nil for the others.
func (m *Masker) Apply(grid *utils.Tensor, s *Shuffle, src rand.Source) (*Masked, error) {
	if grid == nil || grid.Rank() != 4 {
		return nil, fmt.Errorf("%w: masker wants (batch, num_patch, variate, patch_len), got %v",
			utils.ErrShapeMismatch, shapeOf(grid))
	}
	if s == nil || grid.Dim(0) != s.Batch || grid.Dim(1) != s.NumPatch || grid.Dim(2) != s.Variates {
		return nil, fmt.Errorf("%w: patch grid %v does not match shuffle", utils.ErrShapeMismatch, grid.Shape)
	}
	if m.Cfg.Policy == params.PolicyGaussianNoise && src == nil {
		return nil, fmt.Errorf("%w: gaussian noise policy needs a random source", params.ErrConfig)
	}

	bs, L, nvars, D := grid.Dim(0), grid.Dim(1), grid.Dim(2), grid.Dim(3)
	x := grid.Clone()
	in := dims{batch: bs, length: L, variates: nvars, d: D}

	keptData, err := gather(x.Data, in, s.keepIDs(), m.Workers)
	if err != nil {
		return nil, err
	}
	kept := utils.Wrap(keptData, bs, s.LenKeep, nvars, D)

	mask, err := m.buildMask(s)
	if err != nil {
		return nil, err
	}

	out := &Masked{
		Kept:       kept,
		Target:     grid.Clone(),
		Mask:       mask,
		IDsRestore: append([]int(nil), s.IDsRestore...),
		LenKeep:    s.LenKeep,
	}

	var removed []float64
	switch m.Cfg.Policy {
	case params.PolicyMaskToken:
		out.Input = x
		return out, nil
	case params.PolicyGaussianNoise:
		if removed, err = gather(x.Data, in, s.removeIDs(), m.Workers); err != nil {
			return nil, err
		}
		// additive: masked patches keep their values plus N(0, std^2)
		norm := distuv.Normal{Mu: 0, Sigma: m.Cfg.NoiseStd, Src: src}
		for i := range removed {
			removed[i] += norm.Rand()
		}
	case params.PolicyZero:
		removed = make([]float64, bs*s.Masked()*nvars*D)
	default:
		return nil, fmt.Errorf("%w: unknown policy %v", params.ErrConfig, m.Cfg.Policy)
	}

	rowKept := s.LenKeep * nvars * D
	rowRemoved := s.Masked() * nvars * D
	shuffled := concatPatchAxis(kept.Data, rowKept, removed, rowRemoved, bs)

	restored, err := gather(shuffled, in, s.IDsRestore, m.Workers)
	if err != nil {
		return nil, err
	}
	out.Input = utils.Wrap(restored, bs, L, nvars, D)
	return out, nil
}

// buildMask sets the first LenKeep shuffle positions to 0, the rest to 1, and
// unshuffles with IDsRestore.
func (m *Masker) buildMask(s *Shuffle) (*utils.Tensor, error) {
	ordered := make([]float64, s.Batch*s.NumPatch*s.Variates)
	for i := range ordered {
		if (i/s.Variates)%s.NumPatch >= s.LenKeep {
			ordered[i] = 1
		}
	}
	md := dims{batch: s.Batch, length: s.NumPatch, variates: s.Variates, d: 1}
	data, err := gather(ordered, md, s.IDsRestore, m.Workers)
	if err != nil {
		return nil, err
	}
	return utils.Wrap(data, s.Batch, s.NumPatch, s.Variates), nil
}

func shapeOf(t *utils.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
