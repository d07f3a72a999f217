// Package pretrain wires patching, masking and the masked loss into the
// per-step calls a training loop makes.
package pretrain

import (
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/manningwu07/PatchTST/masking"
	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/patch"
	"github.com/manningwu07/PatchTST/utils"
)

// Batch is one patched-and-masked training batch. Every tensor owns its
// storage.
type Batch struct {
	Input  *utils.Tensor // model input (batch x num_patch x variate x patch_len)
	Target *utils.Tensor // unmasked patch grid
	Mask   *utils.Tensor // (batch x num_patch x variate), 1 = hidden
	Kept   *utils.Tensor // visible patches in shuffle order

	IDsRestore []int
	NumPatch   int
	LenKeep    int
}

// MaskingEngine draws a fresh mask on every call from the source it was
// built with. It is not safe for concurrent use: the source is shared state.
type MaskingEngine struct {
	cfg    params.PretrainConfig
	src    rand.Source
	masker *masking.Masker
	log    *logrus.Entry
}

func NewEngine(cfg params.PretrainConfig, src rand.Source) (*MaskingEngine, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil random source", params.ErrConfig)
	}
	if err := cfg.Patch.Validate(); err != nil {
		return nil, err
	}
	m, err := masking.NewMasker(cfg.Mask, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &MaskingEngine{
		cfg:    cfg,
		src:    src,
		masker: m,
		log: logrus.WithFields(logrus.Fields{
			"patch_len":  cfg.Patch.PatchLen,
			"stride":     cfg.Patch.Stride,
			"mask_ratio": cfg.Mask.MaskRatio,
			"policy":     cfg.Mask.Policy.String(),
		}),
	}, nil
}

// NewSource seeds the PCG generator the engine and CLI use.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0xda942042e4dd58b5)
}

func (e *MaskingEngine) Config() params.PretrainConfig { return e.cfg }

// PatchAndMask turns seq (batch x time x variate) into model input, target
// and mask.
func (e *MaskingEngine) PatchAndMask(seq *utils.Tensor) (*Batch, error) {
	grid, numPatch, err := patch.Create(seq, e.cfg.Patch)
	if err != nil {
		return nil, err
	}
	s, err := masking.Generate(e.src, grid.Dim(0), numPatch, grid.Dim(2), e.cfg.Mask.MaskRatio)
	if err != nil {
		return nil, err
	}
	out, err := e.masker.Apply(grid, s, e.src)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"shape":    grid.Shape,
		"len_keep": s.LenKeep,
		"masked":   s.Masked(),
	}).Debug("patched and masked batch")

	return &Batch{
		Input:      out.Input,
		Target:     out.Target,
		Mask:       out.Mask,
		Kept:       out.Kept,
		IDsRestore: out.IDsRestore,
		NumPatch:   numPatch,
		LenKeep:    s.LenKeep,
	}, nil
}

// Patch only patches seq, for fine-tuning runs that train on unmasked input.
func (e *MaskingEngine) Patch(seq *utils.Tensor) (*utils.Tensor, int, error) {
	return patch.Create(seq, e.cfg.Patch)
}
