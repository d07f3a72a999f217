package pretrain

import (
	"errors"

	"github.com/manningwu07/PatchTST/loss"
	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/utils"
)

var ErrNoLoss = errors.New("learner has no loss function installed")

// Learner is the state a training loop shares with the masking steps.
type Learner struct {
	XB   *utils.Tensor // current batch input
	YB   *utils.Tensor // current batch target
	Mask *utils.Tensor // set only under the mask token policy

	LossFunc loss.Func
}

// Loss evaluates the installed loss against the current target.
func (l *Learner) Loss(preds *utils.Tensor) (float64, error) {
	if l.LossFunc == nil {
		return 0, ErrNoLoss
	}
	return l.LossFunc(preds, l.YB)
}

// PatchMaskStep is the masked-reconstruction pretraining step. Install once
// before training, then call Step before every forward pass.
type PatchMaskStep struct {
	Engine *MaskingEngine
	mask   *utils.Tensor
}

func NewPatchMaskStep(e *MaskingEngine) *PatchMaskStep {
	return &PatchMaskStep{Engine: e}
}

// Install replaces the learner's loss with the masked loss over the most
// recent step's mask.
func (s *PatchMaskStep) Install(l *Learner) {
	l.LossFunc = loss.Masked(func() *utils.Tensor { return s.mask })
}

// Step masks l.XB (batch x time x variate) in place of the raw batch.
func (s *PatchMaskStep) Step(l *Learner) (*Batch, error) {
	b, err := s.Engine.PatchAndMask(l.XB)
	if err != nil {
		return nil, err
	}
	s.mask = b.Mask
	if s.Engine.cfg.Mask.Policy == params.PolicyMaskToken {
		l.Mask = b.Mask
	} else {
		l.Mask = nil
	}
	l.XB = b.Input
	l.YB = b.Target
	return b, nil
}

// PatchStep only patches the input; targets and loss are left alone.
type PatchStep struct {
	Engine *MaskingEngine
}

func (s PatchStep) Step(l *Learner) error {
	xp, _, err := s.Engine.Patch(l.XB)
	if err != nil {
		return err
	}
	l.XB = xp
	return nil
}
