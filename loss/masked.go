// Package loss holds the reconstruction objective for masked pretraining.
package loss

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/PatchTST/utils"
)

// ErrDegenerateMask is returned when the mask hides nothing, which would make
// the masked mean 0/0.
var ErrDegenerateMask = errors.New("degenerate mask: no masked positions")

// Func matches the learner's loss slot.
type Func func(preds, target *utils.Tensor) (float64, error)

// MaskedMSE is mean over patch_len of (preds-target)^2, summed over positions
// where mask == 1 and divided by the number of such positions in the batch.
//
//	preds, target: (batch x num_patch x variate x patch_len)
//	mask:          (batch x num_patch x variate)
func MaskedMSE(preds, target, mask *utils.Tensor) (float64, error) {
	if err := checkShapes(preds, target, mask); err != nil {
		return 0, err
	}
	denom := floats.Sum(mask.Data)
	if denom == 0 {
		return 0, ErrDegenerateMask
	}

	D := preds.Dim(3)
	var sum float64
	for b := 0; b < preds.Dim(0); b++ {
		var diff mat.Dense
		diff.Sub(preds.RowMatrix(b), target.RowMatrix(b))
		diff.MulElem(&diff, &diff)
		perPatch := utils.MeanRows(diff.RawMatrix().Data, D)
		sum += floats.Dot(perPatch, mask.Row(b))
	}
	return sum / denom, nil
}

// Masked closes MaskedMSE over a mask source so it can sit in a loss slot
// that only passes predictions and targets.
func Masked(mask func() *utils.Tensor) Func {
	return func(preds, target *utils.Tensor) (float64, error) {
		return MaskedMSE(preds, target, mask())
	}
}

func checkShapes(preds, target, mask *utils.Tensor) error {
	if preds == nil || target == nil || mask == nil {
		return fmt.Errorf("%w: nil operand", utils.ErrShapeMismatch)
	}
	if preds.Rank() != 4 || !preds.SameShape(target) {
		return fmt.Errorf("%w: preds %v, target %v", utils.ErrShapeMismatch, preds.Shape, target.Shape)
	}
	if !utils.SameShape(mask.Shape, preds.Shape[:3]) {
		return fmt.Errorf("%w: mask %v for preds %v", utils.ErrShapeMismatch, mask.Shape, preds.Shape)
	}
	for _, d := range preds.Shape {
		if d == 0 {
			return fmt.Errorf("%w: empty axis in %v", utils.ErrShapeMismatch, preds.Shape)
		}
	}
	return nil
}
