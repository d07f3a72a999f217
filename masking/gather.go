package masking

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/manningwu07/PatchTST/utils"
)

// dims describes a (batch x L x variate x d) block; d flattens every axis
// after the variate axis (1 for masks).
type dims struct {
	batch, length, variates, d int
}

// gather is torch.gather along the patch axis with the index broadcast over
// d: out[b,k,v,:] = src[b, ids[b,k,v], v, :], k < len(ids)/(batch*variates).
// An index outside [0, length) fails its row with ErrShapeMismatch.
func gather(src []float64, in dims, ids []int, workers int) ([]float64, error) {
	k := len(ids) / (in.batch * in.variates)
	out := make([]float64, in.batch*k*in.variates*in.d)
	err := forEachRow(in.batch, workers, func(b int) error {
		srcRow := src[b*in.length*in.variates*in.d:]
		for i := 0; i < k; i++ {
			for v := 0; v < in.variates; v++ {
				p := ids[(b*k+i)*in.variates+v]
				if p < 0 || p >= in.length {
					return fmt.Errorf("%w: index %d at [%d,%d,%d] outside patch axis of length %d",
						utils.ErrShapeMismatch, p, b, i, v, in.length)
				}
				from := (p*in.variates + v) * in.d
				to := ((b*k+i)*in.variates + v) * in.d
				copy(out[to:to+in.d], srcRow[from:from+in.d])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// concatPatchAxis joins a (batch x ka x ...) and b (batch x kb x ...) along
// the patch axis. rowA and rowB are the per-batch element counts.
func concatPatchAxis(a []float64, rowA int, c []float64, rowC int, batch int) []float64 {
	out := make([]float64, 0, len(a)+len(c))
	for b := 0; b < batch; b++ {
		out = append(out, a[b*rowA:(b+1)*rowA]...)
		out = append(out, c[b*rowC:(b+1)*rowC]...)
	}
	return out
}

// forEachRow runs fn once per batch row and returns the first error. Rows
// write disjoint output ranges.
func forEachRow(batch, workers int, fn func(b int) error) error {
	if workers <= 1 || batch == 1 {
		for b := 0; b < batch; b++ {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for b := 0; b < batch; b++ {
		g.Go(func() error {
			return fn(b)
		})
	}
	return g.Wait()
}
