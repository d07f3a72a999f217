package IO

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/manningwu07/PatchTST/utils"
)

// latent periodic components mixed into every synthetic variate
const latentSignals = 3

// SyntheticSequence builds a (batch x T x variates) tensor of correlated
// seasonal series: a few latent sinusoids with random periods and phases,
// mixed per variate, plus trend and white noise. Used for demos and tests.
func SyntheticSequence(src rand.Source, batch, T, variates int) (*utils.Tensor, error) {
	if batch <= 0 || T <= 0 || variates <= 0 {
		return nil, fmt.Errorf("%w: synthetic sequence needs positive dims, got %d x %d x %d",
			utils.ErrShapeMismatch, batch, T, variates)
	}
	period := distuv.Uniform{Min: 8, Max: 48, Src: src}
	phase := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: src}
	weight := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: 0.1, Src: src}

	out := utils.NewTensor(batch, T, variates)
	for b := 0; b < batch; b++ {
		latent := mat.NewDense(T, latentSignals, nil)
		for k := 0; k < latentSignals; k++ {
			w, ph := 2*math.Pi/period.Rand(), phase.Rand()
			for t := 0; t < T; t++ {
				latent.Set(t, k, math.Sin(w*float64(t)+ph))
			}
		}
		mix := mat.NewDense(latentSignals, variates, nil)
		for i := 0; i < latentSignals; i++ {
			for v := 0; v < variates; v++ {
				mix.Set(i, v, weight.Rand())
			}
		}
		// row b viewed as (T x variates) receives latent * mix
		row := mat.NewDense(T, variates, out.Row(b))
		row.Mul(latent, mix)

		slope := weight.Rand() / float64(T)
		row.Apply(func(t, _ int, x float64) float64 {
			return x + slope*float64(t) + noise.Rand()
		}, row)
	}
	return out, nil
}
