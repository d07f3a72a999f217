package masking

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/stat"

	"github.com/manningwu07/PatchTST/params"
	"github.com/manningwu07/PatchTST/patch"
	"github.com/manningwu07/PatchTST/utils"
)

// randomGrid patches a random (B x T x V) sequence.
func randomGrid(t *testing.T, seed uint64, B, T, V int, pc params.PatchConfig) *utils.Tensor {
	t.Helper()
	r := rand.New(newSrc(seed))
	seq := utils.NewTensor(B, T, V)
	for i := range seq.Data {
		seq.Data[i] = r.NormFloat64()
	}
	grid, _, err := patch.Create(seq, pc)
	if err != nil {
		t.Fatal(err)
	}
	return grid
}

func applyPolicy(t *testing.T, grid *utils.Tensor, cfg params.MaskingConfig, seed uint64, workers int) (*Masked, *Shuffle) {
	t.Helper()
	src := newSrc(seed)
	s, err := Generate(src, grid.Dim(0), grid.Dim(1), grid.Dim(2), cfg.MaskRatio)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMasker(cfg, workers)
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Apply(grid, s, src)
	if err != nil {
		t.Fatal(err)
	}
	return out, s
}

func maskedCount(mask *utils.Tensor, b, v int) int {
	n := 0
	for p := 0; p < mask.Dim(1); p++ {
		if mask.At(b, p, v) == 1 {
			n++
		} else if mask.At(b, p, v) != 0 {
			panic("mask is not binary")
		}
	}
	return n
}

func TestConcreteScenario(t *testing.T) {
	grid := randomGrid(t, 1, 2, 20, 4, params.PatchConfig{PatchLen: 5, Stride: 5})
	if !utils.SameShape(grid.Shape, []int{2, 4, 4, 5}) {
		t.Fatalf("grid shape = %v", grid.Shape)
	}
	out, _ := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0.5}, 11, 1)
	if out.LenKeep != 2 {
		t.Fatalf("LenKeep = %d, want 2", out.LenKeep)
	}
	for b := 0; b < 2; b++ {
		for v := 0; v < 4; v++ {
			if n := maskedCount(out.Mask, b, v); n != 2 {
				t.Fatalf("(%d,%d): %d masked patches, want 2", b, v, n)
			}
		}
	}
}

func TestMaskCountForAllRatios(t *testing.T) {
	grid := randomGrid(t, 2, 3, 40, 2, params.PatchConfig{PatchLen: 4, Stride: 2})
	L := grid.Dim(1)
	for _, ratio := range []float64{0, 0.1, 0.25, 0.4, 0.5, 0.75, 0.9, 0.99} {
		out, _ := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: ratio}, 5, 1)
		want := L - LenKeep(L, ratio)
		for b := 0; b < 3; b++ {
			for v := 0; v < 2; v++ {
				if n := maskedCount(out.Mask, b, v); n != want {
					t.Fatalf("ratio %v (%d,%d): %d masked, want %d", ratio, b, v, n, want)
				}
			}
		}
	}
}

func TestMaskMatchesRestoreIndex(t *testing.T) {
	grid := randomGrid(t, 3, 2, 30, 3, params.PatchConfig{PatchLen: 6, Stride: 3})
	out, s := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0.4}, 9, 1)
	for b := 0; b < 2; b++ {
		for p := 0; p < s.NumPatch; p++ {
			for v := 0; v < 3; v++ {
				hidden := s.RestoreAt(b, p, v) >= s.LenKeep
				if (out.Mask.At(b, p, v) == 1) != hidden {
					t.Fatalf("mask[%d,%d,%d] disagrees with restore rank", b, p, v)
				}
			}
		}
	}
}

func checkPositions(t *testing.T, out *Masked, masked func(b, p, v, l int, in, tgt float64)) {
	t.Helper()
	B, L, V, D := out.Input.Dim(0), out.Input.Dim(1), out.Input.Dim(2), out.Input.Dim(3)
	for b := 0; b < B; b++ {
		for p := 0; p < L; p++ {
			for v := 0; v < V; v++ {
				for l := 0; l < D; l++ {
					in, tgt := out.Input.At(b, p, v, l), out.Target.At(b, p, v, l)
					if out.Mask.At(b, p, v) == 0 {
						if in != tgt {
							t.Fatalf("kept position [%d,%d,%d,%d] altered: %v != %v", b, p, v, l, in, tgt)
						}
						continue
					}
					masked(b, p, v, l, in, tgt)
				}
			}
		}
	}
}

func TestZeroPolicy(t *testing.T) {
	grid := randomGrid(t, 4, 2, 24, 3, params.PatchConfig{PatchLen: 4, Stride: 4})
	out, _ := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0.5, Policy: params.PolicyZero}, 1, 1)
	if diff := cmp.Diff(grid.Data, out.Target.Data); diff != "" {
		t.Fatalf("target differs from grid:\n%s", diff)
	}
	checkPositions(t, out, func(b, p, v, l int, in, _ float64) {
		if in != 0 {
			t.Fatalf("masked position [%d,%d,%d,%d] = %v, want 0", b, p, v, l, in)
		}
	})
}

func TestGaussianPolicyKeepsVisiblePatches(t *testing.T) {
	grid := randomGrid(t, 5, 2, 24, 3, params.PatchConfig{PatchLen: 4, Stride: 2})
	cfg := params.MaskingConfig{MaskRatio: 0.4, Policy: params.PolicyGaussianNoise, NoiseStd: 0.5}
	out, _ := applyPolicy(t, grid, cfg, 2, 1)
	changed := 0
	checkPositions(t, out, func(_, _, _, _ int, in, tgt float64) {
		if in != tgt {
			changed++
		}
	})
	if changed == 0 {
		t.Fatal("gaussian policy left every masked value unchanged")
	}
}

func TestGaussianPolicyAddsNoiseToValues(t *testing.T) {
	grid := randomGrid(t, 11, 8, 96, 4, params.PatchConfig{PatchLen: 8, Stride: 4})
	for i := range grid.Data {
		grid.Data[i] += 50
	}
	const std = 1e-3
	cfg := params.MaskingConfig{MaskRatio: 0.5, Policy: params.PolicyGaussianNoise, NoiseStd: std}
	out, _ := applyPolicy(t, grid, cfg, 12, 1)

	var deltas []float64
	checkPositions(t, out, func(b, p, v, l int, in, tgt float64) {
		d := in - tgt
		if math.Abs(d) > 10*std {
			t.Fatalf("masked position [%d,%d,%d,%d]: input %v is not target %v plus small noise", b, p, v, l, in, tgt)
		}
		deltas = append(deltas, d)
	})
	if len(deltas) < 1000 {
		t.Fatalf("only %d masked cells", len(deltas))
	}
	mean, sd := stat.MeanStdDev(deltas, nil)
	if math.Abs(mean) > 0.2*std {
		t.Errorf("noise mean = %v, want ~0", mean)
	}
	if math.Abs(sd-std) > 0.1*std {
		t.Errorf("noise std = %v, want ~%v", sd, std)
	}
}

func TestGaussianZeroStdIsIdentity(t *testing.T) {
	grid := randomGrid(t, 6, 2, 24, 3, params.PatchConfig{PatchLen: 4, Stride: 2})
	cfg := params.MaskingConfig{MaskRatio: 0.6, Policy: params.PolicyGaussianNoise, NoiseStd: 0}
	out, _ := applyPolicy(t, grid, cfg, 3, 1)
	if diff := cmp.Diff(out.Target.Data, out.Input.Data); diff != "" {
		t.Fatalf("noise_std=0 changed the input:\n%s", diff)
	}
}

func TestMaskTokenPassThrough(t *testing.T) {
	grid := randomGrid(t, 7, 2, 20, 2, params.PatchConfig{PatchLen: 5, Stride: 5})
	before := grid.Clone()
	out, _ := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0.5, Policy: params.PolicyMaskToken}, 4, 1)
	if diff := cmp.Diff(grid.Data, out.Input.Data); diff != "" {
		t.Fatalf("mask token input differs from grid:\n%s", diff)
	}

	out.Input.Data[0] = 1e9
	out.Kept.Data[0] = 1e9
	if out.Target.Data[0] == 1e9 || grid.Data[0] == 1e9 {
		t.Fatal("input or kept aliases target/grid storage")
	}
	if diff := cmp.Diff(before.Data, grid.Data); diff != "" {
		t.Fatalf("Apply mutated its input grid:\n%s", diff)
	}
}

func TestKeptPatchesFollowShuffle(t *testing.T) {
	grid := randomGrid(t, 8, 2, 30, 3, params.PatchConfig{PatchLen: 5, Stride: 5})
	out, s := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0.5}, 6, 1)
	if !utils.SameShape(out.Kept.Shape, []int{2, s.LenKeep, 3, 5}) {
		t.Fatalf("kept shape = %v", out.Kept.Shape)
	}
	for b := 0; b < 2; b++ {
		for i := 0; i < s.LenKeep; i++ {
			for v := 0; v < 3; v++ {
				p := s.ShuffleAt(b, i, v)
				for l := 0; l < 5; l++ {
					if out.Kept.At(b, i, v, l) != grid.At(b, p, v, l) {
						t.Fatalf("kept[%d,%d,%d,%d] != grid[%d,%d,%d,%d]", b, i, v, l, b, p, v, l)
					}
				}
			}
		}
	}
}

func TestZeroRatioMasksNothing(t *testing.T) {
	grid := randomGrid(t, 9, 1, 20, 2, params.PatchConfig{PatchLen: 5, Stride: 5})
	out, _ := applyPolicy(t, grid, params.MaskingConfig{MaskRatio: 0}, 1, 1)
	for _, m := range out.Mask.Data {
		if m != 0 {
			t.Fatal("ratio 0 produced a masked patch")
		}
	}
	if diff := cmp.Diff(grid.Data, out.Input.Data); diff != "" {
		t.Fatalf("ratio 0 changed the input:\n%s", diff)
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	grid := randomGrid(t, 10, 8, 64, 5, params.PatchConfig{PatchLen: 8, Stride: 4})
	cfg := params.MaskingConfig{MaskRatio: 0.4, Policy: params.PolicyGaussianNoise, NoiseStd: 0.2}
	seq, _ := applyPolicy(t, grid, cfg, 77, 1)
	par, _ := applyPolicy(t, grid, cfg, 77, 4)
	if diff := cmp.Diff(seq.Input.Data, par.Input.Data); diff != "" {
		t.Fatalf("parallel input differs:\n%s", diff)
	}
	if diff := cmp.Diff(seq.Mask.Data, par.Mask.Data); diff != "" {
		t.Fatalf("parallel mask differs:\n%s", diff)
	}
}

func TestApplyShapeErrors(t *testing.T) {
	grid := randomGrid(t, 11, 2, 20, 2, params.PatchConfig{PatchLen: 5, Stride: 5})
	s, _ := Generate(newSrc(1), 2, 3, 2, 0.5) // num_patch 3 != 4
	m, _ := NewMasker(params.MaskingConfig{MaskRatio: 0.5}, 1)
	if _, err := m.Apply(grid, s, nil); !errors.Is(err, utils.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	s, _ = Generate(newSrc(1), 2, 4, 2, 0.5)
	g, _ := NewMasker(params.MaskingConfig{MaskRatio: 0.5, Policy: params.PolicyGaussianNoise, NoiseStd: 1}, 1)
	if _, err := g.Apply(grid, s, nil); !errors.Is(err, params.ErrConfig) {
		t.Fatalf("gaussian without source: err = %v, want ErrConfig", err)
	}
}
