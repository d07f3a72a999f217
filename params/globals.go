package params

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrConfig is returned (wrapped) for any rejected configuration value.
var ErrConfig = errors.New("invalid config")

// Policy selects what the model sees at masked patch positions.
type Policy int

const (
	// PolicyZero replaces masked patches with zeros.
	PolicyZero Policy = iota
	// PolicyGaussianNoise adds N(0, NoiseStd^2) to masked patches.
	PolicyGaussianNoise
	// PolicyMaskToken leaves the input untouched; the model swaps in its
	// learned mask embedding wherever Mask == 1.
	PolicyMaskToken
)

func (p Policy) String() string {
	switch p {
	case PolicyZero:
		return "zero"
	case PolicyGaussianNoise:
		return "gaussian"
	case PolicyMaskToken:
		return "mask_token"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by Policy.String plus a few aliases.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zero", "zeros":
		return PolicyZero, nil
	case "gaussian", "gaussian_noise", "noise":
		return PolicyGaussianNoise, nil
	case "mask_token", "token", "masktoken":
		return PolicyMaskToken, nil
	}
	return 0, fmt.Errorf("%w: unknown masking policy %q", ErrConfig, s)
}

type PatchConfig struct {
	PatchLen int // time steps per patch
	Stride   int // step between patch starts; < PatchLen overlaps
}

type MaskingConfig struct {
	MaskRatio float64 // fraction of patches hidden per (sample, variate), [0,1)
	Policy    Policy
	NoiseStd  float64 // only read by PolicyGaussianNoise
}

// PretrainConfig is everything the masking engine and the CLI need.
type PretrainConfig struct {
	Patch PatchConfig
	Mask  MaskingConfig

	// Shape of demo / synthetic batches
	BatchSize int
	SeqLen    int
	Variates  int

	Seed     uint64
	LogLevel string
	Workers  int // row-parallel fill in the masker, <=1 runs inline
}

var Config = PretrainConfig{
	Patch: PatchConfig{
		PatchLen: 12,
		Stride:   12,
	},
	Mask: MaskingConfig{
		MaskRatio: 0.4,
		Policy:    PolicyZero,
		NoiseStd:  0.1,
	},

	BatchSize: 32,
	SeqLen:    512, // PatchTST pretraining context window
	Variates:  7,   // ETT-style datasets

	Seed:     2021,
	LogLevel: "info",
	Workers:  4,
}

func (c PatchConfig) Validate() error {
	if c.PatchLen <= 0 {
		return fmt.Errorf("%w: patch_len must be positive, got %d", ErrConfig, c.PatchLen)
	}
	if c.Stride <= 0 {
		return fmt.Errorf("%w: stride must be positive, got %d", ErrConfig, c.Stride)
	}
	return nil
}

// ValidateFor additionally rejects sequences shorter than one patch.
func (c PatchConfig) ValidateFor(seqLen int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.PatchLen > seqLen {
		return fmt.Errorf("%w: patch_len %d exceeds sequence length %d", ErrConfig, c.PatchLen, seqLen)
	}
	return nil
}

func (c MaskingConfig) Validate() error {
	if math.IsNaN(c.MaskRatio) || c.MaskRatio < 0 || c.MaskRatio >= 1 {
		return fmt.Errorf("%w: mask_ratio must be in [0,1), got %v", ErrConfig, c.MaskRatio)
	}
	if math.IsNaN(c.NoiseStd) || c.NoiseStd < 0 {
		return fmt.Errorf("%w: noise_std must be >= 0, got %v", ErrConfig, c.NoiseStd)
	}
	switch c.Policy {
	case PolicyZero, PolicyGaussianNoise, PolicyMaskToken:
	default:
		return fmt.Errorf("%w: unknown policy %v", ErrConfig, c.Policy)
	}
	return nil
}

func (c PretrainConfig) Validate() error {
	if err := c.Patch.ValidateFor(c.SeqLen); err != nil {
		return err
	}
	if err := c.Mask.Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 || c.Variates <= 0 {
		return fmt.Errorf("%w: batch size and variates must be positive, got %d and %d",
			ErrConfig, c.BatchSize, c.Variates)
	}
	return nil
}
