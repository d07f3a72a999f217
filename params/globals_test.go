package params

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, Config.Validate())
}

func TestMaskingConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  MaskingConfig
		ok   bool
	}{
		{"zero ratio", MaskingConfig{MaskRatio: 0}, true},
		{"typical", MaskingConfig{MaskRatio: 0.4, Policy: PolicyGaussianNoise, NoiseStd: 0.1}, true},
		{"ratio one", MaskingConfig{MaskRatio: 1}, false},
		{"negative ratio", MaskingConfig{MaskRatio: -0.1}, false},
		{"negative std", MaskingConfig{MaskRatio: 0.5, NoiseStd: -1}, false},
		{"bad policy", MaskingConfig{MaskRatio: 0.5, Policy: Policy(9)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrConfig))
		})
	}
}

func TestPatchConfigValidateFor(t *testing.T) {
	require.NoError(t, PatchConfig{PatchLen: 5, Stride: 1}.ValidateFor(20))
	require.ErrorIs(t, PatchConfig{PatchLen: 0, Stride: 1}.ValidateFor(20), ErrConfig)
	require.ErrorIs(t, PatchConfig{PatchLen: 5, Stride: 0}.ValidateFor(20), ErrConfig)
	require.ErrorIs(t, PatchConfig{PatchLen: 21, Stride: 1}.ValidateFor(20), ErrConfig)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"zero":       PolicyZero,
		"Gaussian":   PolicyGaussianNoise,
		"mask_token": PolicyMaskToken,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, "gaussian", PolicyGaussianNoise.String())
	_, err := ParsePolicy("dropout")
	require.ErrorIs(t, err, ErrConfig)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PATCHTST_PATCH_LEN", "16")
	t.Setenv("PATCHTST_MASK_RATIO", "0.25")
	t.Setenv("PATCHTST_POLICY", "mask_token")
	t.Setenv("PATCHTST_STRIDE", "not-a-number")
	t.Setenv("PATCHTST_SEED", "7")

	c := FromEnv(Config)
	require.Equal(t, 16, c.Patch.PatchLen)
	require.Equal(t, Config.Patch.Stride, c.Patch.Stride)
	require.Equal(t, 0.25, c.Mask.MaskRatio)
	require.Equal(t, PolicyMaskToken, c.Mask.Policy)
	require.Equal(t, uint64(7), c.Seed)
}

func TestFromEnvWarnsOnMalformedValues(t *testing.T) {
	hook := test.NewGlobal()
	t.Cleanup(hook.Reset)
	t.Setenv("PATCHTST_STRIDE", "not-a-number")
	t.Setenv("PATCHTST_POLICY", "dropout")
	t.Setenv("PATCHTST_MASK_RATIO", "0.3")

	c := FromEnv(Config)
	require.Equal(t, Config.Patch.Stride, c.Patch.Stride)
	require.Equal(t, Config.Mask.Policy, c.Mask.Policy)
	require.Equal(t, 0.3, c.Mask.MaskRatio)

	keys := map[string]bool{}
	for _, e := range hook.AllEntries() {
		require.Equal(t, logrus.WarnLevel, e.Level)
		keys[e.Data["key"].(string)] = true
	}
	require.Equal(t, map[string]bool{"PATCHTST_STRIDE": true, "PATCHTST_POLICY": true}, keys)
}
