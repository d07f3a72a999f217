package params

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// FromEnv returns base with PATCHTST_* environment overrides applied.
// Malformed values keep the value from base and log a warning.
func FromEnv(base PretrainConfig) PretrainConfig {
	c := base
	c.Patch.PatchLen = getenvInt("PATCHTST_PATCH_LEN", c.Patch.PatchLen)
	c.Patch.Stride = getenvInt("PATCHTST_STRIDE", c.Patch.Stride)
	c.Mask.MaskRatio = getenvFloat("PATCHTST_MASK_RATIO", c.Mask.MaskRatio)
	c.Mask.NoiseStd = getenvFloat("PATCHTST_NOISE_STD", c.Mask.NoiseStd)
	if v := os.Getenv("PATCHTST_POLICY"); v != "" {
		if p, err := ParsePolicy(v); err == nil {
			c.Mask.Policy = p
		} else {
			warnFallback("PATCHTST_POLICY", v, c.Mask.Policy.String(), err)
		}
	}
	if v := os.Getenv("PATCHTST_SEED"); v != "" {
		if s, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Seed = s
		} else {
			warnFallback("PATCHTST_SEED", v, c.Seed, err)
		}
	}
	c.LogLevel = getenv("PATCHTST_LOG_LEVEL", c.LogLevel)
	c.Workers = getenvInt("PATCHTST_WORKERS", c.Workers)
	return c
}

func warnFallback(key, value string, fallback any, err error) {
	logrus.WithFields(logrus.Fields{
		"key":      key,
		"value":    value,
		"fallback": fallback,
	}).WithError(err).Warn("ignoring malformed environment override")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warnFallback(key, v, fallback, err)
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnFallback(key, v, fallback, err)
		return fallback
	}
	return f
}
