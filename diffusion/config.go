package diffusion

import (
	"math"

	"github.com/pkg/errors"
)

// Diffusion (denoiser) types accepted by Config.DiffusionType.
const (
	TypeDiT  = "dit"
	TypeUNet = "unet"
	TypeNone = "none"
)

// Loss types accepted by Config.LossType.
const (
	LossL1 = "l1"
	LossL2 = "l2"
)

// Config holds the construction parameters of the diffusion process and of the
// denoiser it wraps. Zero values are replaced by WithDefaults.
type Config struct {
	// InputDim is the coordinate dimension of the noised trajectory (and of the
	// supervised deltas). Default 5.
	InputDim int `json:"input_dim"`

	// ConditionalDim is the feature dimension of the conditioning history. Default 5.
	ConditionalDim int `json:"conditional_dim"`

	// HisStp is the number of history frames. Trajectories have HisStp-1 steps. Default 11.
	HisStp int `json:"his_stp"`

	// Betas is the noise variance schedule. Its length is the number of diffusion
	// time steps; empty is only valid with DiffusionType "none".
	Betas []float64 `json:"betas"`

	// LossType is "l1" or "l2". Default "l2".
	LossType string `json:"loss_type"`

	// NumDiTBlocks is the number of cross-attention blocks of the DiT denoiser. Default 4.
	NumDiTBlocks int `json:"num_dit_blocks"`

	// DiffusionType is "dit", "unet" or "none". Default "none".
	DiffusionType string `json:"diffusion_type"`

	// UNetDims are the four encoder widths of the U-Net denoiser. Default [64 128 256 512].
	UNetDims []int `json:"unet_dims"`

	// Bottleneck is the width of the U-Net bottleneck stage. Default 64.
	Bottleneck int `json:"bottleneck"`

	// NumHeads is the number of attention heads used by the default DiT block. Default 1.
	NumHeads int `json:"num_heads"`

	// Seed for the default noise source. Zero means time based.
	Seed int64 `json:"seed"`
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.InputDim == 0 {
		c.InputDim = 5
	}
	if c.ConditionalDim == 0 {
		c.ConditionalDim = 5
	}
	if c.HisStp == 0 {
		c.HisStp = 11
	}
	if c.LossType == "" {
		c.LossType = LossL2
	}
	if c.NumDiTBlocks == 0 {
		c.NumDiTBlocks = 4
	}
	if c.DiffusionType == "" {
		c.DiffusionType = TypeNone
	}
	if len(c.UNetDims) == 0 {
		c.UNetDims = []int{64, 128, 256, 512}
	}
	if c.Bottleneck == 0 {
		c.Bottleneck = 64
	}
	if c.NumHeads == 0 {
		c.NumHeads = 1
	}
	return c
}

// Validate checks the config. It expects defaults to have been applied.
func (c Config) Validate() error {
	switch c.LossType {
	case LossL1, LossL2:
	default:
		return errors.Wrapf(ErrUnknownLossType, "get unknown loss type: %q", c.LossType)
	}
	switch c.DiffusionType {
	case TypeDiT, TypeUNet, TypeNone:
	default:
		return errors.Wrapf(ErrUnknownDiffusionType, "get unknown diffusion type: %q", c.DiffusionType)
	}
	if c.InputDim <= 0 || c.ConditionalDim <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "input_dim=%d and conditional_dim=%d must be positive",
			c.InputDim, c.ConditionalDim)
	}
	if c.HisStp < 2 {
		return errors.Wrapf(ErrInvalidConfig, "his_stp must be >= 2, got %d", c.HisStp)
	}
	if c.NumDiTBlocks < 0 {
		return errors.Wrapf(ErrInvalidConfig, "num_dit_blocks must be >= 0, got %d", c.NumDiTBlocks)
	}
	if len(c.UNetDims) != 4 {
		return errors.Wrapf(ErrInvalidConfig, "unet_dims needs 4 widths, got %v", c.UNetDims)
	}
	for _, d := range c.UNetDims {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "unet_dims must be positive, got %v", c.UNetDims)
		}
	}
	if c.Bottleneck <= 0 || c.NumHeads <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "bottleneck=%d and num_heads=%d must be positive",
			c.Bottleneck, c.NumHeads)
	}
	if c.DiffusionType != TypeNone && len(c.Betas) == 0 {
		return errors.Wrapf(ErrNoTimesteps, "diffusion type %q", c.DiffusionType)
	}
	return nil
}

// HisDeltaSteps is the number of trajectory steps (HisStp-1).
func (c Config) HisDeltaSteps() int {
	return c.HisStp - 1
}

// Enabled reports whether the config runs a denoiser.
func (c Config) Enabled() bool {
	return c.DiffusionType != TypeNone
}

// LinearBetas returns n betas linearly spaced between start and end (inclusive).
func LinearBetas(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	betas := make([]float64, n)
	if n == 1 {
		betas[0] = start
		return betas
	}
	step := (end - start) / float64(n-1)
	for i := range betas {
		betas[i] = start + float64(i)*step
	}
	// pin the last value so rounding does not overshoot end.
	betas[n-1] = end
	return betas
}

// CosineBetas returns the squared-cosine schedule of length n, clipped at maxBeta.
func CosineBetas(n int, maxBeta float64) []float64 {
	if n <= 0 {
		return nil
	}
	const s = 0.008
	f := func(t float64) float64 {
		v := math.Cos((t/float64(n) + s) / (1 + s) * math.Pi / 2)
		return v * v
	}
	betas := make([]float64, n)
	for i := range betas {
		b := 1 - f(float64(i+1))/f(float64(i))
		betas[i] = math.Min(b, maxBeta)
	}
	return betas
}
