package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 5, cfg.InputDim)
	assert.Equal(t, 5, cfg.ConditionalDim)
	assert.Equal(t, 11, cfg.HisStp)
	assert.Equal(t, 10, cfg.HisDeltaSteps())
	assert.Equal(t, LossL2, cfg.LossType)
	assert.Equal(t, TypeNone, cfg.DiffusionType)
	assert.Equal(t, 4, cfg.NumDiTBlocks)
	assert.Equal(t, []int{64, 128, 256, 512}, cfg.UNetDims)
	assert.Equal(t, 64, cfg.Bottleneck)
	assert.False(t, cfg.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	betas := LinearBetas(1e-4, 0.02, 10)
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"unknown diffusion type", Config{DiffusionType: "foo", Betas: betas}, ErrUnknownDiffusionType},
		{"unknown loss type", Config{LossType: "l3", Betas: betas}, ErrUnknownLossType},
		{"enabled without betas", Config{DiffusionType: TypeUNet}, ErrNoTimesteps},
		{"his_stp too small", Config{HisStp: 1}, ErrInvalidConfig},
		{"bad unet dims", Config{UNetDims: []int{1, 2}}, ErrInvalidConfig},
		{"negative blocks", Config{NumDiTBlocks: -1}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			assert.ErrorIs(t, err, tt.want)
		})
	}

	for _, typ := range []string{TypeUNet, TypeDiT, TypeNone} {
		for _, loss := range []string{LossL1, LossL2} {
			cfg := Config{DiffusionType: typ, LossType: loss, Betas: betas}.WithDefaults()
			assert.NoError(t, cfg.Validate(), "%s/%s", typ, loss)
		}
	}
}

func TestNewGaussianDiffusionConstructionErrors(t *testing.T) {
	betas := LinearBetas(1e-4, 0.02, 10)
	_, err := NewGaussianDiffusion(Config{DiffusionType: "foo", Betas: betas})
	assert.ErrorIs(t, err, ErrUnknownDiffusionType)

	_, err = NewGaussianDiffusion(Config{DiffusionType: TypeUNet, LossType: "l3", Betas: betas})
	assert.ErrorIs(t, err, ErrUnknownLossType)

	_, err = NewGaussianDiffusion(Config{DiffusionType: TypeUNet, Betas: []float64{0.1, 1}})
	assert.ErrorIs(t, err, ErrInvalidBeta)

	gd, err := NewGaussianDiffusion(Config{DiffusionType: TypeDiT, Betas: betas})
	require.NoError(t, err)
	assert.True(t, gd.Enabled())
	assert.IsType(t, &DiT{}, gd.Denoiser())
	assert.Equal(t, 10, gd.NumTimeSteps())

	gd, err = NewGaussianDiffusion(Config{DiffusionType: TypeUNet, Betas: betas})
	require.NoError(t, err)
	assert.IsType(t, &UNet{}, gd.Denoiser())

	gd, err = NewGaussianDiffusion(Config{Betas: betas}, WithDenoiser(DenoiserFunc(nil)))
	require.NoError(t, err)
	assert.False(t, gd.Enabled(), "none ignores injected denoisers")
}

func TestDenoiserWidths(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 10*5+11*5+1, NewUNet(cfg).InputFeatures())
	dit := NewDiT(cfg, nil)
	assert.Equal(t, 51, dit.FeatureDim())
	assert.Equal(t, 55, dit.ConditionDim())
}
