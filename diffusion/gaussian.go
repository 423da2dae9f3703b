// Package diffusion implements a conditional Gaussian diffusion model for
// multi-agent trajectory prediction.
//
// A fixed beta schedule defines the forward (noising) process. A denoiser, either
// the U-Net or the cross-attention DiT, is trained to predict the injected noise
// of a trajectory delta, conditioned on the agents' history. Sampling runs the
// reverse process from pure noise down to timestep 0.
//
// GaussianDiffusion builds the gomlx graphs. Model compiles and executes them on
// a backend and owns the randomness.
package diffusion

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Option configures GaussianDiffusion and Model construction.
type Option func(*options)

type options struct {
	denoiser Denoiser
	block    CrossAttention
	noise    NoiseSource
}

// WithDenoiser replaces the denoiser selected by Config.DiffusionType. It is
// ignored when the diffusion type is "none".
func WithDenoiser(d Denoiser) Option {
	return func(o *options) { o.denoiser = d }
}

// WithCrossAttention sets the block used by the DiT denoiser.
func WithCrossAttention(block CrossAttention) Option {
	return func(o *options) { o.block = block }
}

// WithNoiseSource sets the source of every random draw of Model.
func WithNoiseSource(ns NoiseSource) Option {
	return func(o *options) { o.noise = ns }
}

// GaussianDiffusion is the graph-level diffusion process: the coefficient
// schedule plus the denoiser it wraps. It holds no per-call state.
type GaussianDiffusion struct {
	cfg      Config
	schedule *Schedule
	denoiser Denoiser
}

// NewGaussianDiffusion validates cfg, precomputes the schedule and selects the denoiser.
func NewGaussianDiffusion(cfg Config, opts ...Option) (*GaussianDiffusion, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return newGaussianDiffusion(cfg, o)
}

func newGaussianDiffusion(cfg Config, o *options) (*GaussianDiffusion, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(cfg.Betas)
	if err != nil {
		return nil, err
	}
	if cfg.LossType == LossL1 {
		klog.Warningf("diffusion: loss_type %q is accepted but the noise loss is computed as MSE", cfg.LossType)
	}

	gd := &GaussianDiffusion{cfg: cfg, schedule: schedule}
	switch {
	case !cfg.Enabled():
	case o.denoiser != nil:
		gd.denoiser = o.denoiser
	case cfg.DiffusionType == TypeDiT:
		gd.denoiser = NewDiT(cfg, o.block)
	default:
		if gd.denoiser, err = NewDenoiser(cfg); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("diffusion: type=%s time_steps=%d input_dim=%d conditional_dim=%d his_stp=%d",
		cfg.DiffusionType, schedule.Len(), cfg.InputDim, cfg.ConditionalDim, cfg.HisStp)
	return gd, nil
}

// Config returns the (defaulted) configuration.
func (gd *GaussianDiffusion) Config() Config { return gd.cfg }

// Schedule returns the shared, read-only coefficient schedule.
func (gd *GaussianDiffusion) Schedule() *Schedule { return gd.schedule }

// Denoiser returns the wrapped denoiser, nil when disabled.
func (gd *GaussianDiffusion) Denoiser() Denoiser { return gd.denoiser }

// NumTimeSteps is the length of the beta schedule.
func (gd *GaussianDiffusion) NumTimeSteps() int { return gd.schedule.Len() }

// Enabled reports whether a denoiser is wrapped.
func (gd *GaussianDiffusion) Enabled() bool { return gd.denoiser != nil }

// PerturbX is the closed-form forward process:
// sqrt_alphas_cum_prod[t] * x0 + sqrt_one_minus_alphas_cum_prod[t] * noise.
func (gd *GaussianDiffusion) PerturbX(x0, t, noise *Node) *Node {
	g := x0.Graph()
	return Add(
		scaleByTimestep(gd.schedule.Const(g, CoeffSqrtAlphasCumProd), t, x0),
		scaleByTimestep(gd.schedule.Const(g, CoeffSqrtOneMinusAlphasCumProd), t, noise))
}

// RemoveNoise runs one reverse step without the stochastic term:
// (xt - remove_noise_coeff[t] * denoiser(xt)) * reciprocal_sqrt_alphas[t].
func (gd *GaussianDiffusion) RemoveNoise(ctx *context.Context, xt, t, history *Node) *Node {
	if gd.denoiser == nil {
		panic(errors.WithStack(ErrDisabled))
	}
	g := xt.Graph()
	predicted := gd.denoiser.Denoise(ctx, xt, t, history)
	x := Sub(xt, scaleByTimestep(gd.schedule.Const(g, CoeffRemoveNoise), t, predicted))
	return scaleByTimestep(gd.schedule.Const(g, CoeffReciprocalSqrtAlphas), t, x)
}

// TimestepBatch is a constant int32 [batch] vector filled with t.
func TimestepBatch(g *Graph, t, batch int) *Node {
	ts := make([]int32, batch)
	for i := range ts {
		ts[i] = int32(t)
	}
	return Const(g, ts)
}

// SampleGraph runs the whole reverse process starting at noise, from timestep
// num_time_steps-1 down to 0, calling the denoiser once per step. stepNoise is
// shaped [num_time_steps, ...noise shape]: row t is the fresh Gaussian noise added,
// scaled by sigma[t], after step t > 0 (row 0 is unused). The result goes through
// the output batch normalization. Disabled processes return noise unchanged.
func (gd *GaussianDiffusion) SampleGraph(ctx *context.Context, noise, history, stepNoise *Node) *Node {
	if gd.denoiser == nil {
		return noise
	}
	n := gd.schedule.Len()
	dims := noise.Shape().Dimensions
	wantStep := append([]int{n}, dims...)
	if !slices.Equal(stepNoise.Shape().Dimensions, wantStep) {
		panic(errors.Wrapf(ErrShapeMismatch, "step noise shape %v, want %v", stepNoise.Shape().Dimensions, wantStep))
	}

	g := noise.Graph()
	batch := dims[0]
	x := noise
	for t := n - 1; t >= 0; t-- {
		x = gd.RemoveNoise(ctx, x, TimestepBatch(g, t, batch), history)
		if t > 0 {
			z := Reshape(Slice(stepNoise, AxisElem(t)), dims...)
			x = Add(x, MulScalar(ConvertDType(z, x.DType()), gd.schedule.At(CoeffSigma, t)))
		}
	}
	return gd.NormalizeOutput(ctx, x)
}

// NormalizeOutput batch-normalizes x per coordinate channel (the last axis),
// pooling statistics over batch, agents and steps.
func (gd *GaussianDiffusion) NormalizeOutput(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx.In("norm_output"), x, -1).UseBackendInference(false).Done()
}

// LossGraph is the masked noise-prediction loss: delta is perturbed to timestep t
// with noise, the denoiser estimates that noise and the squared error is averaged
// over the (agent) entries where mask is set. mask is shaped [batch, agents].
// A mask with no set entry yields 0. Disabled processes return a 0 scalar.
func (gd *GaussianDiffusion) LossGraph(ctx *context.Context, delta, history, mask, t, noise *Node) *Node {
	g := delta.Graph()
	if gd.denoiser == nil {
		return Scalar(g, dtypes.Float32, 0)
	}
	dims := delta.Shape().Dimensions
	if len(dims) != 4 || !slices.Equal(noise.Shape().Dimensions, dims) {
		panic(errors.Wrapf(ErrShapeMismatch, "delta shape %v and noise shape %v must match and have rank 4",
			dims, noise.Shape().Dimensions))
	}
	if !slices.Equal(mask.Shape().Dimensions, dims[:2]) {
		panic(errors.Wrapf(ErrShapeMismatch, "mask shape %v, want %v", mask.Shape().Dimensions, dims[:2]))
	}

	xt := gd.PerturbX(delta, t, noise)
	estimated := gd.denoiser.Denoise(ctx, xt, t, history)
	loss := Square(Sub(estimated, noise))

	m := ConvertDType(mask, loss.DType())
	m = BroadcastToDims(Reshape(m, dims[0], dims[1], 1, 1), dims...)
	num := ReduceAllSum(Mul(loss, m))
	den := ReduceAllSum(m)
	positive := GreaterThan(den, ZerosLike(den))
	safeDen := Where(positive, den, OnesLike(den))
	return Where(positive, Div(num, safeDen), ZerosLike(num))
}
