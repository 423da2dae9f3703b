package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// Denoiser predicts the noise contained in a noised trajectory.
//
// noisy is shaped [batch, agents, his_stp-1, input_dim], t holds one integer
// timestep per batch row and history is shaped
// [batch, agents, his_stp, conditional_dim]. The result has the shape of noisy.
// Trainable weights live in ctx, so building the graph several times (for
// instance once per reverse step) shares them.
type Denoiser interface {
	Denoise(ctx *context.Context, noisy, t, history *Node) *Node
}

// DenoiserFunc adapts a plain function to the Denoiser interface.
type DenoiserFunc func(ctx *context.Context, noisy, t, history *Node) *Node

// Denoise implements Denoiser.
func (f DenoiserFunc) Denoise(ctx *context.Context, noisy, t, history *Node) *Node {
	return f(ctx, noisy, t, history)
}

// NewDenoiser builds the denoiser selected by cfg.DiffusionType. It returns nil
// for "none".
func NewDenoiser(cfg Config) (Denoiser, error) {
	switch cfg.DiffusionType {
	case TypeUNet:
		return NewUNet(cfg), nil
	case TypeDiT:
		return NewDiT(cfg, nil), nil
	case TypeNone:
		return nil, nil
	}
	return nil, errors.Wrapf(ErrUnknownDiffusionType, "get unknown diffusion type: %q", cfg.DiffusionType)
}

// trajectoryShape is what every denoiser expects of its inputs.
type trajectoryShape struct {
	hisDelta, inputDim, hisStp, conditionalDim int
}

func shapeOf(cfg Config) trajectoryShape {
	return trajectoryShape{
		hisDelta:       cfg.HisDeltaSteps(),
		inputDim:       cfg.InputDim,
		hisStp:         cfg.HisStp,
		conditionalDim: cfg.ConditionalDim,
	}
}

// check panics with ErrShapeMismatch if the inputs do not match, and returns
// the batch and agent sizes.
func (s trajectoryShape) check(noisy, t, history *Node) (batch, agents int) {
	nd := noisy.Shape().Dimensions
	hd := history.Shape().Dimensions
	if len(nd) != 4 || nd[2] != s.hisDelta || nd[3] != s.inputDim {
		panic(errors.Wrapf(ErrShapeMismatch, "noisy trajectory shape %v, want [batch, agents, %d, %d]",
			nd, s.hisDelta, s.inputDim))
	}
	if len(hd) != 4 || hd[0] != nd[0] || hd[1] != nd[1] || hd[2] != s.hisStp || hd[3] != s.conditionalDim {
		panic(errors.Wrapf(ErrShapeMismatch, "history shape %v, want [%d, %d, %d, %d]",
			hd, nd[0], nd[1], s.hisStp, s.conditionalDim))
	}
	if t.Rank() != 1 || t.Shape().Dimensions[0] != nd[0] {
		panic(errors.Wrapf(ErrShapeMismatch, "timesteps shape %v, want [%d]", t.Shape().Dimensions, nd[0]))
	}
	return nd[0], nd[1]
}

// timestepFeature turns the per batch row timestep into a [batch, agents, 1]
// feature of x's dtype.
func timestepFeature(t *Node, batch, agents int, like *Node) *Node {
	tf := ConvertDType(t, like.DType())
	tf = Reshape(tf, batch, 1, 1)
	return BroadcastToDims(tf, batch, agents, 1)
}

// leakyRelu matches the usual 0.01 negative slope.
func leakyRelu(x *Node) *Node {
	return Max(x, MulScalar(x, 0.01))
}

// linearLayer is dense + leaky relu + batch normalization over the last (feature) axis.
// It is built from plain graph ops: simplego has no fused batch norm.
func linearLayer(ctx *context.Context, x *Node, outputDim int) *Node {
	x = leakyRelu(denseWithBias(ctx.In("dense"), x, outputDim))
	return batchnorm.New(ctx.In("batch_norm"), x, -1).UseBackendInference(false).Done()
}
