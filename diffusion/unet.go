package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// UNet is the encoder/decoder denoiser. Per agent, the flattened noisy
// trajectory, the flattened history and the timestep are concatenated and
// passed through four widening encoder stages and a bottleneck. Three decoder
// stages each project the previous output, concatenate it with the matching
// encoder output and fuse both with another projection. A tanh head maps back
// to the trajectory shape.
type UNet struct {
	shape      trajectoryShape
	dims       []int
	bottleneck int
}

// NewUNet creates the U-Net denoiser for cfg (defaults are expected to be applied).
func NewUNet(cfg Config) *UNet {
	return &UNet{
		shape:      shapeOf(cfg),
		dims:       append([]int(nil), cfg.UNetDims...),
		bottleneck: cfg.Bottleneck,
	}
}

// InputFeatures is the width of the encoder input: flattened trajectory,
// flattened history and the timestep.
func (u *UNet) InputFeatures() int {
	return u.shape.hisDelta*u.shape.inputDim + u.shape.hisStp*u.shape.conditionalDim + 1
}

// Denoise implements Denoiser.
func (u *UNet) Denoise(ctx *context.Context, noisy, t, history *Node) *Node {
	batch, agents := u.shape.check(noisy, t, history)
	ctx = ctx.In("unet")

	x := Reshape(noisy, batch, agents, u.shape.hisDelta*u.shape.inputDim)
	his := Reshape(ConvertDType(history, noisy.DType()), batch, agents, u.shape.hisStp*u.shape.conditionalDim)
	input := Concatenate([]*Node{x, his, timestepFeature(t, batch, agents, noisy)}, 2)

	e1 := linearLayer(ctx.In("layer1"), input, u.dims[0])
	e2 := linearLayer(ctx.In("layer2"), e1, u.dims[1])
	e3 := linearLayer(ctx.In("layer3"), e2, u.dims[2])
	e4 := linearLayer(ctx.In("layer4"), e3, u.dims[3])
	f := linearLayer(ctx.In("layer5"), e4, u.bottleneck)

	d4 := decoderStage(ctx.In("decode4"), f, e4, u.dims[2])
	d3 := decoderStage(ctx.In("decode3"), d4, e3, u.dims[1])
	d2 := decoderStage(ctx.In("decode2"), d3, e2, u.dims[0])

	out := Tanh(denseWithBias(ctx.In("output"), d2, u.shape.hisDelta*u.shape.inputDim))
	return Reshape(out, batch, agents, u.shape.hisDelta, u.shape.inputDim)
}

// decoderStage projects x to outputDim, concatenates the skip connection on the
// feature axis and fuses the (outputDim + skip width) features back to outputDim.
func decoderStage(ctx *context.Context, x, skip *Node, outputDim int) *Node {
	up := linearLayer(ctx.In("up"), x, outputDim)
	cat := Concatenate([]*Node{up, skip}, up.Rank()-1)
	return linearLayer(ctx.In("cat_layer"), cat, outputDim)
}

func denseWithBias(ctx *context.Context, x *Node, outputDim int) *Node {
	return layers.Dense(ctx, x, true, outputDim)
}
