package diffusion

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DiT is the cross-attention denoiser: the flattened noisy trajectory plus the
// timestep goes through a stack of CrossAttention blocks conditioned on the
// flattened history, then through a 3 layer projection head with a tanh output.
type DiT struct {
	shape     trajectoryShape
	numBlocks int
	block     CrossAttention
}

// NewDiT creates the DiT denoiser for cfg. A nil block uses TransformerBlock
// with cfg.NumHeads heads.
func NewDiT(cfg Config, block CrossAttention) *DiT {
	if block == nil {
		block = TransformerBlock{NumHeads: cfg.NumHeads}
	}
	return &DiT{
		shape:     shapeOf(cfg),
		numBlocks: cfg.NumDiTBlocks,
		block:     block,
	}
}

// FeatureDim is the width of the trajectory representation inside the blocks.
func (d *DiT) FeatureDim() int {
	return d.shape.hisDelta*d.shape.inputDim + 1
}

// ConditionDim is the width of the flattened history.
func (d *DiT) ConditionDim() int {
	return d.shape.hisStp * d.shape.conditionalDim
}

// Denoise implements Denoiser.
func (d *DiT) Denoise(ctx *context.Context, noisy, t, history *Node) *Node {
	batch, agents := d.shape.check(noisy, t, history)
	ctx = ctx.In("dit")

	x := Reshape(noisy, batch, agents, d.shape.hisDelta*d.shape.inputDim)
	x = Concatenate([]*Node{x, timestepFeature(t, batch, agents, noisy)}, 2)
	cond := Reshape(ConvertDType(history, noisy.DType()), batch, agents, d.ConditionDim())

	for i := range d.numBlocks {
		x = d.block.Attend(ctx.In(fmt.Sprintf("block_%d", i)), x, cond)
	}

	width := d.FeatureDim()
	head := ctx.In("head")
	x = denseWithBias(head.In("widen"), x, 2*width)
	x = activations.Relu(layers.LayerNormalization(head.In("norm_widen"), x, -1).Done())
	x = denseWithBias(head.In("narrow"), x, width)
	x = activations.Relu(layers.LayerNormalization(head.In("norm_narrow"), x, -1).Done())
	x = Tanh(denseWithBias(head.In("output"), x, d.shape.hisDelta*d.shape.inputDim))
	return Reshape(x, batch, agents, d.shape.hisDelta, d.shape.inputDim)
}
