package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// CrossAttention is a conditional block used by the DiT denoiser: it updates
// the trajectory features x, shaped [batch, agents, trajDim], attending to the
// condition features cond, shaped [batch, agents, condDim]. The result keeps the
// shape of x.
type CrossAttention interface {
	Attend(ctx *context.Context, x, cond *Node) *Node
}

// CrossAttentionFunc adapts a plain function to the CrossAttention interface.
type CrossAttentionFunc func(ctx *context.Context, x, cond *Node) *Node

// Attend implements CrossAttention.
func (f CrossAttentionFunc) Attend(ctx *context.Context, x, cond *Node) *Node {
	return f(ctx, x, cond)
}

// TransformerBlock is the default CrossAttention: multi-head attention from the
// trajectory features (queries) to the condition (keys and values) across the
// agent axis, followed by a feed-forward layer. Both sub-layers are residual and
// post layer-normalized.
type TransformerBlock struct {
	NumHeads int

	// HeadDim defaults to the trajectory feature width.
	HeadDim int

	// FFNMultiplier scales the hidden width of the feed-forward layer. Default 2.
	FFNMultiplier int
}

// Attend implements CrossAttention.
func (b TransformerBlock) Attend(ctx *context.Context, x, cond *Node) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	heads := max(b.NumHeads, 1)
	headDim := b.HeadDim
	if headDim <= 0 {
		headDim = dim
	}
	mult := b.FFNMultiplier
	if mult <= 0 {
		mult = 2
	}
	cond = ConvertDType(cond, x.DType())

	attn := layers.MultiHeadAttention(ctx.In("cross_attention"), x, cond, cond, heads, headDim).
		SetOutputDim(dim).
		Done()
	x = layers.LayerNormalization(ctx.In("norm1"), Add(x, attn), -1).Done()

	ff := denseWithBias(ctx.In("ffn_in"), x, dim*mult)
	ff = activations.Relu(ff)
	ff = denseWithBias(ctx.In("ffn_out"), ff, dim)
	return layers.LayerNormalization(ctx.In("norm2"), Add(x, ff), -1).Done()
}
