package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Coefficient names, usable with Schedule.Coefficient.
const (
	CoeffBetas                     = "betas"
	CoeffAlphas                    = "alphas"
	CoeffAlphasCumProd             = "alphas_cum_prod"
	CoeffAlphasCumProdPrev         = "alphas_cum_prod_prev"
	CoeffSqrtAlphasCumProd         = "sqrt_alphas_cum_prod"
	CoeffSqrtOneMinusAlphasCumProd = "sqrt_one_minus_alphas_cum_prod"
	CoeffReciprocalSqrtAlphas      = "reciprocal_sqrt_alphas"
	CoeffRemoveNoise               = "remove_noise_coeff"
	CoeffSigma                     = "sigma"
)

// Schedule holds every per-timestep scalar derived from the beta sequence.
// It is computed once and never mutated, so it can be shared by any number of
// concurrent readers.
type Schedule struct {
	coeffs map[string][]float64
	n      int
}

// NewSchedule precomputes the coefficients for the given betas. Every beta must
// be in the open interval (0, 1). An empty slice yields an empty schedule.
func NewSchedule(betas []float64) (*Schedule, error) {
	n := len(betas)
	for i, b := range betas {
		if !(b > 0 && b < 1) || math.IsNaN(b) {
			return nil, errors.Wrapf(ErrInvalidBeta, "betas[%d]=%g", i, b)
		}
	}

	alphas := make([]float64, n)
	cumProd := make([]float64, n)
	cumProdPrev := make([]float64, n)
	sqrtCumProd := make([]float64, n)
	sqrtOneMinus := make([]float64, n)
	recipSqrtAlphas := make([]float64, n)
	removeNoise := make([]float64, n)
	sigma := make([]float64, n)

	prod := 1.0
	for i, b := range betas {
		alphas[i] = 1 - b
		cumProdPrev[i] = prod
		prod *= alphas[i]
		cumProd[i] = prod
		sqrtCumProd[i] = math.Sqrt(prod)
		sqrtOneMinus[i] = math.Sqrt(1 - prod)
		recipSqrtAlphas[i] = math.Sqrt(1 / alphas[i])
		sigma[i] = math.Sqrt(b)
		removeNoise[i] = b * (1 - cumProdPrev[i]/sqrtOneMinus[i])
	}

	return &Schedule{
		n: n,
		coeffs: map[string][]float64{
			CoeffBetas:                     append([]float64(nil), betas...),
			CoeffAlphas:                    alphas,
			CoeffAlphasCumProd:             cumProd,
			CoeffAlphasCumProdPrev:         cumProdPrev,
			CoeffSqrtAlphasCumProd:         sqrtCumProd,
			CoeffSqrtOneMinusAlphasCumProd: sqrtOneMinus,
			CoeffReciprocalSqrtAlphas:      recipSqrtAlphas,
			CoeffRemoveNoise:               removeNoise,
			CoeffSigma:                     sigma,
		},
	}, nil
}

// Len is the number of diffusion time steps.
func (s *Schedule) Len() int { return s.n }

// Coefficient returns a copy of the named coefficient vector.
func (s *Schedule) Coefficient(name string) ([]float64, error) {
	v, ok := s.coeffs[name]
	if !ok {
		return nil, errors.Errorf("unknown schedule coefficient %q", name)
	}
	return append([]float64(nil), v...), nil
}

// At returns the named coefficient at timestep t.
func (s *Schedule) At(name string, t int) float64 {
	v, ok := s.coeffs[name]
	if !ok {
		panic(errors.Errorf("unknown schedule coefficient %q", name))
	}
	return v[t]
}

// Names lists the coefficient names in a stable order.
func (s *Schedule) Names() []string {
	return []string{
		CoeffBetas, CoeffAlphas, CoeffAlphasCumProd, CoeffAlphasCumProdPrev,
		CoeffSqrtAlphasCumProd, CoeffSqrtOneMinusAlphasCumProd,
		CoeffReciprocalSqrtAlphas, CoeffRemoveNoise, CoeffSigma,
	}
}

// Const returns the named coefficient vector as a float32 constant in g.
func (s *Schedule) Const(g *Graph, name string) *Node {
	v, ok := s.coeffs[name]
	if !ok {
		panic(errors.Errorf("unknown schedule coefficient %q", name))
	}
	f := make([]float32, len(v))
	for i, x := range v {
		f[i] = float32(x)
	}
	return Const(g, f)
}

// Extract gathers vec[t[b]] for every batch row b into a float32 tensor shaped
// (batch, 1, ..., 1) with rank len(targetShape), ready to broadcast against a
// tensor of targetShape.
func Extract(vec []float64, t []int, targetShape []int) (*tensors.Tensor, error) {
	if len(targetShape) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "extract needs a target shape of rank >= 1")
	}
	if targetShape[0] != len(t) {
		return nil, errors.Wrapf(ErrShapeMismatch, "target batch %d != %d timesteps", targetShape[0], len(t))
	}
	out := make([]float32, len(t))
	for b, ti := range t {
		if ti < 0 || ti >= len(vec) {
			return nil, errors.Wrapf(ErrTimestepOutOfRange, "t[%d]=%d, valid range [0, %d)", b, ti, len(vec))
		}
		out[b] = float32(vec[ti])
	}
	dims := make([]int, len(targetShape))
	for i := range dims {
		dims[i] = 1
	}
	dims[0] = len(t)
	return tensors.FromFlatDataAndDimensions(out, dims...), nil
}

// ExtractGraph is the graph version of Extract: coeff is a 1-D vector, t holds
// one integer index per batch row. The result has shape (batch, 1, ..., 1) of the
// given rank. Indices are not range checked inside the graph.
func ExtractGraph(coeff, t *Node, rank int) *Node {
	batch := t.Shape().Dimensions[0]
	idx := Reshape(ConvertDType(t, dtypes.Int32), batch, 1)
	out := Gather(coeff, idx)
	dims := make([]int, rank)
	for i := range dims {
		dims[i] = 1
	}
	dims[0] = batch
	return Reshape(out, dims...)
}

// scaleByTimestep multiplies x by coeff[t] broadcast over every non-batch axis.
func scaleByTimestep(coeff, t, x *Node) *Node {
	c := ExtractGraph(coeff, t, x.Rank())
	c = ConvertDType(c, x.DType())
	return Mul(BroadcastToDims(c, x.Shape().Dimensions...), x)
}
