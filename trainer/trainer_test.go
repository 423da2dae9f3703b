package trainer

import (
	"io"
	"math"
	"runtime"
	"testing"

	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedNoise repeats the same draws so that every step sees the same problem.
type fixedNoise struct{}

func (fixedNoise) Normal(dims ...int) []float32 {
	n := 1
	for _, d := range dims {
		n *= d
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.25 * float32(i%5-2)
	}
	return out
}

func (fixedNoise) Timesteps(batch, n int) []int32 {
	out := make([]int32, batch)
	for i := range out {
		out[i] = int32(i % n)
	}
	return out
}

// sliceDataset yields the same batch a fixed number of times per epoch.
type sliceDataset struct {
	inputs   []*tensors.Tensor
	perEpoch int
	yielded  int
	resets   int
	shuffled []int64
}

func (d *sliceDataset) Name() string { return "slice" }

func (d *sliceDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	if d.yielded >= d.perEpoch {
		return nil, nil, nil, io.EOF
	}
	d.yielded++
	return nil, d.inputs, nil, nil
}

func (d *sliceDataset) Reset() {
	d.yielded = 0
	d.resets++
}

func (d *sliceDataset) Shuffle(seed int64) { d.shuffled = append(d.shuffled, seed) }

func ramp(scale float32, dims ...int) *tensors.Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = scale * float32(i%9-4)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func newModel(t *testing.T, typ string) *diffusion.Model {
	t.Helper()
	backend, err := simplego.New("")
	require.NoError(t, err)
	m, err := diffusion.New(backend, diffusion.Config{
		InputDim:       2,
		ConditionalDim: 2,
		HisStp:         3,
		Betas:          diffusion.LinearBetas(1e-4, 0.02, 4),
		DiffusionType:  typ,
		UNetDims:       []int{8, 8, 16, 16},
		Bottleneck:     8,
		NumDiTBlocks:   1,
	}, diffusion.WithNoiseSource(fixedNoise{}))
	require.NoError(t, err)
	return m
}

func batchInputs() []*tensors.Tensor {
	return []*tensors.Tensor{
		ramp(0.1, 2, 3, 2, 2),
		ramp(0.5, 2, 3, 3, 2),
		tensors.FromValue([][]float32{{1, 1, 0}, {1, 1, 1}}),
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 1e-3, cfg.LearningRate)
	assert.Equal(t, 10, cfg.Epochs)
	assert.Equal(t, "adam", cfg.Optimizer)
	assert.Equal(t, 50, cfg.LogEvery)
}

func TestNewErrors(t *testing.T) {
	_, err := New(newModel(t, diffusion.TypeNone), Config{})
	assert.ErrorIs(t, err, diffusion.ErrDisabled)

	_, err = New(newModel(t, diffusion.TypeUNet), Config{Optimizer: "lbfgs"})
	assert.ErrorContains(t, err, "lbfgs")
}

func TestStepTrainsUNet(t *testing.T) {
	tr, err := New(newModel(t, diffusion.TypeUNet), Config{})
	require.NoError(t, err)
	inputs := batchInputs()
	loss, err := tr.Step(diffusion.Batch{HisTrajDelta: inputs[0], HisTraj: inputs[1], TrajMask: inputs[2]})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
	assert.Equal(t, 1, tr.Steps())

	// Weights trained in batch-statistics mode are then used for sampling.
	out, err := tr.model.Sample(inputs[0], inputs[1])
	require.NoError(t, err)
	assert.Equal(t, inputs[0].Shape().Dimensions, out.Shape().Dimensions)
}

func TestFitReducesLoss(t *testing.T) {
	for _, typ := range []string{diffusion.TypeUNet, diffusion.TypeDiT} {
		t.Run(typ, func(t *testing.T) {
			if typ == diffusion.TypeDiT && runtime.NumCPU() == 1 {
				t.Skip("attention graphs need more than one CPU on the simplego backend")
			}
			tr, err := New(newModel(t, typ), Config{LearningRate: 1e-2, Epochs: 6, Seed: 5, LogEvery: 1})
			require.NoError(t, err)

			ds := &sliceDataset{inputs: batchInputs(), perEpoch: 5}
			losses, err := tr.Fit(ds)
			require.NoError(t, err)
			require.Len(t, losses, 6)
			assert.Equal(t, 30, tr.Steps())
			assert.Equal(t, 6, ds.resets)
			assert.Equal(t, []int64{5, 6, 7, 8, 9, 10}, ds.shuffled)
			for _, l := range losses {
				assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
				assert.GreaterOrEqual(t, l, 0.0)
			}
			assert.Less(t, losses[len(losses)-1], losses[0])
		})
	}
}

func TestFitHooksAndErrors(t *testing.T) {
	tr, err := New(newModel(t, diffusion.TypeUNet), Config{Epochs: 3})
	require.NoError(t, err)

	stop := errors.New("stop")
	var seen []int
	losses, err := tr.Fit(&sliceDataset{inputs: batchInputs(), perEpoch: 1}, func(epoch int, mean float64, steps int) error {
		seen = append(seen, epoch)
		assert.Equal(t, 1, steps)
		if epoch == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Len(t, losses, 2)
	assert.Equal(t, []int{0, 1}, seen)

	_, err = tr.Fit(&sliceDataset{inputs: batchInputs(), perEpoch: 0})
	assert.ErrorContains(t, err, "no batches")

	_, err = tr.Fit(&sliceDataset{inputs: batchInputs()[:2], perEpoch: 1})
	assert.Error(t, err)

	_, err = tr.Step(diffusion.Batch{})
	assert.Error(t, err)
}
