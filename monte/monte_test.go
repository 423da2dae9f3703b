package monte

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/trajdiff/datasets"
	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDS is a small in-memory scene dataset.
type memDS struct {
	examples []*datasets.TrackingExample
}

func (m *memDS) Len() int { return len(m.examples) }

func (m *memDS) Example(i int) (*datasets.TrackingExample, error) {
	return m.examples[i], nil
}

type zeroNoise struct{}

func (zeroNoise) Normal(dims ...int) []float32 {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return make([]float32, n)
}

func (zeroNoise) Timesteps(batch, _ int) []int32 { return make([]int32, batch) }

// oracleSampler returns the true deltas for sim 0 and the true deltas plus
// (0, 1) per step for every other sim.
type oracleSampler struct {
	delta []float32
	calls int
}

func (o *oracleSampler) NoiseSource() diffusion.NoiseSource { return zeroNoise{} }

func (o *oracleSampler) Sample(noise, _ *tensors.Tensor) (*tensors.Tensor, error) {
	o.calls++
	dims := noise.Shape().Dimensions
	out := make([]float32, 0, dims[0]*len(o.delta))
	for s := range dims[0] {
		for i, v := range o.delta {
			if s > 0 && i%2 == 1 {
				v++
			}
			out = append(out, v)
		}
	}
	return tensors.FromFlatDataAndDimensions(out, dims...), nil
}

// scene: agent 0 walks +1 in x per frame, agent 1 is masked out.
func scene() *datasets.TrackingExample {
	return &datasets.TrackingExample{
		Key: "1/1@1",
		History: []float32{
			0, 0, 1, 0, 2, 0,
			5, 5, 5, 5, 5, 5,
		},
		Delta: []float32{
			1, 0, 1, 0,
			9, 9, 9, 9,
		},
		Mask: []float32{1, 0},
	}
}

func sceneConfig() Config {
	return Config{NumSims: 2, Workers: 2, HisStp: 3, Agents: 2, InputDim: 2, ConditionalDim: 2}
}

func TestSimulateScoresSamples(t *testing.T) {
	ex := scene()
	sampler := &oracleSampler{delta: ex.Delta}
	m, err := NewMonte(&memDS{examples: []*datasets.TrackingExample{ex}}, sampler, sceneConfig())
	require.NoError(t, err)

	r, err := m.Simulate(0)
	require.NoError(t, err)
	assert.Equal(t, "1/1@1", r.Key)
	assert.Equal(t, 1, r.Agents)
	assert.Equal(t, []Point2{{0, 0}, {1, 0}, {2, 0}}, r.History[0])
	assert.Equal(t, []Point2{{3, 0}, {4, 0}}, r.GroundTruth[0])
	assert.Equal(t, []Point2{{3, 1}, {4, 2}}, r.Samples[1][0])

	assert.InDelta(t, 0, r.MinADE, 1e-9)
	assert.InDelta(t, 0, r.MinFDE, 1e-9)
	assert.InDelta(t, 0.75, r.MeanADE, 1e-9)
	assert.InDelta(t, 1, r.MeanFDE, 1e-9)
	assert.InDelta(t, 0, r.CVADE, 1e-9, "constant velocity is exact for a straight walk")
	assert.Equal(t, 1, sampler.calls, "all sims share one batch")
}

func TestEvaluateKeepsOrder(t *testing.T) {
	straight := scene()
	empty := scene()
	empty.Key = "empty"
	empty.Mask = []float32{0, 0}
	ds := &memDS{examples: []*datasets.TrackingExample{straight, empty, straight}}

	m, err := NewMonte(ds, &oracleSampler{delta: straight.Delta}, sceneConfig())
	require.NoError(t, err)
	results, summary, err := m.Evaluate([]int{2, 1, 0})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{2, 1, 0}, []int{results[0].Index, results[1].Index, results[2].Index})
	assert.Equal(t, 0, results[1].Agents)
	assert.Equal(t, 2, summary.Scenes)
	assert.InDelta(t, 0, summary.MinADE, 1e-9)
	assert.InDelta(t, 0, summary.MinADEStd, 1e-9)
	assert.InDelta(t, 0.75, summary.MeanADE, 1e-9)
}

func TestSimulateWithDisabledDiffusion(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	model, err := diffusion.New(backend, diffusion.Config{InputDim: 2, ConditionalDim: 2, HisStp: 3},
		diffusion.WithNoiseSource(zeroNoise{}))
	require.NoError(t, err)

	m, err := NewMonte(&memDS{examples: []*datasets.TrackingExample{scene()}}, model, sceneConfig())
	require.NoError(t, err)
	r, err := m.Simulate(0)
	require.NoError(t, err)
	// zero noise passes through unchanged: every sample stands still
	assert.Equal(t, []Point2{{2, 0}, {2, 0}}, r.Samples[0][0])
	assert.InDelta(t, 1.5, r.MinADE, 1e-9)
	assert.InDelta(t, 2, r.MinFDE, 1e-9)
}

func TestNewMonteAndSetters(t *testing.T) {
	ds := &memDS{}
	_, err := NewMonte(nil, &oracleSampler{}, sceneConfig())
	assert.Error(t, err)
	_, err = NewMonte(ds, nil, sceneConfig())
	assert.Error(t, err)
	_, err = NewMonte(ds, &oracleSampler{}, Config{})
	assert.Error(t, err)

	m, err := NewMonte(ds, &oracleSampler{}, Config{HisStp: 3, Agents: 1, InputDim: 2, ConditionalDim: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, m.Config.NumSims)
	assert.Equal(t, 1, m.Config.YChannel)
	assert.Positive(t, m.Config.Workers)

	m.SetNumSims(5)
	m.SetWorkers(3)
	m.SetNumSims(-1)
	assert.Equal(t, 5, m.Config.NumSims)
	assert.Equal(t, 3, m.Config.Workers)

	var nilMonte *Monte
	nilMonte.SetNumSims(2)
	_, err = nilMonte.Simulate(0)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested.json")
	require.NoError(t, os.WriteFile(nested, []byte(`{"monte": {"num_sims": 64, "workers": 2}}`), 0o644))
	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`{"num_sims": 8}`), 0o644))
	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"num_sims": `), 0o644))

	base := sceneConfig()
	cfg, err := LoadConfig(nested, base)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.NumSims)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, base.HisStp, cfg.HisStp)

	cfg, err = LoadConfig(bare, base)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.NumSims)

	_, err = LoadConfig(broken, base)
	assert.Error(t, err)
	_, err = LoadConfig("", base)
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(dir, "missing.json"), base)
	assert.Error(t, err)
}
