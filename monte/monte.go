// Package monte evaluates a trajectory diffusion model by Monte Carlo rollout:
// every scene is sampled many times, the sampled deltas are integrated into
// positions and scored against the ground truth and a constant-velocity
// baseline.
package monte

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/Noofbiz/trajdiff/datasets"
	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Point2 is a 2D position (x,y).
type Point2 struct {
	X float32
	Y float32
}

// Dataset is the minimal interface Monte needs from the scene dataset.
type Dataset interface {
	// Len returns the number of scenes in the dataset.
	Len() int

	// Example returns the scene at index i.
	Example(i int) (*datasets.TrackingExample, error)
}

// Sampler runs the reverse diffusion process. *diffusion.Model implements it.
type Sampler interface {
	Sample(noise, history *tensors.Tensor) (*tensors.Tensor, error)
	NoiseSource() diffusion.NoiseSource
}

// Config holds the rollout tunables.
type Config struct {
	// NumSims is the number of samples drawn per scene. Default: 20.
	NumSims int `json:"num_sims"`

	// Workers evaluating scenes concurrently. Zero uses runtime.NumCPU().
	Workers int `json:"workers"`

	// HisStp, Agents, InputDim and ConditionalDim give the scene shapes.
	HisStp         int `json:"his_stp"`
	Agents         int `json:"agents"`
	InputDim       int `json:"input_dim"`
	ConditionalDim int `json:"conditional_dim"`

	// XChannel and YChannel locate the position in both the delta and the
	// history channels. Defaults: 0 and 1.
	XChannel int `json:"x_channel"`
	YChannel int `json:"y_channel"`
}

// SceneResult holds the rollout of a single scene.
type SceneResult struct {
	Index int
	Key   string

	// Agents is the number of scored (masked-in) agents.
	Agents int

	// Best-of-NumSims displacement errors, averaged over scored agents.
	MinADE float64
	MinFDE float64

	// Displacement errors averaged over sims and scored agents.
	MeanADE float64
	MeanFDE float64

	// Constant-velocity baseline on the same agents.
	CVADE float64
	CVFDE float64

	// Observed, true future and sampled future positions of the scored
	// agents. Samples is indexed [sim][agent].
	History     [][]Point2
	GroundTruth [][]Point2
	Samples     [][][]Point2
}

// Summary aggregates scene results.
type Summary struct {
	Scenes         int
	MinADE, MinFDE float64
	MinADEStd      float64
	MeanADE        float64
	CVADE, CVFDE   float64
}

// Monte runs diffusion rollouts over a Dataset.
type Monte struct {
	DS      Dataset
	Sampler Sampler
	Config  Config
}

// NewMonte creates a new Monte object. ds and sampler must be non-nil; zero
// Config fields get defaults.
func NewMonte(ds Dataset, sampler Sampler, cfg Config) (*Monte, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if sampler == nil {
		return nil, errors.New("sampler cannot be nil")
	}
	m := &Monte{DS: ds, Sampler: sampler, Config: cfg}
	m.applyDefaults()
	if m.Config.HisStp < 2 || m.Config.Agents < 1 || m.Config.InputDim < 2 || m.Config.ConditionalDim < 2 {
		return nil, fmt.Errorf("invalid scene shape: his_stp=%d agents=%d input_dim=%d conditional_dim=%d",
			m.Config.HisStp, m.Config.Agents, m.Config.InputDim, m.Config.ConditionalDim)
	}
	return m, nil
}

func (m *Monte) applyDefaults() {
	if m.Config.NumSims == 0 {
		m.Config.NumSims = 20
	}
	if m.Config.Workers == 0 {
		m.Config.Workers = runtime.NumCPU()
	}
	if m.Config.XChannel == 0 && m.Config.YChannel == 0 {
		m.Config.YChannel = 1
	}
}

// SetNumSims sets the number of samples drawn per scene.
func (m *Monte) SetNumSims(v int) {
	if m == nil || v <= 0 {
		return
	}
	m.Config.NumSims = v
}

// SetWorkers sets how many scenes are evaluated concurrently.
func (m *Monte) SetWorkers(v int) {
	if m == nil || v <= 0 {
		return
	}
	m.Config.Workers = v
}

// LoadConfig reads a JSON file holding either a bare Config object or one
// nested under a "monte" key. Fields absent from the file keep their values
// in base.
func LoadConfig(path string, base Config) (Config, error) {
	if path == "" {
		return base, fmt.Errorf("empty path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read monte config: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return base, fmt.Errorf("unmarshal monte config: %w", err)
	}
	if nested, ok := probe["monte"]; ok {
		data = nested
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("unmarshal monte config: %w", err)
	}
	return cfg, nil
}

// Simulate draws Config.NumSims diffusion samples for scene idx and scores
// them.
func (m *Monte) Simulate(idx int) (*SceneResult, error) {
	if m == nil {
		return nil, errors.New("Monte object is nil")
	}
	cfg := m.Config
	ex, err := m.DS.Example(idx)
	if err != nil {
		return nil, fmt.Errorf("scene %d: %w", idx, err)
	}
	steps := cfg.HisStp - 1
	deltaLen := cfg.Agents * steps * cfg.InputDim
	historyLen := cfg.Agents * cfg.HisStp * cfg.ConditionalDim
	if len(ex.Delta) != deltaLen || len(ex.History) != historyLen || len(ex.Mask) != cfg.Agents {
		return nil, fmt.Errorf("scene %d has shape delta=%d history=%d mask=%d, want %d/%d/%d",
			idx, len(ex.Delta), len(ex.History), len(ex.Mask), deltaLen, historyLen, cfg.Agents)
	}

	// One batch row per simulation, all conditioned on the same history.
	sims := cfg.NumSims
	history := make([]float32, 0, sims*historyLen)
	for range sims {
		history = append(history, ex.History...)
	}
	noiseDims := []int{sims, cfg.Agents, steps, cfg.InputDim}
	noise := tensors.FromFlatDataAndDimensions(m.Sampler.NoiseSource().Normal(noiseDims...), noiseDims...)
	out, err := m.Sampler.Sample(noise,
		tensors.FromFlatDataAndDimensions(history, sims, cfg.Agents, cfg.HisStp, cfg.ConditionalDim))
	if err != nil {
		return nil, fmt.Errorf("scene %d: sampling: %w", idx, err)
	}
	sampled, err := flatten(out)
	if err != nil {
		return nil, fmt.Errorf("scene %d: %w", idx, err)
	}
	if len(sampled) != sims*deltaLen {
		return nil, fmt.Errorf("scene %d: sampler returned %d values, want %d", idx, len(sampled), sims*deltaLen)
	}

	res := &SceneResult{Index: idx, Key: ex.Key, Samples: make([][][]Point2, sims)}
	var minADEs, minFDEs, meanADEs, meanFDEs, cvADEs, cvFDEs []float64
	for a := range cfg.Agents {
		if ex.Mask[a] == 0 {
			continue
		}
		observed := m.observed(ex.History, a)
		last := observed[len(observed)-1]
		truth := m.integrate(ex.Delta, a, last)
		res.History = append(res.History, observed)
		res.GroundTruth = append(res.GroundTruth, truth)

		ades := make([]float64, sims)
		fdes := make([]float64, sims)
		for s := range sims {
			path := m.integrate(sampled[s*deltaLen:(s+1)*deltaLen], a, last)
			res.Samples[s] = append(res.Samples[s], path)
			ades[s], fdes[s] = displacement(path, truth)
		}
		minADEs = append(minADEs, floats.Min(ades))
		minFDEs = append(minFDEs, floats.Min(fdes))
		meanADEs = append(meanADEs, stat.Mean(ades, nil))
		meanFDEs = append(meanFDEs, stat.Mean(fdes, nil))

		ade, fde := displacement(constantVelocity(observed, steps), truth)
		cvADEs = append(cvADEs, ade)
		cvFDEs = append(cvFDEs, fde)
	}
	res.Agents = len(minADEs)
	if res.Agents > 0 {
		res.MinADE = stat.Mean(minADEs, nil)
		res.MinFDE = stat.Mean(minFDEs, nil)
		res.MeanADE = stat.Mean(meanADEs, nil)
		res.MeanFDE = stat.Mean(meanFDEs, nil)
		res.CVADE = stat.Mean(cvADEs, nil)
		res.CVFDE = stat.Mean(cvFDEs, nil)
	}
	return res, nil
}

// Evaluate simulates every scene in indices with Config.Workers workers.
// Results keep the order of indices; scenes without scored agents are
// dropped from the summary but kept in the results.
func (m *Monte) Evaluate(indices []int) ([]*SceneResult, Summary, error) {
	results := make([]*SceneResult, len(indices))
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	workers := max(1, min(m.Config.Workers, len(indices)))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				r, err := m.Simulate(indices[pos])
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				results[pos] = r
				mu.Unlock()
			}
		}()
	}
	for pos := range indices {
		jobs <- pos
	}
	close(jobs)
	wg.Wait()
	if firstErr != nil {
		return nil, Summary{}, firstErr
	}

	summary := Summarize(results)
	klog.V(1).Infof("monte: %d scenes minADE=%.3f minFDE=%.3f cvADE=%.3f",
		summary.Scenes, summary.MinADE, summary.MinFDE, summary.CVADE)
	return results, summary, nil
}

// Summarize averages the scenes that have at least one scored agent.
func Summarize(results []*SceneResult) Summary {
	var minADE, minFDE, meanADE, cvADE, cvFDE []float64
	for _, r := range results {
		if r == nil || r.Agents == 0 {
			continue
		}
		minADE = append(minADE, r.MinADE)
		minFDE = append(minFDE, r.MinFDE)
		meanADE = append(meanADE, r.MeanADE)
		cvADE = append(cvADE, r.CVADE)
		cvFDE = append(cvFDE, r.CVFDE)
	}
	s := Summary{Scenes: len(minADE)}
	if s.Scenes == 0 {
		return s
	}
	s.MinADE, s.MinADEStd = stat.MeanStdDev(minADE, nil)
	if s.Scenes == 1 {
		s.MinADEStd = 0
	}
	s.MinFDE = stat.Mean(minFDE, nil)
	s.MeanADE = stat.Mean(meanADE, nil)
	s.CVADE = stat.Mean(cvADE, nil)
	s.CVFDE = stat.Mean(cvFDE, nil)
	return s
}

// observed returns the HisStp history positions of agent a.
func (m *Monte) observed(history []float32, a int) []Point2 {
	cfg := m.Config
	c := cfg.ConditionalDim
	out := make([]Point2, cfg.HisStp)
	for s := range cfg.HisStp {
		row := history[(a*cfg.HisStp+s)*c:]
		out[s] = Point2{X: row[cfg.XChannel], Y: row[cfg.YChannel]}
	}
	return out
}

// integrate turns the deltas of agent a into positions starting after start.
func (m *Monte) integrate(delta []float32, a int, start Point2) []Point2 {
	cfg := m.Config
	steps := cfg.HisStp - 1
	out := make([]Point2, steps)
	p := start
	for s := range steps {
		row := delta[(a*steps+s)*cfg.InputDim:]
		p.X += row[cfg.XChannel]
		p.Y += row[cfg.YChannel]
		out[s] = p
	}
	return out
}

// constantVelocity extrapolates the last observed displacement.
func constantVelocity(observed []Point2, steps int) []Point2 {
	last := observed[len(observed)-1]
	prev := observed[len(observed)-2]
	vx, vy := last.X-prev.X, last.Y-prev.Y
	out := make([]Point2, steps)
	for s := range steps {
		k := float32(s + 1)
		out[s] = Point2{X: last.X + k*vx, Y: last.Y + k*vy}
	}
	return out
}

// displacement returns the average and final L2 errors of path against truth.
func displacement(path, truth []Point2) (ade, fde float64) {
	dists := make([]float64, len(path))
	for i := range path {
		dists[i] = math.Hypot(float64(path[i].X-truth[i].X), float64(path[i].Y-truth[i].Y))
	}
	return stat.Mean(dists, nil), dists[len(dists)-1]
}

// flatten reads a float32 tensor of rank 4 back into a flat slice.
func flatten(t *tensors.Tensor) ([]float32, error) {
	v, ok := t.Value().([][][][]float32)
	if !ok {
		return nil, fmt.Errorf("sampler returned %s, want a rank 4 float32 tensor", t.Shape())
	}
	var out []float32
	for _, a := range v {
		for _, b := range a {
			for _, c := range b {
				out = append(out, c...)
			}
		}
	}
	return out, nil
}
