package diffusion

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch is one training batch.
type Batch struct {
	// HisTrajDelta is the supervised trajectory delta, [batch, agents, his_stp-1, input_dim].
	HisTrajDelta *tensors.Tensor

	// HisTraj is the conditioning history, [batch, agents, his_stp, conditional_dim].
	HisTraj *tensors.Tensor

	// TrajMask marks present agents, [batch, agents]. Absent agents are 0.
	TrajMask *tensors.Tensor
}

// Model runs a GaussianDiffusion on a gomlx backend. The trainable weights of
// the denoiser live in Context(); every random draw comes from the NoiseSource.
// Compiled graphs are cached per input shapes, so Model is meant to be created
// once and reused for every batch.
type Model struct {
	gd      *GaussianDiffusion
	backend backends.Backend
	ctx     *context.Context
	noise   NoiseSource

	perturbExec, removeExec, sampleExec, lossExec lazyExec
}

// lazyExec is a graph executor compiled on first use.
type lazyExec struct {
	once sync.Once
	exec *context.Exec
	err  error
}

// New creates a Model. It fails with the construction errors of
// NewGaussianDiffusion.
func New(backend backends.Backend, cfg Config, opts ...Option) (*Model, error) {
	if backend == nil {
		return nil, errors.New("diffusion: backend is nil")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	gd, err := newGaussianDiffusion(cfg, o)
	if err != nil {
		return nil, err
	}
	ns := o.noise
	if ns == nil {
		ns = NewRandSource(gd.cfg.Seed)
	}
	return &Model{
		gd:      gd,
		backend: backend,
		// Variables are reused by name: the reverse loop calls the same denoiser
		// once per timestep and several graphs share the weights.
		ctx:   context.New().Checked(false),
		noise: ns,
	}, nil
}

// Diffusion returns the graph-level process.
func (m *Model) Diffusion() *GaussianDiffusion { return m.gd }

// Context holds the denoiser weights.
func (m *Model) Context() *context.Context { return m.ctx }

// Backend the graphs run on.
func (m *Model) Backend() backends.Backend { return m.backend }

// NoiseSource used for every random draw.
func (m *Model) NoiseSource() NoiseSource { return m.noise }

// Config returns the (defaulted) configuration.
func (m *Model) Config() Config { return m.gd.cfg }

// NumTimeSteps is the length of the beta schedule.
func (m *Model) NumTimeSteps() int { return m.gd.NumTimeSteps() }

// PerturbX noises x0 to the timesteps t (one per batch row) with the given noise.
func (m *Model) PerturbX(x0 *tensors.Tensor, t []int, noise *tensors.Tensor) (*tensors.Tensor, error) {
	dims := x0.Shape().Dimensions
	if !slices.Equal(noise.Shape().Dimensions, dims) {
		return nil, errors.Wrapf(ErrShapeMismatch, "x0 shape %v != noise shape %v", dims, noise.Shape().Dimensions)
	}
	ts, err := m.timesteps(t, dims)
	if err != nil {
		return nil, err
	}
	m.perturbExec.once.Do(func() {
		m.perturbExec.exec, m.perturbExec.err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.gd.PerturbX(inputs[0], inputs[1], inputs[2])
		})
	})
	return m.call1(&m.perturbExec, x0, ts, noise)
}

// RemoveNoise runs one deterministic reverse step at timesteps t.
func (m *Model) RemoveNoise(xt *tensors.Tensor, t []int, history *tensors.Tensor) (*tensors.Tensor, error) {
	if !m.gd.Enabled() {
		return nil, errors.WithStack(ErrDisabled)
	}
	if err := m.checkTrajectory(xt, history); err != nil {
		return nil, err
	}
	ts, err := m.timesteps(t, xt.Shape().Dimensions)
	if err != nil {
		return nil, err
	}
	m.removeExec.once.Do(func() {
		m.removeExec.exec, m.removeExec.err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.gd.RemoveNoise(ctx, inputs[0], inputs[1], inputs[2])
		})
	})
	return m.call1(&m.removeExec, xt, ts, history)
}

// Sample runs the reverse process from noise, [batch, agents, his_stp-1, input_dim],
// conditioned on history, [batch, agents, his_stp, conditional_dim]. The result
// has the shape of noise. With diffusion disabled noise is returned unchanged.
func (m *Model) Sample(noise, history *tensors.Tensor) (*tensors.Tensor, error) {
	if !m.gd.Enabled() {
		return noise, nil
	}
	if err := m.checkTrajectory(noise, history); err != nil {
		return nil, err
	}
	dims := noise.Shape().Dimensions
	n := m.gd.NumTimeSteps()
	size := numElements(dims)

	// Draw in the order the reverse loop consumes them: t = n-1 down to 1.
	flat := make([]float32, n*size)
	for t := n - 1; t > 0; t-- {
		copy(flat[t*size:(t+1)*size], m.noise.Normal(dims...))
	}
	stepNoise := tensors.FromFlatDataAndDimensions(flat, append([]int{n}, dims...)...)

	m.sampleExec.once.Do(func() {
		m.sampleExec.exec, m.sampleExec.err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.gd.SampleGraph(ctx, inputs[0], inputs[1], inputs[2])
		})
	})
	klog.V(2).Infof("diffusion: sampling %v over %d steps", dims, n)
	return m.call1(&m.sampleExec, noise, history, stepNoise)
}

// GetLosses draws fresh Gaussian noise, perturbs delta to timesteps t and
// returns the masked noise-prediction loss. With diffusion disabled it returns 0.
func (m *Model) GetLosses(delta, history, mask *tensors.Tensor, t []int) (float32, error) {
	if !m.gd.Enabled() {
		return 0, nil
	}
	if err := m.checkTrajectory(delta, history); err != nil {
		return 0, err
	}
	dims := delta.Shape().Dimensions
	if !slices.Equal(mask.Shape().Dimensions, dims[:2]) {
		return 0, errors.Wrapf(ErrShapeMismatch, "mask shape %v, want %v", mask.Shape().Dimensions, dims[:2])
	}
	ts, err := m.timesteps(t, dims)
	if err != nil {
		return 0, err
	}
	noise := tensors.FromFlatDataAndDimensions(m.noise.Normal(dims...), dims...)
	return m.loss(delta, history, mask, ts, noise)
}

// Forward is the training entry point: it draws one timestep per batch row
// uniformly from [0, num_time_steps) and returns GetLosses.
func (m *Model) Forward(batch Batch) (float32, error) {
	if !m.gd.Enabled() {
		return 0, nil
	}
	if batch.HisTrajDelta == nil || batch.HisTraj == nil || batch.TrajMask == nil {
		return 0, errors.New("diffusion: batch is missing tensors")
	}
	b := batch.HisTrajDelta.Shape().Dimensions[0]
	drawn := m.noise.Timesteps(b, m.gd.NumTimeSteps())
	t := make([]int, b)
	for i, v := range drawn {
		t[i] = int(v)
	}
	return m.GetLosses(batch.HisTrajDelta, batch.HisTraj, batch.TrajMask, t)
}

func (m *Model) loss(delta, history, mask, t, noise *tensors.Tensor) (float32, error) {
	m.lossExec.once.Do(func() {
		m.lossExec.exec, m.lossExec.err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.gd.LossGraph(ctx, inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])
		})
	})
	out, err := m.call1(&m.lossExec, delta, history, mask, t, noise)
	if err != nil {
		return 0, err
	}
	v, ok := out.Value().(float32)
	if !ok {
		return 0, errors.Errorf("diffusion: loss is %s, want a float32 scalar", out.Shape())
	}
	return v, nil
}

// checkTrajectory validates a trajectory tensor and its conditioning history.
func (m *Model) checkTrajectory(x, history *tensors.Tensor) error {
	cfg := m.gd.cfg
	xd := x.Shape().Dimensions
	hd := history.Shape().Dimensions
	if len(xd) != 4 || xd[2] != cfg.HisDeltaSteps() || xd[3] != cfg.InputDim {
		return errors.Wrapf(ErrShapeMismatch, "trajectory shape %v, want [batch, agents, %d, %d]",
			xd, cfg.HisDeltaSteps(), cfg.InputDim)
	}
	want := []int{xd[0], xd[1], cfg.HisStp, cfg.ConditionalDim}
	if !slices.Equal(hd, want) {
		return errors.Wrapf(ErrShapeMismatch, "history shape %v, want %v", hd, want)
	}
	return nil
}

// timesteps validates t against the schedule and the batch size of dims.
func (m *Model) timesteps(t []int, dims []int) (*tensors.Tensor, error) {
	if len(dims) == 0 || len(t) != dims[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d timesteps for a batch of shape %v", len(t), dims)
	}
	n := m.gd.NumTimeSteps()
	ts := make([]int32, len(t))
	for i, v := range t {
		if v < 0 || v >= n {
			return nil, errors.Wrapf(ErrTimestepOutOfRange, "t[%d]=%d, valid range [0, %d)", i, v, n)
		}
		ts[i] = int32(v)
	}
	return tensors.FromValue(ts), nil
}

// call1 executes a single output graph, turning gomlx panics into errors.
func (m *Model) call1(le *lazyExec, args ...any) (out *tensors.Tensor, err error) {
	if le.err != nil {
		return nil, errors.WithMessage(le.err, "diffusion: building graph executor")
	}
	var outputs []*tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() {
		outputs, execErr = le.exec.Exec(args...)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "diffusion: graph execution failed")
	}
	if len(outputs) == 0 {
		return nil, errors.New("diffusion: graph returned no outputs")
	}
	return outputs[0], nil
}
