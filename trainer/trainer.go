// Package trainer fits the denoiser of a diffusion.Model with gomlx's
// train.Trainer.
//
// Every step draws the timesteps and the Gaussian noise from the model's
// NoiseSource, the same injection point Model.Forward uses, so a seeded
// source makes training reproducible.
package trainer

import (
	"io"
	"time"

	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the training hyperparameters.
type Config struct {
	// LearningRate used by the optimizer. Default: 1e-3.
	LearningRate float64 `json:"learning_rate"`

	// Epochs to train for. Default: 10.
	Epochs int `json:"epochs"`

	// Optimizer selects "adam" or "sgd". Default: "adam".
	Optimizer string `json:"optimizer"`

	// Seed for shuffling the dataset between epochs. If zero, the dataset
	// order is left alone.
	Seed int64 `json:"seed"`

	// LogEvery logs the running loss every LogEvery steps. Default: 50.
	LogEvery int `json:"log_every"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.LearningRate == 0 {
		c.LearningRate = 1e-3
	}
	if c.Epochs == 0 {
		c.Epochs = 10
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.LogEvery == 0 {
		c.LogEvery = 50
	}
	return c
}

// EpochHook is called after every epoch with its mean batch loss. Returning
// an error stops training.
type EpochHook func(epoch int, meanLoss float64, steps int) error

// shuffler is implemented by datasets that can reorder their examples.
type shuffler interface {
	Shuffle(seed int64)
}

// Trainer runs optimizer steps on the weights held by a diffusion.Model's context.
type Trainer struct {
	Config Config

	model   *diffusion.Model
	trainer *train.Trainer
	steps   int
}

// New prepares a Trainer for model. The diffusion must be enabled: a "none"
// model has no weights.
func New(model *diffusion.Model, cfg Config) (*Trainer, error) {
	cfg = cfg.WithDefaults()
	if !model.Diffusion().Enabled() {
		return nil, errors.Wrap(diffusion.ErrDisabled, "trainer: nothing to train")
	}

	var opt optimizers.Interface
	switch cfg.Optimizer {
	case "adam":
		opt = optimizers.Adam().Done()
	case "sgd":
		opt = optimizers.StochasticGradientDescent()
	default:
		return nil, errors.Errorf("trainer: unknown optimizer %q, want adam or sgd", cfg.Optimizer)
	}
	ctx := model.Context()
	ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)

	gd := model.Diffusion()
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		delta, history, mask, t, noise := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
		return []*Node{gd.LossGraph(ctx, delta, history, mask, t, noise)}
	}
	// The model output already is the masked loss.
	lossFn := func(_, predictions []*Node) *Node {
		return predictions[0]
	}

	return &Trainer{
		Config:  cfg,
		model:   model,
		trainer: train.NewTrainer(model.Backend(), ctx, modelFn, lossFn, opt, nil, nil),
	}, nil
}

// Steps is the number of optimizer steps taken so far.
func (tr *Trainer) Steps() int { return tr.steps }

// Step runs one optimizer step on batch and returns its loss.
func (tr *Trainer) Step(batch diffusion.Batch) (float32, error) {
	if batch.HisTrajDelta == nil || batch.HisTraj == nil || batch.TrajMask == nil {
		return 0, errors.New("trainer: batch is missing tensors")
	}
	dims := batch.HisTrajDelta.Shape().Dimensions
	ns := tr.model.NoiseSource()
	t := tensors.FromValue(ns.Timesteps(dims[0], tr.model.NumTimeSteps()))
	noise := tensors.FromFlatDataAndDimensions(ns.Normal(dims...), dims...)

	var metrics []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		metrics = tr.trainer.TrainStep(nil,
			[]*tensors.Tensor{batch.HisTrajDelta, batch.HisTraj, batch.TrajMask, t, noise}, nil)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "trainer: step %d failed", tr.steps)
	}
	tr.steps++
	if len(metrics) == 0 {
		return 0, errors.New("trainer: no loss returned")
	}
	loss, ok := metrics[0].Value().(float32)
	if !ok {
		return 0, errors.Errorf("trainer: loss is %s, want a float32 scalar", metrics[0].Shape())
	}
	return loss, nil
}

// Fit trains for Config.Epochs over ds, a gomlx dataset yielding the inputs
// [delta, history, mask]. It returns the mean loss of every epoch.
func (tr *Trainer) Fit(ds train.Dataset, hooks ...EpochHook) ([]float64, error) {
	losses := make([]float64, 0, tr.Config.Epochs)
	for epoch := range tr.Config.Epochs {
		if s, ok := ds.(shuffler); ok && tr.Config.Seed != 0 {
			s.Shuffle(tr.Config.Seed + int64(epoch))
		}
		ds.Reset()

		start := time.Now()
		var sum float64
		n := 0
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return losses, errors.Wrapf(err, "trainer: reading %s", ds.Name())
			}
			if len(inputs) < 3 {
				return losses, errors.Errorf("trainer: %s yielded %d inputs, want delta, history and mask", ds.Name(), len(inputs))
			}
			loss, err := tr.Step(diffusion.Batch{HisTrajDelta: inputs[0], HisTraj: inputs[1], TrajMask: inputs[2]})
			if err != nil {
				return losses, err
			}
			sum += float64(loss)
			n++
			if tr.steps%tr.Config.LogEvery == 0 {
				klog.V(1).Infof("trainer: step %s loss=%.5f", humanize.Comma(int64(tr.steps)), loss)
			}
		}
		if n == 0 {
			return losses, errors.Errorf("trainer: %s yielded no batches", ds.Name())
		}

		mean := sum / float64(n)
		losses = append(losses, mean)
		klog.Infof("trainer: epoch %d/%d mean loss %.5f over %d batches (%s)",
			epoch+1, tr.Config.Epochs, mean, n, time.Since(start).Round(time.Millisecond))
		for _, hook := range hooks {
			if err := hook(epoch, mean, n); err != nil {
				return losses, err
			}
		}
	}
	return losses, nil
}
