package diffusion

import "github.com/pkg/errors"

var (
	// ErrUnknownLossType is returned when Config.LossType is not "l1" or "l2".
	ErrUnknownLossType = errors.New("unknown loss type")

	// ErrUnknownDiffusionType is returned when Config.DiffusionType is not "dit", "unet" or "none".
	ErrUnknownDiffusionType = errors.New("unknown diffusion type")

	// ErrInvalidBeta is returned when a beta is not in the open interval (0, 1).
	ErrInvalidBeta = errors.New("beta must be in (0, 1)")

	// ErrNoTimesteps is returned when a denoiser is configured with an empty beta schedule.
	ErrNoTimesteps = errors.New("diffusion enabled with no time steps")

	// ErrInvalidConfig covers the remaining config violations.
	ErrInvalidConfig = errors.New("invalid diffusion config")

	// ErrShapeMismatch is returned when a tensor does not have the expected shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrTimestepOutOfRange is returned when a timestep index is outside [0, num_time_steps).
	ErrTimestepOutOfRange = errors.New("timestep out of range")

	// ErrDisabled is returned by operations that need a denoiser when the diffusion type is "none".
	ErrDisabled = errors.New("diffusion disabled")
)
