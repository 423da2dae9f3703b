package diffusion

import (
	"math/rand"
	"sync"
	"time"
)

// NoiseSource provides every random draw of the diffusion process: the
// Gaussian noise of the forward process and of the reverse sampling steps, and
// the training timesteps. Tests replace it to get deterministic runs.
type NoiseSource interface {
	// Normal returns prod(dims) standard normal samples in row-major order.
	Normal(dims ...int) []float32

	// Timesteps returns batch timesteps drawn uniformly from [0, n).
	Timesteps(batch, n int) []int32
}

// RandSource is the default NoiseSource, backed by math/rand. It is safe for
// concurrent use.
type RandSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandSource creates a RandSource. A zero seed uses the current time.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{rng: rand.New(rand.NewSource(seed))}
}

// Normal implements NoiseSource.
func (r *RandSource) Normal(dims ...int) []float32 {
	out := make([]float32, numElements(dims))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range out {
		out[i] = float32(r.rng.NormFloat64())
	}
	return out
}

// Timesteps implements NoiseSource.
func (r *RandSource) Timesteps(batch, n int) []int32 {
	out := make([]int32, batch)
	if n <= 0 {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range out {
		out[i] = int32(r.rng.Intn(n))
	}
	return out
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
