// Package datasets loads multi-agent tracking CSVs and presents them as
// diffusion training scenes.
//
// The datasets use lazy loading: they keep the file paths and a row index per
// play and only read the actual data when a batch is built, since tracking
// CSVs can be large.
//
// Layout and intended usage:
//
// TrackingDataset
//   - Stores paths to CSV files matching a pattern
//   - Groups rows by (game_id, play_id) and orders them by frame_id
//   - Each example is a scene: HisStp observed frames of up to MaxAgents
//     agents plus the HisStp-1 frame deltas that follow them
//   - Batches are the triple delta [B,A,HisStp-1,InputDim],
//     history [B,A,HisStp,C] and mask [B,A]
package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// Dataset is implemented by the scene datasets in order to interact with
// gomlx training loops and with the Monte Carlo evaluation.
type Dataset interface {
	Len() int
	Example(i int) (*TrackingExample, error)
	Batch(indices []int) ([]*TrackingExample, error)
	Shuffle(seed int64)

	// To implement gomlx's train.Dataset interface
	Name() string
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Reset()
}

var _ Dataset = (*TrackingDataset)(nil)
