package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/Noofbiz/trajdiff/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// subsetDataset exposes only a subset of the scenes of a TrackingDataset as
// a gomlx train.Dataset, so that evaluation scenes stay out of training.
type subsetDataset struct {
	base      *datasets.TrackingDataset
	indices   []int // global indices into base
	batchSize int
	cursor    int
}

func (s *subsetDataset) Len() int { return len(s.indices) }

func (s *subsetDataset) Name() string {
	return fmt.Sprintf("%s[%d]", s.base.Name(), len(s.indices))
}

func (s *subsetDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	if s.cursor >= len(s.indices) {
		return nil, nil, nil, io.EOF
	}
	end := min(s.cursor+s.batchSize, len(s.indices))
	flat, err := s.base.Tensors(s.indices[s.cursor:end])
	if err != nil {
		return nil, nil, nil, err
	}
	s.cursor = end
	delta, history, mask := flat.ToGomlxTensors()
	return nil, []*tensors.Tensor{delta, history, mask}, nil, nil
}

func (s *subsetDataset) Reset() { s.cursor = 0 }

func (s *subsetDataset) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(s.indices), func(i, j int) {
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	})
}

// splitIndices shuffles [0, n) with seed and holds out evalN indices
// (at most half of them) for evaluation.
func splitIndices(n, evalN int, seed int64) (train, eval []int) {
	all := rand.New(rand.NewSource(seed)).Perm(n)
	evalN = max(0, min(evalN, n/2))
	return all[evalN:], all[:evalN]
}
