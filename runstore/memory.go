package runstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]Run
	order       []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]Run)
	s.order = nil
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, name string, config any) (Run, error) {
	run, err := newRun(name, config)
	if err != nil {
		return Run{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Run{}, errors.New("store is not initialized")
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return run, nil
}

func (s *MemoryStore) AppendEpoch(_ context.Context, runID string, epoch Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("append epoch to %s: %w", runID, ErrRunNotFound)
	}
	run.Epochs = append(run.Epochs, epoch)
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) SaveEvaluation(_ context.Context, runID string, eval Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("save evaluation of %s: %w", runID, ErrRunNotFound)
	}
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = time.Now().UTC()
	}
	run.Evaluations = append(run.Evaluations, eval)
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return Run{}, false, nil
	}
	run.Epochs = slices.Clone(run.Epochs)
	run.Evaluations = slices.Clone(run.Evaluations)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Run, 0, len(s.order))
	for _, id := range s.order {
		run := s.runs[id]
		run.Epochs = nil
		run.Evaluations = nil
		out = append(out, run)
	}
	return out, nil
}
