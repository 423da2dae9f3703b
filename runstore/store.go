// Package runstore persists training runs: their configuration, the mean
// loss of every epoch and the rollout evaluations.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when writing to a run that was never created.
var ErrRunNotFound = errors.New("run not found")

// Run is a training run. ListRuns leaves Epochs and Evaluations empty.
type Run struct {
	ID        string
	Name      string
	CreatedAt time.Time

	// Config is the JSON encoded configuration the run was created with.
	Config json.RawMessage

	Epochs      []Epoch
	Evaluations []Evaluation
}

// Epoch is the outcome of one training epoch.
type Epoch struct {
	Epoch    int
	MeanLoss float64
	Steps    int
}

// Evaluation is a rollout summary.
type Evaluation struct {
	Scenes    int
	MinADE    float64
	MinFDE    float64
	MinADEStd float64
	MeanADE   float64
	CVADE     float64
	CVFDE     float64
	CreatedAt time.Time
}

// Store defines the persistence operations for training runs.
type Store interface {
	Init(ctx context.Context) error
	CreateRun(ctx context.Context, name string, config any) (Run, error)
	AppendEpoch(ctx context.Context, runID string, epoch Epoch) error
	SaveEvaluation(ctx context.Context, runID string, eval Evaluation) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	ListRuns(ctx context.Context) ([]Run, error)
}

// NewStore returns a store for kind "memory" (or "") or "sqlite".
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes stores holding resources.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

func newRun(name string, config any) (Run, error) {
	payload, err := json.Marshal(config)
	if err != nil {
		return Run{}, fmt.Errorf("encode run config: %w", err)
	}
	return Run{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Config:    payload,
	}, nil
}
