package runstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runConfig struct {
	Steps int    `json:"steps"`
	Type  string `json:"type"`
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Init(ctx))

			run, err := store.CreateRun(ctx, "unet-50", runConfig{Steps: 50, Type: "unet"})
			require.NoError(t, err)
			assert.Len(t, run.ID, 36)
			other, err := store.CreateRun(ctx, "dit-10", runConfig{Steps: 10, Type: "dit"})
			require.NoError(t, err)
			assert.NotEqual(t, run.ID, other.ID)

			require.NoError(t, store.AppendEpoch(ctx, run.ID, Epoch{Epoch: 0, MeanLoss: 0.9, Steps: 4}))
			require.NoError(t, store.AppendEpoch(ctx, run.ID, Epoch{Epoch: 1, MeanLoss: 0.5, Steps: 4}))
			require.NoError(t, store.SaveEvaluation(ctx, run.ID, Evaluation{Scenes: 3, MinADE: 1.25, CVADE: 2}))

			got, ok, err := store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "unet-50", got.Name)
			var cfg runConfig
			require.NoError(t, json.Unmarshal(got.Config, &cfg))
			assert.Equal(t, runConfig{Steps: 50, Type: "unet"}, cfg)
			assert.Equal(t, []Epoch{{0, 0.9, 4}, {1, 0.5, 4}}, got.Epochs)
			require.Len(t, got.Evaluations, 1)
			assert.Equal(t, 3, got.Evaluations[0].Scenes)
			assert.Equal(t, 1.25, got.Evaluations[0].MinADE)
			assert.False(t, got.Evaluations[0].CreatedAt.IsZero())

			runs, err := store.ListRuns(ctx)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, []string{run.ID, other.ID}, []string{runs[0].ID, runs[1].ID})
			assert.Empty(t, runs[0].Epochs)

			_, ok, err = store.GetRun(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, store.AppendEpoch(ctx, "missing", Epoch{}), ErrRunNotFound)
			assert.ErrorIs(t, store.SaveEvaluation(ctx, "missing", Evaluation{}), ErrRunNotFound)
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store := NewSQLiteStore(path)
	require.NoError(t, store.Init(ctx))
	run, err := store.CreateRun(ctx, "persist", map[string]int{"epochs": 2})
	require.NoError(t, err)
	require.NoError(t, store.AppendEpoch(ctx, run.ID, Epoch{Epoch: 0, MeanLoss: 1}))
	// rewriting an epoch replaces it
	require.NoError(t, store.AppendEpoch(ctx, run.ID, Epoch{Epoch: 0, MeanLoss: 0.25, Steps: 8}))
	require.NoError(t, store.Close())

	_, err = store.ListRuns(ctx)
	assert.Error(t, err, "closed store")

	reopened := NewSQLiteStore(path)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() { _ = reopened.Close() })
	got, ok, err := reopened.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []Epoch{{0, 0.25, 8}}, got.Epochs)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))
}

func TestNewStore(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	assert.NoError(t, CloseIfSupported(s))

	s, err = NewStore("sqlite", "")
	require.NoError(t, err)
	assert.Error(t, s.Init(context.Background()), "sqlite needs a path")

	_, err = NewStore("postgres", "")
	assert.Error(t, err)

	_, err = NewMemoryStore().CreateRun(context.Background(), "x", nil)
	assert.Error(t, err, "not initialized")
}
