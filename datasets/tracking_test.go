package datasets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(header + "\n")
	require.NoError(t, err)
	for _, r := range rows {
		_, err = f.WriteString(r + "\n")
		require.NoError(t, err)
	}
}

const trackingHeader = "game_id,play_id,nfl_id,frame_id,x,y"

// writeTrackingFixture writes two plays in two files:
//   - 1/100: frames 1..6, agents 10 (x=f), 11 (x=2f, y=10) and 12 (y=f,
//     missing at frame 3) plus a ball row without player id.
//   - 2/200: frames 1..5, agent 20 only.
func writeTrackingFixture(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()

	var rows []string
	for f := 1; f <= 6; f++ {
		rows = append(rows,
			fmt.Sprintf("1,100,10,%d,%d,0", f, f),
			fmt.Sprintf("1,100,11,%d,%d,10", f, 2*f),
			fmt.Sprintf("1,100,NA,%d,50,25", f))
		if f != 3 {
			rows = append(rows, fmt.Sprintf("1,100,12,%d,0,%d", f, f))
		}
	}
	writeCSV(t, filepath.Join(tmp, "track1.csv"), trackingHeader, rows)

	rows = nil
	for f := 1; f <= 5; f++ {
		rows = append(rows, fmt.Sprintf("2,200,20,%d,%d,%d", f, 3*f, f))
	}
	writeCSV(t, filepath.Join(tmp, "track2.csv"), trackingHeader, rows)
	return filepath.Join(tmp, "*.csv")
}

func fixtureConfig(pattern string) TrackingConfig {
	return TrackingConfig{
		Pattern:   pattern,
		HisStp:    3,
		MaxAgents: 4,
		Features:  []string{"x", "y"},
		BatchSize: 1,
	}
}

func TestTrackingDataset_Scenes(t *testing.T) {
	ds, err := NewTrackingDataset(fixtureConfig(writeTrackingFixture(t)))
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len(), "one window per play")
	assert.Equal(t, 2, ds.ConditionalDim())
	assert.Equal(t, 5, ds.Config.WindowLen())

	ex, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, "1/100@1", ex.Key)
	assert.Equal(t, []float32{1, 1, 0, 0}, ex.Mask, "agent 12 misses a frame, the rest is padding")

	// origin is the mean of (1,0), (2,10) and (0,1)
	oy := float32(11) / 3
	history := func(agent, step int) []float32 {
		i := (agent*3 + step) * 2
		return ex.History[i : i+2]
	}
	assert.InDeltaSlice(t, []float32{0, -oy}, history(0, 0), 1e-6)
	assert.InDeltaSlice(t, []float32{2, -oy}, history(0, 2), 1e-6)
	assert.InDeltaSlice(t, []float32{3, 10 - oy}, history(1, 1), 1e-6)
	assert.Equal(t, []float32{0, 0}, history(2, 2), "missing frame stays zero")
	assert.Equal(t, []float32{0, 0}, history(3, 0), "padding agent")

	delta := func(agent, step int) []float32 {
		i := (agent*2 + step) * 2
		return ex.Delta[i : i+2]
	}
	assert.Equal(t, []float32{1, 0}, delta(0, 0))
	assert.Equal(t, []float32{1, 0}, delta(0, 1))
	assert.Equal(t, []float32{2, 0}, delta(1, 1))
	assert.Equal(t, []float32{0, 0}, delta(2, 0), "frame 3 is missing")
	assert.Equal(t, []float32{0, 1}, delta(2, 1))

	_, err = ds.Example(2)
	assert.Error(t, err)
}

func TestTrackingDataset_BatchAndYield(t *testing.T) {
	ds, err := NewTrackingDataset(fixtureConfig(writeTrackingFixture(t)))
	require.NoError(t, err)

	examples, err := ds.Batch([]int{1, 0, 1})
	require.NoError(t, err)
	require.Len(t, examples, 3)
	assert.Equal(t, "2/200@1", examples[0].Key)
	assert.Equal(t, "1/100@1", examples[1].Key)
	assert.Equal(t, examples[0], examples[2])

	flat, err := MakeTrajectoryBatchFlat(ds.Config, examples)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 2, 2}, flat.DeltaDims())
	assert.Equal(t, []int{3, 4, 3, 2}, flat.HistoryDims())
	delta, history, mask := flat.ToGomlxTensors()
	assert.Equal(t, []int{3, 4, 2, 2}, delta.Shape().Dimensions)
	assert.Equal(t, []int{3, 4, 3, 2}, history.Shape().Dimensions)
	assert.Equal(t, []int{3, 4}, mask.Shape().Dimensions)

	assert.Equal(t, "TrackingDataset", ds.Name())
	for range 2 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Len(t, inputs, 3)
		assert.Nil(t, labels)
		assert.Equal(t, []int{1, 4, 2, 2}, inputs[0].Shape().Dimensions)
	}
	_, _, _, err = ds.Yield()
	assert.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}

func TestTrackingDataset_ShuffleKeepsScenes(t *testing.T) {
	ds, err := NewTrackingDataset(fixtureConfig(writeTrackingFixture(t)))
	require.NoError(t, err)

	keys := func() map[string]bool {
		out := map[string]bool{}
		for i := range ds.Len() {
			ex, err := ds.Example(i)
			require.NoError(t, err)
			out[ex.Key] = true
		}
		return out
	}
	before := keys()
	ds.Shuffle(3)
	assert.Equal(t, before, keys())
}

func TestTrackingDataset_Errors(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "bad.csv"), "game_id,play_id,frame_id,x,y", []string{"1,1,1,0,0"})
	_, err := NewTrackingDataset(fixtureConfig(filepath.Join(tmp, "*.csv")))
	assert.ErrorContains(t, err, "nfl_id")

	_, err = NewTrackingDataset(fixtureConfig(filepath.Join(tmp, "none*.csv")))
	assert.Error(t, err)

	cfg := fixtureConfig(filepath.Join(tmp, "*.csv"))
	cfg.InputDim = 3
	_, err = NewTrackingDataset(cfg)
	assert.ErrorContains(t, err, "input_dim")

	_, err = FindCSVInAssets(filepath.Join(tmp, "missing"))
	assert.Error(t, err)
	pattern, err := FindCSVInAssets(tmp)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "*.csv"), pattern)
}

func TestMakeTrajectoryBatchFlat_Inconsistent(t *testing.T) {
	cfg := TrackingConfig{HisStp: 3, MaxAgents: 2, Features: []string{"x", "y"}}
	_, err := MakeTrajectoryBatchFlat(cfg, []*TrackingExample{{Mask: []float32{1}}})
	assert.Error(t, err)
}
