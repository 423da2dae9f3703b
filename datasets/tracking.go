package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// DefaultTrackingPatterns are tried, in order, when TrackingConfig.Pattern is empty.
var DefaultTrackingPatterns = []string{
	"assets/tracking/*.csv",
	"../assets/tracking/*.csv",
	"assets/kaggle/prediction/train/input*.csv",
	"../assets/kaggle/prediction/train/input*.csv",
}

// DefaultFeatures are the per-agent channels read from each tracking row.
var DefaultFeatures = []string{"x", "y", "s", "a", "dir"}

// TrackingConfig controls how tracking CSVs are cut into scenes.
type TrackingConfig struct {
	// Pattern used to find CSV files (e.g., "assets/tracking/*.csv")
	Pattern string

	// HisStp is the number of observed frames per scene. The target is the
	// HisStp-1 frame deltas following the last observed frame.
	HisStp int

	// MaxAgents is the agent axis size. Scenes with more agents keep the ones
	// present in every frame first; scenes with fewer are zero padded.
	MaxAgents int

	// Features are the history channels (ConditionalDim = len(Features)).
	// The "x" and "y" channels are made relative to the scene origin.
	Features []string

	// InputDim is the number of leading Features that are differenced into
	// the trajectory delta.
	InputDim int

	// Stride between consecutive windows of the same play. Defaults to HisStp.
	Stride int

	// BatchSize for Yield.
	BatchSize int
}

func (c TrackingConfig) withDefaults() TrackingConfig {
	if c.HisStp == 0 {
		c.HisStp = 11
	}
	if c.MaxAgents == 0 {
		c.MaxAgents = 22
	}
	if len(c.Features) == 0 {
		c.Features = DefaultFeatures
	}
	if c.InputDim == 0 {
		c.InputDim = len(c.Features)
	}
	if c.Stride == 0 {
		c.Stride = c.HisStp
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	return c
}

// WindowLen is the number of frames a scene spans: HisStp observed frames
// plus HisStp-1 future ones.
func (c TrackingConfig) WindowLen() int {
	return 2*c.HisStp - 1
}

// TrackingExample is one scene. Shapes, with A = MaxAgents:
//
//	Delta   [A, HisStp-1, InputDim]  future frame-to-frame differences
//	History [A, HisStp, len(Features)]
//	Mask    [A]                      1 for agents present in every frame
type TrackingExample struct {
	Key     string
	Delta   []float32
	History []float32
	Mask    []float32
}

// play is a (game, play) pair located in one file.
type play struct {
	key     string
	fileIdx int
	rows    []int
	frames  []int
}

// window is a scene: a play and the index of its first frame.
type window struct {
	play  int
	start int
}

// TrackingDataset lazily cuts per-frame tracking CSVs (one row per agent and
// frame, columns game_id, play_id, nfl_id, frame_id plus the feature columns)
// into fixed-size multi-agent scenes. Only the play index is kept in memory;
// rows are read back from disk when a batch is built.
//
// It implements gomlx's train.Dataset: Yield returns the inputs
// [delta, history, mask] and no labels, and io.EOF at the end of an epoch.
type TrackingDataset struct {
	Config TrackingConfig

	csvPaths []string
	colIndex map[string]int
	plays    []play
	windows  []window
	rand     *rand.Rand
	cursor   int
}

// NewTrackingDataset indexes every CSV matching cfg.Pattern.
func NewTrackingDataset(cfg TrackingConfig) (*TrackingDataset, error) {
	cfg = cfg.withDefaults()
	if cfg.HisStp < 2 {
		return nil, fmt.Errorf("his_stp must be at least 2, got %d", cfg.HisStp)
	}
	if cfg.InputDim > len(cfg.Features) {
		return nil, fmt.Errorf("input_dim %d exceeds the %d feature columns", cfg.InputDim, len(cfg.Features))
	}
	if cfg.Pattern == "" {
		pattern, err := autoFindCSV(DefaultTrackingPatterns)
		if err != nil {
			return nil, err
		}
		cfg.Pattern = pattern
	}
	csvPaths, err := filepath.Glob(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", cfg.Pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", cfg.Pattern)
	}
	sort.Strings(csvPaths)

	ds := &TrackingDataset{
		Config:   cfg,
		csvPaths: csvPaths,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := ds.initializeColumns(); err != nil {
		return nil, err
	}
	if err := ds.buildPlayIndex(); err != nil {
		return nil, err
	}
	return ds, nil
}

// initializeColumns reads the header of the first CSV
func (d *TrackingDataset) initializeColumns() error {
	file, err := os.Open(d.csvPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first CSV %s: %w", d.csvPaths[0], err)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	d.colIndex = make(map[string]int)
	for i, col := range header {
		d.colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	required := append([]string{"game_id", "play_id", "nfl_id", "frame_id"}, d.Config.Features...)
	for _, col := range required {
		if _, ok := d.colIndex[col]; !ok {
			return fmt.Errorf("required column %q not found in CSV", col)
		}
	}
	return nil
}

// buildPlayIndex scans all files once, recording the rows and distinct frames
// of every play, then cuts each play into windows.
func (d *TrackingDataset) buildPlayIndex() error {
	total := 0
	for fileIdx, path := range d.csvPaths {
		rows, err := d.scanFileForPlays(fileIdx, path)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", path, err)
		}
		total += rows
	}

	winLen := d.Config.WindowLen()
	for pi, p := range d.plays {
		for start := 0; start+winLen <= len(p.frames); start += d.Config.Stride {
			d.windows = append(d.windows, window{play: pi, start: start})
		}
	}
	klog.V(1).Infof("datasets: indexed %s rows, %d plays, %d scenes from %d files",
		humanize.Comma(int64(total)), len(d.plays), len(d.windows), len(d.csvPaths))
	return nil
}

func (d *TrackingDataset) scanFileForPlays(fileIdx int, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return 0, err
	}

	gameCol, playCol, frameCol := d.colIndex["game_id"], d.colIndex["play_id"], d.colIndex["frame_id"]
	byKey := make(map[string]int)
	frameSets := make(map[int]map[int]bool)
	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		key := strings.TrimSpace(record[gameCol]) + "/" + strings.TrimSpace(record[playCol])
		pi, ok := byKey[key]
		if !ok {
			pi = len(d.plays)
			byKey[key] = pi
			d.plays = append(d.plays, play{key: key, fileIdx: fileIdx})
			frameSets[pi] = make(map[int]bool)
		}
		frame, err := strconv.Atoi(strings.TrimSpace(record[frameCol]))
		if err != nil {
			return 0, fmt.Errorf("row %d: bad frame_id %q: %w", rowIdx, record[frameCol], err)
		}
		d.plays[pi].rows = append(d.plays[pi].rows, rowIdx)
		frameSets[pi][frame] = true
		rowIdx++
	}

	for pi, set := range frameSets {
		frames := make([]int, 0, len(set))
		for f := range set {
			frames = append(frames, f)
		}
		sort.Ints(frames)
		d.plays[pi].frames = frames
	}
	return rowIdx, nil
}

// Len returns the number of scenes.
func (d *TrackingDataset) Len() int {
	return len(d.windows)
}

// ConditionalDim is the number of history channels.
func (d *TrackingDataset) ConditionalDim() int {
	return len(d.Config.Features)
}

// Example reads a single scene by index.
func (d *TrackingDataset) Example(idx int) (*TrackingExample, error) {
	if idx < 0 || idx >= len(d.windows) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.windows))
	}
	w := d.windows[idx]
	tracks, err := d.loadPlay(w.play)
	if err != nil {
		return nil, err
	}
	return d.buildExample(w, tracks), nil
}

// Batch reads several scenes, loading every play only once.
func (d *TrackingDataset) Batch(indices []int) ([]*TrackingExample, error) {
	examples := make([]*TrackingExample, len(indices))
	byPlay := make(map[int][]int)
	for batchPos, idx := range indices {
		if idx < 0 || idx >= len(d.windows) {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.windows))
		}
		p := d.windows[idx].play
		byPlay[p] = append(byPlay[p], batchPos)
	}
	for p, positions := range byPlay {
		tracks, err := d.loadPlay(p)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			examples[pos] = d.buildExample(d.windows[indices[pos]], tracks)
		}
	}
	return examples, nil
}

// agentTrack maps frame id to the feature row of one agent.
type agentTrack map[int][]float32

// loadPlay reads the rows of one play back from disk.
func (d *TrackingDataset) loadPlay(pi int) (map[string]agentTrack, error) {
	p := d.plays[pi]
	file, err := os.Open(d.csvPaths[p.fileIdx])
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	wanted := make(map[int]bool, len(p.rows))
	for _, r := range p.rows {
		wanted[r] = true
	}
	last := p.rows[len(p.rows)-1]

	agentCol, frameCol := d.colIndex["nfl_id"], d.colIndex["frame_id"]
	tracks := make(map[string]agentTrack)
	for rowIdx := 0; rowIdx <= last; rowIdx++ {
		record, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d of %s: %w", rowIdx, p.key, err)
		}
		if !wanted[rowIdx] {
			continue
		}
		agent := strings.TrimSpace(record[agentCol])
		// the ball has no player id
		if agent == "" || strings.EqualFold(agent, "NA") {
			continue
		}
		frame, _ := strconv.Atoi(strings.TrimSpace(record[frameCol]))
		feats := make([]float32, len(d.Config.Features))
		for i, col := range d.Config.Features {
			v, err := parseFloat32(record[d.colIndex[col]])
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s in row %d: %w", col, rowIdx, err)
			}
			feats[i] = v
		}
		if tracks[agent] == nil {
			tracks[agent] = make(agentTrack)
		}
		tracks[agent][frame] = feats
	}
	return tracks, nil
}

// buildExample cuts one window out of a loaded play.
func (d *TrackingDataset) buildExample(w window, tracks map[string]agentTrack) *TrackingExample {
	cfg := d.Config
	p := d.plays[w.play]
	frames := p.frames[w.start : w.start+cfg.WindowLen()]
	c := len(cfg.Features)
	steps := cfg.HisStp - 1

	type candidate struct {
		id    string
		full  bool
		track agentTrack
	}
	candidates := make([]candidate, 0, len(tracks))
	for id, tr := range tracks {
		full := true
		seen := false
		for _, f := range frames {
			if tr[f] == nil {
				full = false
			} else {
				seen = true
			}
		}
		if seen {
			candidates = append(candidates, candidate{id: id, full: full, track: tr})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].full != candidates[j].full {
			return candidates[i].full
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > cfg.MaxAgents {
		candidates = candidates[:cfg.MaxAgents]
	}

	// origin: mean position of the agents seen at the first frame
	xCol, hasX := indexOf(cfg.Features, "x")
	yCol, hasY := indexOf(cfg.Features, "y")
	var ox, oy float32
	n := 0
	for _, cand := range candidates {
		if row := cand.track[frames[0]]; row != nil {
			if hasX {
				ox += row[xCol]
			}
			if hasY {
				oy += row[yCol]
			}
			n++
		}
	}
	if n > 0 {
		ox /= float32(n)
		oy /= float32(n)
	}

	ex := &TrackingExample{
		Key:     fmt.Sprintf("%s@%d", p.key, frames[0]),
		Delta:   make([]float32, cfg.MaxAgents*steps*cfg.InputDim),
		History: make([]float32, cfg.MaxAgents*cfg.HisStp*c),
		Mask:    make([]float32, cfg.MaxAgents),
	}
	for a, cand := range candidates {
		if cand.full {
			ex.Mask[a] = 1
		}
		for s := 0; s < cfg.HisStp; s++ {
			row := cand.track[frames[s]]
			if row == nil {
				continue
			}
			dst := ex.History[(a*cfg.HisStp+s)*c : (a*cfg.HisStp+s+1)*c]
			copy(dst, row)
			if hasX {
				dst[xCol] -= ox
			}
			if hasY {
				dst[yCol] -= oy
			}
		}
		for s := 0; s < steps; s++ {
			prev, next := cand.track[frames[steps+s]], cand.track[frames[steps+s+1]]
			if prev == nil || next == nil {
				continue
			}
			dst := ex.Delta[(a*steps+s)*cfg.InputDim : (a*steps+s+1)*cfg.InputDim]
			for ch := range dst {
				dst[ch] = next[ch] - prev[ch]
			}
		}
	}
	return ex
}

func indexOf(values []string, v string) (int, bool) {
	for i, s := range values {
		if s == v {
			return i, true
		}
	}
	return -1, false
}

// Shuffle shuffles the order of scenes.
func (d *TrackingDataset) Shuffle(seed int64) {
	d.rand.Seed(seed)
	d.rand.Shuffle(len(d.windows), func(i, j int) {
		d.windows[i], d.windows[j] = d.windows[j], d.windows[i]
	})
}

// Tensors reads a batch of scenes as gomlx tensors.
func (d *TrackingDataset) Tensors(indices []int) (*TrajectoryBatchFlat, error) {
	examples, err := d.Batch(indices)
	if err != nil {
		return nil, err
	}
	return MakeTrajectoryBatchFlat(d.Config, examples)
}

// Name returns the name of the dataset
func (d *TrackingDataset) Name() string {
	return "TrackingDataset"
}

// Yield returns the next BatchSize scenes as [delta, history, mask]. The last
// batch of an epoch may be smaller; after it Yield returns io.EOF until Reset.
func (d *TrackingDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.cursor >= len(d.windows) {
		return nil, nil, nil, io.EOF
	}
	end := min(d.cursor+d.Config.BatchSize, len(d.windows))
	indices := make([]int, 0, end-d.cursor)
	for i := d.cursor; i < end; i++ {
		indices = append(indices, i)
	}
	d.cursor = end

	flat, err := d.Tensors(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	delta, history, mask := flat.ToGomlxTensors()
	return nil, []*tensors.Tensor{delta, history, mask}, nil, nil
}

// Reset starts a new epoch.
func (d *TrackingDataset) Reset() {
	d.cursor = 0
}

// TrajectoryBatchFlat stores a batch of scenes in flat contiguous buffers
type TrajectoryBatchFlat struct {
	Delta   []float32
	History []float32
	Mask    []float32
	Keys    []string

	BatchSize      int
	Agents         int
	HisStp         int
	InputDim       int
	ConditionalDim int
}

// MakeTrajectoryBatchFlat flattens scenes cut with cfg into contiguous buffers
func MakeTrajectoryBatchFlat(cfg TrackingConfig, examples []*TrackingExample) (*TrajectoryBatchFlat, error) {
	cfg = cfg.withDefaults()
	b := &TrajectoryBatchFlat{
		BatchSize:      len(examples),
		Agents:         cfg.MaxAgents,
		HisStp:         cfg.HisStp,
		InputDim:       cfg.InputDim,
		ConditionalDim: len(cfg.Features),
	}
	deltaLen := b.Agents * (b.HisStp - 1) * b.InputDim
	historyLen := b.Agents * b.HisStp * b.ConditionalDim
	b.Delta = make([]float32, 0, b.BatchSize*deltaLen)
	b.History = make([]float32, 0, b.BatchSize*historyLen)
	b.Mask = make([]float32, 0, b.BatchSize*b.Agents)
	for i, ex := range examples {
		if len(ex.Delta) != deltaLen || len(ex.History) != historyLen || len(ex.Mask) != b.Agents {
			return nil, fmt.Errorf("inconsistent dimensions at example %d: delta=%d history=%d mask=%d",
				i, len(ex.Delta), len(ex.History), len(ex.Mask))
		}
		b.Delta = append(b.Delta, ex.Delta...)
		b.History = append(b.History, ex.History...)
		b.Mask = append(b.Mask, ex.Mask...)
		b.Keys = append(b.Keys, ex.Key)
	}
	return b, nil
}

// DeltaDims is [batch, agents, his_stp-1, input_dim].
func (b *TrajectoryBatchFlat) DeltaDims() []int {
	return []int{b.BatchSize, b.Agents, b.HisStp - 1, b.InputDim}
}

// HistoryDims is [batch, agents, his_stp, conditional_dim].
func (b *TrajectoryBatchFlat) HistoryDims() []int {
	return []int{b.BatchSize, b.Agents, b.HisStp, b.ConditionalDim}
}

// ToGomlxTensors converts the batch to the delta, history and mask tensors.
func (b *TrajectoryBatchFlat) ToGomlxTensors() (delta, history, mask *tensors.Tensor) {
	delta = tensors.FromFlatDataAndDimensions(b.Delta, b.DeltaDims()...)
	history = tensors.FromFlatDataAndDimensions(b.History, b.HistoryDims()...)
	mask = tensors.FromFlatDataAndDimensions(b.Mask, b.BatchSize, b.Agents)
	return delta, history, mask
}
