package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/Noofbiz/trajdiff/datasets"
	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/Noofbiz/trajdiff/monte"
	"github.com/Noofbiz/trajdiff/runstore"
	"github.com/Noofbiz/trajdiff/trainer"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Flags of the run command.
var (
	csvPattern  string
	dataDir     string
	hisStp      int
	maxAgents   int
	features    []string
	inputDim    int
	stride      int
	batchSize   int
	modelType   string
	unetDims    []int
	bottleneck  int
	numHeads    int
	ditBlocks   int
	lossType    string
	epochs      int
	lr          float64
	optimizer   string
	seed        int64
	numSims     int
	workers     int
	evalN       int
	monteConfig string
	outCSV      string
	outDir      string
	storeKind   string
	dbPath      string
	runName     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train a diffusion model and evaluate it by Monte Carlo rollout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&csvPattern, "pattern", "", "glob of tracking CSVs (overrides --data-dir)")
	f.StringVar(&dataDir, "data-dir", "", "directory of tracking CSVs (default: search ./assets)")
	f.IntVar(&hisStp, "his-stp", 11, "history frames per scene; the future has his-stp-1 steps")
	f.IntVar(&maxAgents, "max-agents", 22, "agents per scene")
	f.StringSliceVar(&features, "features", datasets.DefaultFeatures, "conditioning feature columns; x and y must come first")
	f.IntVar(&inputDim, "input-dim", 2, "leading feature channels that are diffused")
	f.IntVar(&stride, "stride", 0, "frames between scene starts (default his-stp)")
	f.IntVar(&batchSize, "batch-size", 32, "training batch size")

	f.StringVar(&modelType, "type", diffusion.TypeUNet, "denoiser: unet, dit or none")
	addScheduleFlags(runCmd)
	f.IntSliceVar(&unetDims, "unet-dims", []int{64, 128, 256, 512}, "U-Net encoder widths")
	f.IntVar(&bottleneck, "bottleneck", 64, "U-Net bottleneck width")
	f.IntVar(&numHeads, "num-heads", 1, "DiT attention heads")
	f.IntVar(&ditBlocks, "dit-blocks", 4, "DiT cross-attention blocks")
	f.StringVar(&lossType, "loss", diffusion.LossL2, "loss type: l2 or l1")

	f.IntVar(&epochs, "epochs", 10, "training epochs")
	f.Float64Var(&lr, "lr", 1e-3, "learning rate")
	f.StringVar(&optimizer, "optimizer", "adam", "optimizer: adam or sgd")
	f.Int64Var(&seed, "seed", 1, "seed for the split, shuffling and noise (0 means time based)")

	f.IntVar(&numSims, "sims", 20, "sampled futures per scene")
	f.IntVar(&workers, "workers", 1, "parallel rollout workers")
	f.IntVar(&evalN, "eval-n", 20, "held-out scenes to evaluate (at most half of the dataset)")
	f.StringVar(&monteConfig, "monte-config", "", "optional JSON file overriding the rollout settings")

	f.StringVar(&outCSV, "out-csv", "compare_results.csv", "per-scene CSV output")
	f.StringVar(&outDir, "out", "out", "directory for the CSV and the plot")
	f.StringVar(&storeKind, "store", "memory", "run store: memory or sqlite")
	f.StringVar(&dbPath, "db", "runs.db", "sqlite database path")
	f.StringVar(&runName, "name", "", "run name (default: type and timestamp)")
}

// runConfig is the configuration recorded with every run.
type runConfig struct {
	Tracking  datasets.TrackingConfig `json:"tracking"`
	Diffusion diffusion.Config        `json:"diffusion"`
	Trainer   trainer.Config          `json:"trainer"`
	Monte     monte.Config            `json:"monte"`
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pattern := csvPattern
	if pattern == "" && dataDir != "" {
		var err error
		if pattern, err = datasets.FindCSVInAssets(dataDir); err != nil {
			return err
		}
	}
	ds, err := datasets.NewTrackingDataset(datasets.TrackingConfig{
		Pattern:   pattern,
		HisStp:    hisStp,
		MaxAgents: maxAgents,
		Features:  features,
		InputDim:  inputDim,
		Stride:    stride,
		BatchSize: batchSize,
	})
	if err != nil {
		return errors.Wrap(err, "loading tracking data")
	}
	if ds.Len() < 2 {
		return errors.Errorf("need at least 2 scenes, found %d", ds.Len())
	}

	trainIdx, evalIdx := splitIndices(ds.Len(), evalN, seed)
	klog.Infof("scenes: %s (train %s, eval %s)",
		humanize.Comma(int64(ds.Len())), humanize.Comma(int64(len(trainIdx))), humanize.Comma(int64(len(evalIdx))))

	betas, err := buildBetas()
	if err != nil {
		return err
	}
	if modelType == diffusion.TypeNone {
		betas = nil
	}
	if modelType == diffusion.TypeDiT && runtime.NumCPU() == 1 {
		klog.Warning("the simplego backend may stall running attention graphs on a single CPU")
	}
	backend, err := simplego.New("")
	if err != nil {
		return errors.Wrap(err, "creating backend")
	}
	dcfg := diffusion.Config{
		InputDim:       ds.Config.InputDim,
		ConditionalDim: ds.ConditionalDim(),
		HisStp:         ds.Config.HisStp,
		Betas:          betas,
		LossType:       lossType,
		NumDiTBlocks:   ditBlocks,
		DiffusionType:  modelType,
		UNetDims:       unetDims,
		Bottleneck:     bottleneck,
		NumHeads:       numHeads,
		Seed:           seed,
	}
	model, err := diffusion.New(backend, dcfg)
	if err != nil {
		return err
	}

	mcfg := monte.Config{
		NumSims:        numSims,
		Workers:        workers,
		HisStp:         ds.Config.HisStp,
		Agents:         ds.Config.MaxAgents,
		InputDim:       ds.Config.InputDim,
		ConditionalDim: ds.ConditionalDim(),
	}
	if monteConfig != "" {
		if mcfg, err = monte.LoadConfig(monteConfig, mcfg); err != nil {
			return err
		}
	}
	tcfg := trainer.Config{LearningRate: lr, Epochs: epochs, Optimizer: optimizer, Seed: seed}.WithDefaults()

	store, err := runstore.NewStore(storeKind, dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := runstore.CloseIfSupported(store); cerr != nil {
			klog.Warningf("closing run store: %v", cerr)
		}
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}
	name := runName
	if name == "" {
		name = fmt.Sprintf("%s-%s", modelType, time.Now().UTC().Format("20060102-150405"))
	}
	rec, err := store.CreateRun(ctx, name, runConfig{Tracking: ds.Config, Diffusion: model.Config(), Trainer: tcfg, Monte: mcfg})
	if err != nil {
		return err
	}
	klog.Infof("run %s (%s)", rec.Name, rec.ID)

	if model.Diffusion().Enabled() {
		tr, err := trainer.New(model, tcfg)
		if err != nil {
			return err
		}
		trainSet := &subsetDataset{base: ds, indices: trainIdx, batchSize: ds.Config.BatchSize}
		_, err = tr.Fit(trainSet, func(epoch int, meanLoss float64, steps int) error {
			return store.AppendEpoch(ctx, rec.ID, runstore.Epoch{Epoch: epoch, MeanLoss: meanLoss, Steps: steps})
		})
		if err != nil {
			return errors.WithMessage(err, "training")
		}
	} else {
		klog.Info("diffusion disabled, skipping training")
	}

	m, err := monte.NewMonte(ds, model, mcfg)
	if err != nil {
		return err
	}
	start := time.Now()
	results, summary, err := m.Evaluate(evalIdx)
	if err != nil {
		return errors.WithMessage(err, "evaluating")
	}
	klog.Infof("evaluated %d scenes in %s", len(results), time.Since(start).Round(time.Millisecond))

	err = store.SaveEvaluation(ctx, rec.ID, runstore.Evaluation{
		Scenes:    summary.Scenes,
		MinADE:    summary.MinADE,
		MinFDE:    summary.MinFDE,
		MinADEStd: summary.MinADEStd,
		MeanADE:   summary.MeanADE,
		CVADE:     summary.CVADE,
		CVFDE:     summary.CVFDE,
	})
	if err != nil {
		return err
	}

	if err := ensureDir(outDir); err != nil {
		return err
	}
	csvPath := filepath.Join(outDir, outCSV)
	if err := writeResultsCSV(csvPath, results); err != nil {
		return err
	}
	if best := bestScene(results); best != nil {
		plotPath, err := plotScene(outDir, best)
		if err != nil {
			klog.Warningf("plotting scene %s: %v", best.Key, err)
		} else {
			klog.Infof("plot: %s", plotPath)
		}
	}

	fmt.Printf("run %s: %d scenes, %s sims each\n", rec.ID, summary.Scenes, humanize.Comma(int64(m.Config.NumSims)))
	fmt.Printf("  diffusion  minADE %.3f (±%.3f)  minFDE %.3f  meanADE %.3f\n",
		summary.MinADE, summary.MinADEStd, summary.MinFDE, summary.MeanADE)
	fmt.Printf("  const-vel  ADE    %.3f          FDE    %.3f\n", summary.CVADE, summary.CVFDE)
	fmt.Printf("  results: %s\n", csvPath)
	return nil
}

// bestScene picks the scored scene with the most agents.
func bestScene(results []*monte.SceneResult) *monte.SceneResult {
	var best *monte.SceneResult
	for _, r := range results {
		if r.Agents > 0 && (best == nil || r.Agents > best.Agents) {
			best = r
		}
	}
	return best
}

func writeResultsCSV(path string, results []*monte.SceneResult) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"key", "agents", "min_ade", "min_fde", "mean_ade", "mean_fde", "cv_ade", "cv_fde"}
	if err := w.Write(header); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, r := range results {
		row := []string{r.Key, strconv.Itoa(r.Agents),
			ff(r.MinADE), ff(r.MinFDE), ff(r.MeanADE), ff(r.MeanFDE), ff(r.CVADE), ff(r.CVFDE)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
