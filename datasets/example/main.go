package main

// Example command that cuts tracking CSVs into scenes and converts a small
// batch into the gomlx tensors a diffusion model trains on.
//
// Plays are indexed up front; a play's rows are only read when one of its
// scenes is requested.
//
// Usage:
//   go run ./datasets/example [glob]
//
// Without a glob the default asset locations are searched.

import (
	"fmt"
	"log"
	"os"

	"github.com/Noofbiz/trajdiff/datasets"
)

func main() {
	cfg := datasets.TrackingConfig{HisStp: 11, MaxAgents: 22, InputDim: 2, BatchSize: 8}
	if len(os.Args) > 1 {
		cfg.Pattern = os.Args[1]
	}
	ds, err := datasets.NewTrackingDataset(cfg)
	if err != nil {
		log.Fatalf("failed to load tracking dataset: %v", err)
	}
	fmt.Printf("Scenes available: %d (window of %d frames)\n", ds.Len(), ds.Config.WindowLen())

	n := min(ds.Config.BatchSize, ds.Len())
	if n == 0 {
		return
	}
	indices := make([]int, n)
	for i := range n {
		indices[i] = i
	}

	fmt.Printf("Loading batch of %d scenes...\n", n)
	flat, err := ds.Tensors(indices)
	if err != nil {
		log.Fatalf("failed to build batch: %v", err)
	}
	delta, history, mask := flat.ToGomlxTensors()
	fmt.Printf("  delta:   %s\n", delta.Shape())
	fmt.Printf("  history: %s\n", history.Shape())
	fmt.Printf("  mask:    %s\n", mask.Shape())

	ex, err := ds.Example(0)
	if err != nil {
		log.Fatalf("failed to read scene 0: %v", err)
	}
	present := 0
	for _, m := range ex.Mask {
		if m > 0 {
			present++
		}
	}
	fmt.Printf("First scene %s: %d agents present\n", ex.Key, present)
}
