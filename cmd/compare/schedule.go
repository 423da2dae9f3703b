package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Noofbiz/trajdiff/diffusion"
	"github.com/spf13/cobra"
)

// Flag variables for the beta schedule, shared by run and schedule.
var (
	scheduleKind  string
	scheduleSteps int
	betaStart     float64
	betaEnd       float64
	scheduleEvery int
)

func addScheduleFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&scheduleKind, "schedule", "linear", "beta schedule: linear or cosine")
	cmd.Flags().IntVar(&scheduleSteps, "steps", 50, "number of diffusion timesteps")
	cmd.Flags().Float64Var(&betaStart, "beta-start", 1e-4, "first beta of the linear schedule")
	cmd.Flags().Float64Var(&betaEnd, "beta-end", 0.02, "last beta of the linear schedule, max beta of the cosine one")
}

func buildBetas() ([]float64, error) {
	switch scheduleKind {
	case "linear":
		return diffusion.LinearBetas(betaStart, betaEnd, scheduleSteps), nil
	case "cosine":
		return diffusion.CosineBetas(scheduleSteps, betaEnd), nil
	default:
		return nil, fmt.Errorf("unknown schedule %q, want linear or cosine", scheduleKind)
	}
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the diffusion coefficients of a beta schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		betas, err := buildBetas()
		if err != nil {
			return err
		}
		s, err := diffusion.NewSchedule(betas)
		if err != nil {
			return err
		}
		return printSchedule(cmd.OutOrStdout(), s, scheduleEvery)
	},
}

func init() {
	addScheduleFlags(scheduleCmd)
	scheduleCmd.Flags().IntVar(&scheduleEvery, "every", 1, "print every n-th timestep (the last one is always printed)")
}

func printSchedule(out io.Writer, s *diffusion.Schedule, every int) error {
	if every < 1 {
		every = 1
	}
	columns := []string{
		diffusion.CoeffBetas,
		diffusion.CoeffAlphasCumProd,
		diffusion.CoeffSqrtAlphasCumProd,
		diffusion.CoeffSqrtOneMinusAlphasCumProd,
		diffusion.CoeffReciprocalSqrtAlphas,
		diffusion.CoeffRemoveNoise,
		diffusion.CoeffSigma,
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "t")
	for _, c := range columns {
		fmt.Fprintf(w, "\t%s", c)
	}
	fmt.Fprintln(w)
	for t := 0; t < s.Len(); t++ {
		if t%every != 0 && t != s.Len()-1 {
			continue
		}
		fmt.Fprintf(w, "%d", t)
		for _, c := range columns {
			fmt.Fprintf(w, "\t%.6g", s.At(c, t))
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
