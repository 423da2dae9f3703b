package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Noofbiz/trajdiff/runstore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	runsStore string
	runsDB    string
)

var runsCmd = &cobra.Command{
	Use:   "runs [id]",
	Short: "List recorded runs, or show one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := runstore.NewStore(runsStore, runsDB)
		if err != nil {
			return err
		}
		defer runstore.CloseIfSupported(store)
		if err := store.Init(ctx); err != nil {
			return err
		}
		if len(args) == 0 {
			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		}
		r, ok, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", runstore.ErrRunNotFound, args[0])
		}
		return printRun(cmd.OutOrStdout(), r)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStore, "store", "sqlite", "run store: memory or sqlite")
	runsCmd.Flags().StringVar(&runsDB, "db", "runs.db", "sqlite database path")
}

func printRuns(out io.Writer, runs []runstore.Run) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "id\tname\tcreated")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func printRun(out io.Writer, r runstore.Run) error {
	fmt.Fprintf(out, "run %s (%s), created %s\n", r.ID, r.Name, r.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "config: %s\n\n", r.Config)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "epoch\tmean_loss\tsteps")
	for _, e := range r.Epochs {
		fmt.Fprintf(w, "%d\t%.5f\t%d\n", e.Epoch, e.MeanLoss, e.Steps)
	}
	if len(r.Evaluations) > 0 {
		fmt.Fprintln(w, "\nscenes\tmin_ade\tmin_fde\tmin_ade_std\tmean_ade\tcv_ade\tcv_fde")
		for _, e := range r.Evaluations {
			fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n",
				e.Scenes, e.MinADE, e.MinFDE, e.MinADEStd, e.MeanADE, e.CVADE, e.CVFDE)
		}
	}
	return w.Flush()
}
