package main

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/Noofbiz/trajdiff/monte"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func toXYs(path []monte.Point2) plotter.XYs {
	xys := make(plotter.XYs, len(path))
	for i, p := range path {
		xys[i].X = float64(p.X)
		xys[i].Y = float64(p.Y)
	}
	return xys
}

// plotScene draws the observed history (grey), the true future (black) and
// every sampled future (faint red) of the scored agents of one scene.
func plotScene(outDir string, r *monte.SceneResult) (string, error) {
	p := plot.New()
	p.Title.Text = "Scene " + r.Key + ": history (grey), truth (black), samples (red)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	var all plotter.XYs
	addLine := func(xys plotter.XYs, c color.Color, width vg.Length, legend string) error {
		if len(xys) == 0 {
			return nil
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = c
		line.Width = width
		p.Add(line)
		if legend != "" {
			p.Legend.Add(legend, line)
		}
		all = append(all, xys...)
		return nil
	}

	for s, sample := range r.Samples {
		for a, path := range sample {
			// samples start at the last observed position
			xys := append(toXYs(r.History[a][len(r.History[a])-1:]), toXYs(path)...)
			legend := ""
			if s == 0 && a == 0 {
				legend = "samples"
			}
			if err := addLine(xys, color.RGBA{R: 200, G: 30, B: 30, A: 90}, vg.Points(0.6), legend); err != nil {
				return "", err
			}
		}
	}
	for a := range r.History {
		histLegend, truthLegend := "", ""
		if a == 0 {
			histLegend, truthLegend = "history", "ground truth"
		}
		if err := addLine(toXYs(r.History[a]), color.RGBA{R: 120, G: 120, B: 120, A: 220}, vg.Points(1.4), histLegend); err != nil {
			return "", err
		}
		truth := append(toXYs(r.History[a][len(r.History[a])-1:]), toXYs(r.GroundTruth[a])...)
		if err := addLine(truth, color.Black, vg.Points(1.4), truthLegend); err != nil {
			return "", err
		}
	}

	p.Add(plotter.NewGrid())
	xmin, xmax, ymin, ymax := autoRange(all)
	p.X.Min = xmin
	p.X.Max = xmax
	p.Y.Min = ymin
	p.Y.Max = ymax

	if err := ensureDir(outDir); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, "compare_scene.png")
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin = math.Inf(1)
	xmax = math.Inf(-1)
	ymin = math.Inf(1)
	ymax = math.Inf(-1)
	for _, p := range xs {
		xmin = math.Min(xmin, p.X)
		xmax = math.Max(xmax, p.X)
		ymin = math.Min(ymin, p.Y)
		ymax = math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
