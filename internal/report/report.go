// Package report renders convergence plots of stored or in-memory runs.
package report

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/store"
)

// floor replaces zero residuals, which a log axis cannot show.
const floor = 1e-16

// Series is one convergence curve: the residual sum per iteration.
type Series struct {
	Name      string
	Residuals []float64
}

// FromResult builds a series from an optimizer result.
func FromResult(name string, r *opt.Result) Series {
	s := Series{Name: name, Residuals: make([]float64, len(r.Residuals))}
	for i, res := range r.Residuals {
		s.Residuals[i] = res.Sum()
	}
	return s
}

// FromTrace builds a series from a stored trace.
func FromTrace(name string, entries []store.TraceEntry) Series {
	s := Series{Name: name, Residuals: make([]float64, len(entries))}
	for i, e := range entries {
		s.Residuals[i] = e.Sum()
	}
	return s
}

// ResidualPlot draws every series on a log-scale residual axis.
func ResidualPlot(series []Series, title string) (*plot.Plot, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("no series to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "d(x, C0) + d(x, C1)"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	for i, s := range series {
		if len(s.Residuals) == 0 {
			return nil, fmt.Errorf("series %q is empty", s.Name)
		}
		pts := make(plotter.XYs, len(s.Residuals))
		for k, r := range s.Residuals {
			if math.IsNaN(r) || math.IsInf(r, 0) {
				return nil, fmt.Errorf("series %q has non-finite residual at iteration %d", s.Name, k)
			}
			pts[k].X = float64(k)
			pts[k].Y = math.Max(r, floor)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to build line for %q: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i / len(plotutil.DefaultColors))
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	p.Legend.Top = true
	return p, nil
}

// Save writes the plot to path; the format follows the extension (png,
// svg, pdf, ...). Sizes are in centimetres.
func Save(p *plot.Plot, path string, width, height float64) error {
	if err := p.Save(vg.Length(width)*vg.Centimeter, vg.Length(height)*vg.Centimeter, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}

// WritePNG encodes the plot as PNG to w.
func WritePNG(p *plot.Plot, w io.Writer, width, height float64) error {
	wt, err := p.WriterTo(vg.Length(width)*vg.Centimeter, vg.Length(height)*vg.Centimeter, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}
