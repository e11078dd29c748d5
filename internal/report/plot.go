package report

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg" // png, jpg, tif
	_ "gonum.org/v1/plot/vg/vgsvg" // svg

	"github.com/banshee-data/recalibrate/internal/refine"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 5 * vg.Inch
	barWidth   = vg.Length(18) // points
)

var (
	beforeColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	afterColor  = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
)

// newPlot builds a grouped bar plot of per-camera error before and after.
func newPlot(per []refine.CameraError, o Options) (*plot.Plot, error) {
	if len(per) == 0 {
		return nil, ErrNoCameras
	}

	names := make([]string, len(per))
	before := make(plotter.Values, len(per))
	after := make(plotter.Values, len(per))
	for i, c := range per {
		names[i] = c.Name
		before[i] = round3(c.Before)
		after[i] = round3(c.After)
	}

	p := plot.New()
	p.Title.Text = o.title()
	if o.Subtitle != "" {
		p.Title.Text += "\n" + o.Subtitle
	}
	p.Y.Label.Text = "Error (px)"
	p.Y.Min = 0

	beforeBars, err := plotter.NewBarChart(before, barWidth)
	if err != nil {
		return nil, fmt.Errorf("before bars: %w", err)
	}
	beforeBars.Color = beforeColor
	beforeBars.LineStyle.Width = vg.Length(0)
	beforeBars.Offset = -barWidth / 2

	afterBars, err := plotter.NewBarChart(after, barWidth)
	if err != nil {
		return nil, fmt.Errorf("after bars: %w", err)
	}
	afterBars.Color = afterColor
	afterBars.LineStyle.Width = vg.Length(0)
	afterBars.Offset = barWidth / 2

	p.Add(beforeBars, afterBars)
	p.Legend.Add("before", beforeBars)
	p.Legend.Add("after", afterBars)
	p.Legend.Top = true
	p.NominalX(names...)
	return p, nil
}

// RenderPNG writes the per-camera error plot as a PNG image.
func RenderPNG(w io.Writer, per []refine.CameraError, o Options) error {
	p, err := newPlot(per, o)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// SavePlot writes the per-camera error plot to path. The format follows the
// file extension (png, svg, pdf, ...).
func SavePlot(path string, per []refine.CameraError, o Options) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return fmt.Errorf("plot path %q has no extension", path)
	}
	p, err := newPlot(per, o)
	if err != nil {
		return err
	}
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
