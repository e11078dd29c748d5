// Package report renders per-camera reprojection error before and after a
// recalibration, as an interactive HTML page or a static PNG.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/recalibrate/internal/refine"
)

// ErrNoCameras is returned when there is nothing to chart.
var ErrNoCameras = errors.New("report has no per-camera errors")

// Options controls chart titles and asset hosting.
type Options struct {
	Title    string
	Subtitle string
	// AssetsHost overrides where the HTML page loads echarts from. Empty
	// uses the go-echarts default CDN.
	AssetsHost string
}

func (o Options) title() string {
	if o.Title == "" {
		return "Reprojection error by camera"
	}
	return o.Title
}

// Subtitle formats the overall before/after error of rep.
func Subtitle(rep refine.Report) string {
	return fmt.Sprintf("median %.3f px -> %.3f px over %d passes", rep.InitialError, rep.FinalError, rep.Iterations)
}

// RenderHTML writes an echarts bar chart comparing each camera's mean
// reprojection error before and after refinement.
func RenderHTML(w io.Writer, per []refine.CameraError, o Options) error {
	if len(per) == 0 {
		return ErrNoCameras
	}

	names := make([]string, len(per))
	before := make([]opts.BarData, len(per))
	after := make([]opts.BarData, len(per))
	for i, c := range per {
		names[i] = c.Name
		before[i] = opts.BarData{Value: round3(c.Before)}
		after[i] = opts.BarData{Value: round3(c.After)}
	}

	init := opts.Initialization{PageTitle: o.title(), Width: "100%", Height: "600px"}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: o.title(), Subtitle: o.Subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Error (px)", NameLocation: "middle", NameGap: 40}),
	)
	label := charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})
	bar.SetXAxis(names).
		AddSeries("before", before, label).
		AddSeries("after", after, label)

	page := components.NewPage()
	page.SetPageTitle(o.title())
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// round3 keeps tooltips readable. Cameras without views chart as zero.
func round3(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1000) / 1000
}
