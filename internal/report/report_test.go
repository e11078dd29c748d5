package report

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recalibrate/internal/refine"
)

func sampleErrors() []refine.CameraError {
	return []refine.CameraError{
		{Name: "left", Before: 4.21, After: 0.83, Observations: 120},
		{Name: "right", Before: 3.5, After: 0.91, Observations: 118},
		{Name: "top", Before: 6.0, After: math.NaN(), Observations: 0},
	}
}

func TestRenderHTML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := RenderHTML(&buf, sampleErrors(), Options{Title: "Run abc", Subtitle: "median 4 px -> 0.9 px"})
	require.NoError(t, err)

	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "Run abc")
	for _, name := range []string{"left", "right", "top", "before", "after"} {
		assert.Contains(t, html, name)
	}
	assert.Contains(t, html, "4.21")
	assert.NotContains(t, html, "NaN")
}

func TestRenderHTMLAssetsHost(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, RenderHTML(&buf, sampleErrors(), Options{AssetsHost: "/static/echarts/"}))
	assert.Contains(t, buf.String(), "/static/echarts/")
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	assert.ErrorIs(t, RenderHTML(&buf, nil, Options{}), ErrNoCameras)
	assert.ErrorIs(t, RenderPNG(&buf, nil, Options{}), ErrNoCameras)
	assert.ErrorIs(t, SavePlot(filepath.Join(t.TempDir(), "x.png"), nil, Options{}), ErrNoCameras)
	assert.Zero(t, buf.Len())
}

func TestRenderPNG(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, RenderPNG(&buf, sampleErrors(), Options{Subtitle: "three cameras"}))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
	assert.Greater(t, img.Bounds().Dy(), 0)
}

func TestSavePlot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"errors.png", "errors.svg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SavePlot(path, sampleErrors(), Options{}))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	err := SavePlot(filepath.Join(dir, "errors"), sampleErrors(), Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no extension"))
}

func TestSubtitle(t *testing.T) {
	t.Parallel()

	got := Subtitle(refine.Report{InitialError: 4.2, FinalError: 0.75, Iterations: 7})
	assert.Equal(t, "median 4.200 px -> 0.750 px over 7 passes", got)
}

func TestRound3(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.235, round3(1.23456))
	assert.Equal(t, 0.0, round3(math.NaN()))
	assert.Equal(t, 0.0, round3(math.Inf(1)))
}
