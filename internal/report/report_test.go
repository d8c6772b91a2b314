package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/cwbudde/projmethods/internal/store"
)

func TestFromResultAndTrace(t *testing.T) {
	r := &opt.Result{Residuals: []problem.Residual{{1, 2}, {0.5, 0.25}}}
	s := FromResult("altp", r)
	assert.Equal(t, "altp", s.Name)
	assert.Equal(t, []float64{3, 0.75}, s.Residuals)

	tr := FromTrace("run", []store.TraceEntry{{Residual: [2]float64{1, 1}}, {Residual: [2]float64{0, 0}}})
	assert.Equal(t, []float64{2, 0}, tr.Residuals)
}

func TestResidualPlotSaves(t *testing.T) {
	series := []Series{
		{Name: "altp", Residuals: []float64{1, 0.5, 0.25, 0.125}},
		{Name: "apop", Residuals: []float64{1, 1e-3, 1e-8, 0}},
	}
	p, err := ResidualPlot(series, "two circles")
	require.NoError(t, err)
	assert.Equal(t, "two circles", p.Title.Text)

	for _, name := range []string{"residuals.png", "residuals.svg"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, Save(p, path, 12, 8))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestWritePNG(t *testing.T) {
	p, err := ResidualPlot([]Series{{Name: "dykstra", Residuals: []float64{1, 0.1, 0.01}}}, "wedge")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePNG(p, &buf, 10, 6))
	assert.Equal(t, []byte("\x89PNG"), buf.Bytes()[:4])
}

func TestResidualPlotRejectsBadInput(t *testing.T) {
	_, err := ResidualPlot(nil, "empty")
	assert.Error(t, err)

	_, err = ResidualPlot([]Series{{Name: "x"}}, "empty series")
	assert.Error(t, err)
}
