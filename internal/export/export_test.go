package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
	"github.com/banshee-data/omrloop/internal/security"
)

func sampleExport(t *testing.T) *calibration.Export {
	t.Helper()
	exp, err := calibration.NewExport(
		calibration.Parameters{Mean0: 100, Std0: 2, Mean1: 99.5, Std1: 3, Threshold0: 0.7, Threshold1: 0.8, Bias: 1.1, Scale: 12},
		[]calibration.Vector{
			{Name: "power0_forward", Values: []float64{0, 0.75, 1.5}},
			{Name: "dp_leftward", Values: []float64{-0.25, 3}},
		},
	)
	require.NoError(t, err)
	return exp
}

func TestCSVSinkCalibration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewCSVSink(dir)
	require.NoError(t, s.WriteCalibration(context.Background(), "run1", sampleExport(t)))

	path := filepath.Join(dir, "run1", CalibrationFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "mean0,100", lines[0])
	assert.Equal(t, "scale,12", lines[7])
	assert.Equal(t, "power0_forward,0,0.75,1.5", lines[8])

	vecs, err := ReadVectors(path)
	require.NoError(t, err)
	require.Len(t, vecs, 10)
	assert.Equal(t, "dp_leftward", vecs[9].Name)
	assert.Equal(t, []float64{-0.25, 3}, vecs[9].Values)
}

func TestCSVSinkVelocity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewCSVSink(dir)
	tr := recorder.Trace{
		Stimulus: []float64{10, 0},
		Fish:     []float64{2.5, 0},
		Total:    []float64{7.5, 0},
	}
	require.NoError(t, s.WriteVelocity(context.Background(), "run2", tr))

	vecs, err := ReadVectors(filepath.Join(dir, "run2", VelocityFile))
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, "stimulus", vecs[0].Name)
	assert.Equal(t, tr.Total, vecs[2].Values)

	bad := recorder.Trace{Stimulus: []float64{1}}
	assert.ErrorIs(t, s.WriteVelocity(context.Background(), "run2", bad), recorder.ErrRecorderMisuse)
}

func TestCSVSinkRejectsPathInSessionID(t *testing.T) {
	t.Parallel()

	s := NewCSVSink(t.TempDir())
	for _, id := range []string{"../escape", "", "a/b", "x y"} {
		assert.ErrorIs(t, s.WriteVelocity(context.Background(), id, recorder.Trace{}), security.ErrUnsafeName, "id %q", id)
	}
}

func TestCSVSinkCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCSVSink(t.TempDir()).WriteCalibration(ctx, "run", sampleExport(t))
	assert.ErrorIs(t, err, context.Canceled)
}

type failingSink struct{ err error }

func (f failingSink) WriteCalibration(context.Context, string, *calibration.Export) error {
	return f.err
}

func (f failingSink) WriteVelocity(context.Context, string, recorder.Trace) error { return f.err }

func TestMultiSinkAttemptsAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	boom := errors.New("boom")
	m := MultiSink{failingSink{boom}, NewCSVSink(dir)}

	err := m.WriteVelocity(context.Background(), "run", recorder.Trace{})
	assert.ErrorIs(t, err, boom)
	_, statErr := os.Stat(filepath.Join(dir, "run", VelocityFile))
	assert.NoError(t, statErr, "second sink should still be written")

	assert.NoError(t, MultiSink{NewCSVSink(dir)}.WriteCalibration(context.Background(), "run", sampleExport(t)))
}
