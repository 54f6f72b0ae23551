package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
	"github.com/banshee-data/omrloop/internal/security"
)

// File names written by CSVSink inside a session directory.
const (
	CalibrationFile = "CalibrationRecord.csv"
	VelocityFile    = "VelocityRecord.csv"
)

// CSVSink writes one comma-delimited line per labeled vector:
//
//	name,v0,v1,...
//
// into <Dir>/<sessionID>/.
type CSVSink struct {
	Dir string
}

// NewCSVSink returns a sink rooted at dir.
func NewCSVSink(dir string) *CSVSink { return &CSVSink{Dir: dir} }

func (s *CSVSink) sessionDir(sessionID string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create output directory: %w", err)
	}
	dir, err := security.SessionPath(s.Dir, sessionID)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create session directory: %w", err)
	}
	return dir, nil
}

// WriteCalibration writes the scalar parameters first, then every vector
// in computation order.
func (s *CSVSink) WriteCalibration(ctx context.Context, sessionID string, exp *calibration.Export) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return writeLines(ctx, filepath.Join(dir, CalibrationFile), func(w *bufio.Writer) error {
		for _, sc := range exp.Scalars() {
			if err := writeLine(w, sc.Name, []float64{sc.Value}); err != nil {
				return err
			}
		}
		for _, v := range exp.Vectors() {
			if err := writeLine(w, v.Name, v.Values); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteVelocity writes the stimulus, fish and total series.
func (s *CSVSink) WriteVelocity(ctx context.Context, sessionID string, trace recorder.Trace) error {
	if err := trace.Validate(); err != nil {
		return err
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return writeLines(ctx, filepath.Join(dir, VelocityFile), func(w *bufio.Writer) error {
		for _, l := range []struct {
			name   string
			values []float64
		}{
			{"stimulus", trace.Stimulus},
			{"fish", trace.Fish},
			{"total", trace.Total},
		} {
			if err := writeLine(w, l.name, l.values); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeLines(ctx context.Context, path string, body func(*bufio.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := body(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export: write %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export: flush %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export: close %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func writeLine(w *bufio.Writer, name string, values []float64) error {
	if _, err := w.WriteString(name); err != nil {
		return err
	}
	buf := make([]byte, 0, 24)
	for _, v := range values {
		buf = append(buf[:0], ',')
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// ReadVectors parses a file written by CSVSink back into labeled vectors.
func ReadVectors(path string) ([]calibration.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []calibration.Vector
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Split(sc.Text(), ",")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		v := calibration.Vector{Name: fields[0], Values: make([]float64, 0, len(fields)-1)}
		for _, s := range fields[1:] {
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
			}
			v.Values = append(v.Values, x)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
