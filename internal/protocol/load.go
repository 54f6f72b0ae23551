package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/omrloop/internal/calibration"
)

// maxScheduleBytes bounds schedule files read from disk.
const maxScheduleBytes = 1 << 20

// scheduleFile is the on-disk form. Omitted durations fall back to the
// defaults; an omitted inter_trial_seconds matches the trial length.
type scheduleFile struct {
	TrialSeconds      *float64 `json:"trial_seconds" yaml:"trial_seconds"`
	InterTrialSeconds *float64 `json:"inter_trial_seconds" yaml:"inter_trial_seconds"`
	Trials            []Trial  `json:"trials" yaml:"trials"`
}

func (f scheduleFile) schedule() *Schedule {
	s := NewSchedule(f.Trials, DefaultTrialSeconds)
	if f.TrialSeconds != nil {
		s.TrialSeconds = *f.TrialSeconds
		s.InterTrialSeconds = *f.TrialSeconds
	}
	if f.InterTrialSeconds != nil {
		s.InterTrialSeconds = *f.InterTrialSeconds
	}
	return s
}

// LoadSchedule reads a schedule from path. The format follows the
// extension: .yaml/.yml, .json, or .txt for the two-line mode/speed
// listing written by WriteText.
func LoadSchedule(path string) (*Schedule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	if info.Size() > maxScheduleBytes {
		return nil, fmt.Errorf("schedule %s too large: %d bytes (max %d)", path, info.Size(), maxScheduleBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}

	var s *Schedule
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var f scheduleFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse schedule: %w", err)
		}
		s = f.schedule()
	case ".json":
		var f scheduleFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse schedule: %w", err)
		}
		s = f.schedule()
	case ".txt":
		s, err = ParseText(strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported schedule extension %q", ext)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule %s: %w", path, err)
	}
	return s, nil
}

// ParseText reads the two-line listing: mode codes on the first line and
// speeds on the second, space separated.
func ParseText(r io.Reader) (*Schedule, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxScheduleBytes)
	var lines [][]string
	for sc.Scan() {
		if f := strings.Fields(sc.Text()); len(f) > 0 {
			lines = append(lines, f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	if len(lines) != 2 {
		return nil, fmt.Errorf("parse schedule: expected mode and speed lines, got %d lines", len(lines))
	}
	modes, speeds := lines[0], lines[1]
	if len(modes) != len(speeds) {
		return nil, fmt.Errorf("parse schedule: %d modes but %d speeds", len(modes), len(speeds))
	}

	trials := make([]Trial, len(modes))
	for i := range modes {
		d, err := calibration.ParseDirection(modes[i])
		if err != nil {
			return nil, fmt.Errorf("parse schedule: trial %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(speeds[i], 64)
		if err != nil {
			return nil, fmt.Errorf("parse schedule: trial %d speed: %w", i, err)
		}
		trials[i] = Trial{Direction: d, Speed: v}
	}
	return NewSchedule(trials, DefaultTrialSeconds), nil
}

// WriteText writes the trials in the two-line listing read by ParseText.
// Gains and durations are not part of that format.
func (s *Schedule) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, t := range s.Trials {
		fmt.Fprintf(bw, "%d ", int(t.Direction))
	}
	bw.WriteString("\n")
	for _, t := range s.Trials {
		bw.WriteString(strconv.FormatFloat(t.Speed, 'g', -1, 64))
		bw.WriteString(" ")
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// SaveSchedule writes s as YAML.
func SaveSchedule(path string, s *Schedule) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	return nil
}
