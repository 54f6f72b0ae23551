package protocol

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/session"
)

func drain(s *Schedule, dt float64, limit int) []session.Command {
	var out []session.Command
	for i := 0; i < limit; i++ {
		c := s.Next(dt)
		out = append(out, c)
		if c.Done {
			break
		}
	}
	return out
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()
	s := &Schedule{
		Trials: []Trial{
			{Direction: calibration.Rightward, Speed: 10},
			{Direction: calibration.Forward, Speed: 4, Gain: Gain(2)},
		},
		TrialSeconds:      1,
		InterTrialSeconds: 0.5,
	}
	require.NoError(t, s.Validate())

	cmds := drain(s, 0.25, 100)
	// 4 trial ticks + 2 inter-trial ticks per trial, then Done
	require.Len(t, cmds, 13)

	for i := 0; i < 4; i++ {
		assert.Equal(t, session.Command{StimulusVelocity: -10, Direction: calibration.Rightward}, cmds[i])
	}
	for i := 4; i < 6; i++ {
		assert.True(t, cmds[i].InterTrial)
		assert.Zero(t, cmds[i].StimulusVelocity)
	}
	for i := 6; i < 10; i++ {
		assert.Equal(t, session.Command{StimulusVelocity: 4, Gain: Gain(2), Direction: calibration.Forward}, cmds[i])
	}
	assert.True(t, cmds[12].Done)
	assert.Equal(t, 2, s.Index())

	// stays done
	assert.True(t, s.Next(0.25).Done)

	s.Reset()
	assert.Equal(t, 0, s.Index())
	assert.False(t, s.Next(0.25).Done)
}

func TestScheduleZeroInterTrial(t *testing.T) {
	t.Parallel()
	s := &Schedule{
		Trials:       []Trial{{Direction: calibration.Leftward, Speed: 1}, {Direction: calibration.Rightward, Speed: 1}},
		TrialSeconds: 0.5,
	}
	cmds := drain(s, 0.25, 100)
	require.Len(t, cmds, 5)
	for _, c := range cmds[:4] {
		assert.False(t, c.InterTrial)
	}
	assert.Equal(t, 1.0, cmds[1].StimulusVelocity)
	assert.Equal(t, -1.0, cmds[2].StimulusVelocity)
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	ok := Trial{Direction: calibration.Forward, Speed: 1}
	tests := []struct {
		name string
		s    Schedule
	}{
		{"empty", Schedule{TrialSeconds: 1}},
		{"zero duration", Schedule{Trials: []Trial{ok}}},
		{"negative inter-trial", Schedule{Trials: []Trial{ok}, TrialSeconds: 1, InterTrialSeconds: -1}},
		{"bad direction", Schedule{Trials: []Trial{{Direction: 7, Speed: 1}}, TrialSeconds: 1}},
		{"zero speed", Schedule{Trials: []Trial{{Direction: calibration.Forward}}, TrialSeconds: 1}},
		{"negative gain", Schedule{Trials: []Trial{{Direction: calibration.Forward, Speed: 1, Gain: Gain(-1)}}, TrialSeconds: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tt.s.Validate())
		})
	}
	assert.ErrorIs(t, (&Schedule{TrialSeconds: 1}).Validate(), ErrEmptySchedule)
}

func TestStepOMR(t *testing.T) {
	t.Parallel()
	trials := StepOMR(DefaultStepSpeeds, DefaultReps)
	require.Len(t, trials, 60)

	counts := map[Trial]int{}
	for _, tr := range trials {
		counts[tr]++
	}
	assert.Len(t, counts, 12)
	for tr, n := range counts {
		assert.Equal(t, DefaultReps, n, "%+v", tr)
	}
	assert.Equal(t, Trial{Direction: calibration.Rightward, Speed: 4}, trials[0])
	assert.Equal(t, Trial{Direction: calibration.Forward, Speed: 80}, trials[59])
}

func TestShuffle(t *testing.T) {
	t.Parallel()
	s := NewSchedule(StepOMR(DefaultStepSpeeds, DefaultReps), DefaultTrialSeconds)
	before := s.Clone()
	s.Next(1)

	s.Shuffle(rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, 0, s.Index())
	assert.NotEqual(t, before.Trials, s.Trials)

	count := func(ts []Trial) map[Trial]int {
		m := map[Trial]int{}
		for _, tr := range ts {
			m[tr]++
		}
		return m
	}
	if diff := cmp.Diff(count(before.Trials), count(s.Trials)); diff != "" {
		t.Errorf("shuffle changed the trial multiset (-before +after):\n%s", diff)
	}

	again := before.Clone()
	again.Shuffle(rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, s.Trials, again.Trials, "same seed gives the same order")
}

func TestWithGain(t *testing.T) {
	t.Parallel()
	in := StepOMR([]float64{10}, 1)
	out := WithGain(in, 0.5)
	for i := range out {
		require.NotNil(t, out[i].Gain)
		assert.Equal(t, 0.5, *out[i].Gain)
		assert.Nil(t, in[i].Gain)
	}
}

func TestLoadScheduleYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.yaml")
	body := `trial_seconds: 5
trials:
  - direction: leftward
    speed: 10
    gain: 1.5
  - direction: 0
    speed: 40
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.TrialSeconds)
	assert.Equal(t, 5.0, s.InterTrialSeconds)
	assert.Equal(t, []Trial{
		{Direction: calibration.Leftward, Speed: 10, Gain: Gain(1.5)},
		{Direction: calibration.Rightward, Speed: 40},
	}, s.Trials)
}

func TestLoadScheduleJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "open.json")
	body := `{"inter_trial_seconds": 2, "trials": [{"direction": "forward", "speed": 4}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrialSeconds, s.TrialSeconds)
	assert.Equal(t, 2.0, s.InterTrialSeconds)
	assert.Equal(t, []Trial{{Direction: calibration.Forward, Speed: 4}}, s.Trials)
}

func TestLoadScheduleErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.yaml")},
		{"extension", write("s.toml", "trials = []")},
		{"bad yaml", write("bad.yaml", "trials: [")},
		{"bad direction", write("dir.yaml", "trials:\n  - direction: up\n    speed: 1\n")},
		{"empty", write("empty.json", `{"trials": []}`)},
		{"text mismatch", write("m.txt", "0 1 2\n4 10\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSchedule(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewSchedule(StepOMR([]float64{4, 10}, 2), DefaultTrialSeconds)
	s.Shuffle(rand.New(rand.NewPCG(7, 7)))

	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))

	path := filepath.Join(t.TempDir(), "protocol.txt")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	got, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, s.Trials, got.Trials)
}

func TestSaveSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(WithGain(StepOMR([]float64{10}, 1), 2), 3)
	path := filepath.Join(t.TempDir(), "out.yml")
	require.NoError(t, SaveSchedule(path, s))

	got, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, s.Trials, got.Trials)
	assert.Equal(t, 3.0, got.TrialSeconds)
	assert.Equal(t, 3.0, got.InterTrialSeconds)
	assert.Equal(t, 18.0, got.Seconds())
}
