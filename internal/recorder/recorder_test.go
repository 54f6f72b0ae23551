package recorder

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordNTicks(t *testing.T) {
	t.Parallel()

	const n = 250
	const gain = 1.5
	rng := rand.New(rand.NewPCG(3, 4))

	r := New(0)
	for i := 0; i < n; i++ {
		if i%50 == 49 {
			r.RecordZero()
			continue
		}
		stim := 20 * rng.Float64()
		fish := 10 * rng.NormFloat64()
		r.Record(stim, fish, stim-gain*fish)
	}

	tr := r.Export()
	require.NoError(t, tr.Validate())
	assert.Len(t, tr.Stimulus, n)
	assert.Len(t, tr.Fish, n)
	assert.Len(t, tr.Total, n)
	assert.Equal(t, n, r.Len())

	for i := 0; i < n; i++ {
		s := tr.At(i)
		assert.InDelta(t, s.Stimulus-gain*s.Fish, s.Total, 1e-12, "tick %d", i)
	}
	assert.Equal(t, Sample{}, tr.At(49))
}

func TestExportIsIdempotent(t *testing.T) {
	t.Parallel()

	r := New(4)
	r.Record(1, 2, 3)
	r.RecordSample(Sample{Stimulus: 4, Fish: 5, Total: 6})

	first := r.Export()
	second := r.Export()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("export changed (-first +second):\n%s", diff)
	}

	// exports are copies
	first.Total[0] = 99
	assert.Equal(t, 3.0, r.Export().Total[0])
}

func TestRecordPanicsOnMisalignment(t *testing.T) {
	t.Parallel()

	r := New(0)
	r.Record(1, 1, 0)
	r.fish = r.fish[:0]

	assert.PanicsWithError(t, "recorder: velocity series out of alignment: stimulus=1 fish=0 total=1", func() {
		r.Record(2, 2, 0)
	})
}

func TestTraceValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Trace{}.Validate())
	err := Trace{Stimulus: []float64{1}, Fish: []float64{}, Total: []float64{1}}.Validate()
	assert.ErrorIs(t, err, ErrRecorderMisuse)
}

func TestTail(t *testing.T) {
	t.Parallel()

	r := New(0)
	for i := 0; i < 5; i++ {
		r.Record(float64(i), 0, float64(i))
	}
	tr := r.Export()
	assert.Equal(t, []float64{3, 4}, tr.Tail(2).Total)
	assert.Equal(t, 5, tr.Tail(0).Len())
	assert.Equal(t, 5, tr.Tail(10).Len())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, Sample{Stimulus: 4, Total: 4}, last)

	_, ok = New(0).Last()
	assert.False(t, ok)
}
