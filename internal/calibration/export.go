package calibration

import (
	"fmt"
	"sort"
)

// Vector is one labeled intermediate series of a calibration run.
type Vector struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Export carries everything a calibration run produced: the final
// parameters, the per-direction statistics, and the normalized, power and
// power-difference vectors in the order they were computed.
type Export struct {
	Params     Parameters       `json:"params"`
	Directions []DirectionStats `json:"directions"`
	vectors    []Vector
}

func (e *Export) add(name string, values []float64) {
	e.vectors = append(e.vectors, Vector{Name: name, Values: append([]float64(nil), values...)})
}

// Vectors returns the labeled vectors in computation order: normalized
// signals, thresholded power, then power differences.
func (e *Export) Vectors() []Vector {
	out := make([]Vector, len(e.vectors))
	copy(out, e.vectors)
	return out
}

// Vector looks up a vector by name, e.g. "power1_forward" or "dp_leftward".
func (e *Export) Vector(name string) ([]float64, bool) {
	for _, v := range e.vectors {
		if v.Name == name {
			return v.Values, true
		}
	}
	return nil, false
}

// Names returns the vector names sorted alphabetically.
func (e *Export) Names() []string {
	names := make([]string, 0, len(e.vectors))
	for _, v := range e.vectors {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// Scalars returns the parameters as labeled values in a fixed order.
func (e *Export) Scalars() []Scalar {
	p := e.Params
	return []Scalar{
		{"mean0", p.Mean0}, {"std0", p.Std0},
		{"mean1", p.Mean1}, {"std1", p.Std1},
		{"threshold0", p.Threshold0}, {"threshold1", p.Threshold1},
		{"bias", p.Bias}, {"scale", p.Scale},
	}
}

// Scalar is a named calibration coefficient.
type Scalar struct {
	Name  string
	Value float64
}

// NewExport rebuilds an export from stored parameters and vectors, as
// loaded back from persistent storage.
func NewExport(params Parameters, vectors []Vector) (*Export, error) {
	seen := make(map[string]bool, len(vectors))
	e := &Export{Params: params}
	for _, v := range vectors {
		if seen[v.Name] {
			return nil, fmt.Errorf("calibration: duplicate vector %q", v.Name)
		}
		seen[v.Name] = true
		e.add(v.Name, v.Values)
	}
	return e, nil
}
