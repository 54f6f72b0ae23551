package calibration

import (
	"fmt"
	"strings"
)

// Direction is the commanded stimulus direction of an open-loop trial.
// The values match the protocol mode codes written to schedule files.
type Direction int

const (
	Rightward Direction = iota
	Leftward
	Forward
)

// Directions lists every direction in mode-code order.
func Directions() []Direction { return []Direction{Rightward, Leftward, Forward} }

func (d Direction) String() string {
	switch d {
	case Rightward:
		return "rightward"
	case Leftward:
		return "leftward"
	case Forward:
		return "forward"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool { return d >= Rightward && d <= Forward }

// Sign returns the sign applied to the commanded speed: rightward trials
// drive the grating in the negative direction.
func (d Direction) Sign() float64 {
	if d == Rightward {
		return -1
	}
	return 1
}

// ParseDirection accepts a direction name or its mode code.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rightward", "right", "0":
		return Rightward, nil
	case "leftward", "left", "1":
		return Leftward, nil
	case "forward", "fwd", "2":
		return Forward, nil
	}
	return 0, fmt.Errorf("unknown direction %q: expected rightward, leftward or forward", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
