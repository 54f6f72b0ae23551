// Package demux splits the two-channel serial stream from the ventral
// root amplifier board into per-channel sample sequences.
//
// The board sends repeating 3-byte groups: one sample for each channel
// and a flag byte (255). A burst read from the port can start anywhere in
// a group, so the position of the first flag fixes the channel offsets:
//
//	[F, a, b, ...] -> a at 1, b at 2
//	[b, F, a, ...] -> a at 2, b at 0
//	[a, b, F, ...] -> a at 0, b at 1
package demux

import (
	"errors"
	"fmt"
)

const (
	// DefaultFlag is the synchronization byte value.
	DefaultFlag byte = 255
	// DefaultGroupSize is the number of bytes per repeating group.
	DefaultGroupSize = 3
)

// ErrNoSyncMarker reports a non-empty burst without any flag byte.
var ErrNoSyncMarker = errors.New("demux: no synchronization marker found")

// MalformedBurstError wraps ErrNoSyncMarker with the discarded burst size.
type MalformedBurstError struct {
	Len int
}

func (e *MalformedBurstError) Error() string {
	return fmt.Sprintf("%v in %d byte burst", ErrNoSyncMarker, e.Len)
}

func (e *MalformedBurstError) Unwrap() error { return ErrNoSyncMarker }

// Framing describes the interleaving pattern of the stream.
type Framing struct {
	Flag      byte
	GroupSize int
}

// DefaultFraming returns the framing used by the reference hardware.
func DefaultFraming() Framing {
	return Framing{Flag: DefaultFlag, GroupSize: DefaultGroupSize}
}

// Validate checks the framing. Only the two-channel layout is supported.
func (f Framing) Validate() error {
	if f.GroupSize != DefaultGroupSize {
		return fmt.Errorf("demux: unsupported group size %d: expected %d (two channels and a flag)", f.GroupSize, DefaultGroupSize)
	}
	return nil
}

// Pair holds the samples recovered from one burst. Each channel keeps
// every byte that belongs to it, so when the burst starts or ends inside
// a group the two lengths can differ by one.
type Pair struct {
	A []byte
	B []byte
}

// Len returns the number of complete sample pairs.
func (p Pair) Len() int { return min(len(p.A), len(p.B)) }

// Samples returns the total number of samples across both channels.
func (p Pair) Samples() int { return len(p.A) + len(p.B) }

// Demux splits burst into its two channels. An empty burst yields an
// empty Pair. A burst without a flag byte is rejected with a
// *MalformedBurstError and nothing is returned from it. A trailing
// partial group contributes only the channel bytes it actually contains.
func Demux(burst []byte, f Framing) (Pair, error) {
	if err := f.Validate(); err != nil {
		return Pair{}, err
	}
	if len(burst) == 0 {
		return Pair{}, nil
	}

	flagAt := -1
	for i, b := range burst {
		if b == f.Flag {
			flagAt = i
			break
		}
	}
	if flagAt < 0 {
		return Pair{}, &MalformedBurstError{Len: len(burst)}
	}

	g := f.GroupSize
	offA := (flagAt + 1) % g
	offB := (flagAt + 2) % g

	return Pair{
		A: stride(burst, offA, g),
		B: stride(burst, offB, g),
	}, nil
}

// stride collects burst[off], burst[off+step], ... up to the end.
func stride(burst []byte, off, step int) []byte {
	if off >= len(burst) {
		return []byte{}
	}
	out := make([]byte, 0, (len(burst)-off-1)/step+1)
	for i := off; i < len(burst); i += step {
		out = append(out, burst[i])
	}
	return out
}

// ToFloat converts raw samples, applying (v - mean) / std.
func ToFloat(raw []byte, mean, std float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = (float64(v) - mean) / std
	}
	return out
}

// Stats counts demultiplexer activity for diagnostics.
type Stats struct {
	Bursts    int64 `json:"bursts"`
	Bytes     int64 `json:"bytes"`
	Samples   int64 `json:"samples"`
	Malformed int64 `json:"malformed"`
}

// Observe updates the counters for one Demux result.
func (s *Stats) Observe(burstLen int, p Pair, err error) {
	if burstLen == 0 {
		return
	}
	s.Bursts++
	s.Bytes += int64(burstLen)
	if err != nil {
		s.Malformed++
		return
	}
	s.Samples += int64(p.Samples())
}
