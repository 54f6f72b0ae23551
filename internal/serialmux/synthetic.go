package serialmux

import (
	"math"
	"math/rand/v2"
)

// SyntheticStream generates groups of amplifier output for development
// runs: [flag, a, b] repeated, with low background noise on both channels
// and alternating bouts of activity on one channel or the other. Channel
// values never collide with flag.
func SyntheticStream(groups int, flag byte, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	const boutLen = 120

	out := make([]byte, 0, groups*3)
	for i := range groups {
		a := 20 + rng.NormFloat64()*6
		b := 20 + rng.NormFloat64()*6
		// bouts every other boutLen groups, sides alternating
		if bout := i / boutLen; bout%2 == 1 {
			phase := float64(i%boutLen) / boutLen
			burst := 140 * math.Sin(math.Pi*phase) * (0.5 + rng.Float64()/2)
			if bout%4 == 1 {
				a += burst
			} else {
				b += burst
			}
		}
		out = append(out, flag, clampSample(a, flag), clampSample(b, flag))
	}
	return out
}

func clampSample(v float64, flag byte) byte {
	v = math.Round(math.Max(0, math.Min(254, v)))
	if byte(v) == flag {
		v--
	}
	return byte(v)
}
