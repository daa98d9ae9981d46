package face

import "math"

// Dim is the descriptor length produced by the recognition models (dlib / face-api.js).
const Dim = 128

// minNorm is the smallest L2 norm a real extraction produces. Anything below
// indicates a failed or corrupt extraction.
const minNorm = 0.01

// Descriptor is a fixed-length face embedding used for similarity comparison.
type Descriptor []float64

// Distance returns the Euclidean distance between two descriptors. Vectors of
// the wrong length never match: the result is +Inf rather than an error.
func Distance(a, b Descriptor) float64 {
	if len(a) != Dim || len(b) != Dim {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Valid reports whether d is a usable embedding. Degenerate vectors
// (wrong length, NaN/Inf entries, near-zero magnitude, all components
// identical) come from failed extractions and must never participate in
// matching or collision checks.
func (d Descriptor) Valid() bool {
	if len(d) != Dim {
		return false
	}
	var norm float64
	identical := true
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		norm += v * v
		if i > 0 && v != d[0] {
			identical = false
		}
	}
	if identical {
		return false
	}
	return math.Sqrt(norm) >= minNorm
}
