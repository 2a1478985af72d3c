package signals

// #region metrics
// Metrics carries the draft runner's per-token confidence values.
// The zero value stands in for a token whose metrics never arrived.
type Metrics struct {
	Token  float64 `json:"token"`
	Max    float64 `json:"max"`
	Second float64 `json:"second"`
	Margin float64 `json:"margin"`
}

// MetricsPrefix marks confidence lines on the draft runner's stderr.
const MetricsPrefix = "NR|"

// #endregion metrics

// #region vector
// Dims is the width of the gate feature vector.
const Dims = 4

// Vector is [margin, max, second, draft byte length].
type Vector [Dims]float64

// Slice returns a copy of v as a slice, the shape the weight documents use.
func (v Vector) Slice() []float64 {
	out := make([]float64, Dims)
	copy(out, v[:])
	return out
}

// VectorFrom converts a slice back to a Vector. ok is false on a length mismatch.
func VectorFrom(s []float64) (Vector, bool) {
	var v Vector
	if len(s) != Dims {
		return v, false
	}
	copy(v[:], s)
	return v, true
}

// #endregion vector
