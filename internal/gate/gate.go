package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region accept
// Accept implements Controller: margin >= MarginThreshold, scored by the margin itself.
func (t Threshold) Accept(m signals.Metrics, _ string) (bool, float64) {
	return m.Margin >= t.MarginThreshold, m.Margin
}

// Accept implements Controller.
func (c LogReg) Accept(m signals.Metrics, draft string) (bool, float64) {
	x := prepare(m, draft, c.Mean, c.Std)
	prob := LogRegProb(c.Weights, c.Bias, x)
	return prob >= c.AcceptProb, prob
}

// Accept implements Controller. An MLP with no hidden units scores 0.
func (c MLP) Accept(m signals.Metrics, draft string) (bool, float64) {
	x := prepare(m, draft, c.Mean, c.Std)
	prob := MLPProb(c.W1, c.B1, c.W2, c.B2, x)
	return prob >= c.AcceptProb, prob
}

// prepare extracts features and normalizes them when mean/std match the feature width.
func prepare(m signals.Metrics, draft string, mean, std []float64) signals.Vector {
	x := signals.Features(m, draft)
	mv, okMean := signals.VectorFrom(mean)
	sv, okStd := signals.VectorFrom(std)
	if okMean && okStd {
		x = signals.NormalizeVector(x, mv, sv)
	}
	return x
}

// #endregion accept

// #region kind-of
// KindOf reports the variant of c.
func KindOf(c Controller) Kind {
	switch c.(type) {
	case Threshold:
		return KindThreshold
	case LogReg:
		return KindLogReg
	case MLP:
		return KindMLP
	default:
		panic(fmt.Sprintf("gate: unknown controller %T", c))
	}
}

// Describe renders a one-line summary for logs.
func Describe(c Controller) string {
	switch v := c.(type) {
	case Threshold:
		return fmt.Sprintf("threshold(margin>=%.3f)", v.MarginThreshold)
	case LogReg:
		return fmt.Sprintf("logreg(dims=%d bias=%.3f accept>=%.2f norm=%t)",
			len(v.Weights), v.Bias, v.AcceptProb, v.Mean != nil)
	case MLP:
		return fmt.Sprintf("mlp(hidden=%d accept>=%.2f norm=%t)",
			len(v.W1), v.AcceptProb, v.Mean != nil)
	default:
		panic(fmt.Sprintf("gate: unknown controller %T", c))
	}
}

// #endregion kind-of

// #region math
// Sigmoid is the logistic function, saturated outside [-60, 60].
func Sigmoid(x float64) float64 {
	if x < -60 {
		return 0
	}
	if x > 60 {
		return 1
	}
	return 1 / (1 + math.Exp(-x))
}

// ReLU returns max(x, 0).
func ReLU(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// LogRegProb computes sigmoid(b + w·x). Extra dimensions on either side are ignored.
func LogRegProb(w []float64, b float64, x signals.Vector) float64 {
	score := b
	for i := 0; i < len(w) && i < signals.Dims; i++ {
		score += w[i] * x[i]
	}
	return Sigmoid(score)
}

// MLPProb runs the forward pass sigmoid(b2 + W2·relu(W1·x + b1)).
func MLPProb(W1 [][]float64, b1, W2 []float64, b2 float64, x signals.Vector) float64 {
	if len(W1) == 0 {
		return 0
	}
	logit := b2
	for j, row := range W1 {
		z := b1[j]
		for i := 0; i < len(row) && i < signals.Dims; i++ {
			z += row[i] * x[i]
		}
		logit += W2[j] * ReLU(z)
	}
	return Sigmoid(logit)
}

// #endregion math
