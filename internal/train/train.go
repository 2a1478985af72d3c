package train

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// ErrSingleClass is returned when the training set lacks positives or negatives.
var ErrSingleClass = errors.New("need pos+neg labels")

// #region config
// Config selects the model and its hyperparameters.
type Config struct {
	Kind        gate.Kind // logreg | mlp
	Hidden      int
	Steps       int
	LR          float64
	L2          float64
	Seed        uint64
	NoNormalize bool
}

// DefaultConfig matches the loop's retrain defaults.
func DefaultConfig() Config {
	return Config{
		Kind:   gate.KindMLP,
		Hidden: 8,
		Steps:  400,
		LR:     0.1,
		L2:     0.0,
		Seed:   1,
	}
}

// #endregion config

// #region dataset
// Dataset returns features and labels for the labeled samples only.
func Dataset(samples []logging.Sample) ([]signals.Vector, []int) {
	X := make([]signals.Vector, 0, len(samples))
	y := make([]int, 0, len(samples))
	for _, s := range samples {
		if !s.Labeled() {
			continue
		}
		X = append(X, s.Features())
		y = append(y, *s.Label)
	}
	return X, y
}

// Counts returns the positive and negative label counts.
func Counts(y []int) (pos, neg int) {
	for _, v := range y {
		if v == 1 {
			pos++
		}
	}
	return pos, len(y) - pos
}

// #endregion dataset

// #region fit
// Fit trains a fresh controller document from labeled samples.
func Fit(samples []logging.Sample, cfg Config) (gate.Document, error) {
	X, y := Dataset(samples)
	pos, neg := Counts(y)
	if pos == 0 || neg == 0 {
		return gate.Document{}, fmt.Errorf("fit (pos=%d neg=%d): %w", pos, neg, ErrSingleClass)
	}

	var mean, std signals.Vector
	for i := range std {
		std[i] = 1
	}
	if !cfg.NoNormalize {
		mean, std = signals.ComputeNorm(X)
		X = signals.Normalize(X, mean, std)
	}

	doc := gate.Document{
		Mean:    mean.Slice(),
		Std:     std.Slice(),
		Samples: len(X),
		Pos:     pos,
		Neg:     neg,
	}
	probs := make([]float64, len(X))

	switch cfg.Kind {
	case gate.KindLogReg:
		w, b := LogReg(X, y, cfg.Steps, cfg.LR, cfg.L2)
		for i, x := range X {
			probs[i] = gate.LogRegProb(w, b, x)
		}
		doc.Type = gate.TypeLogRegV1
		doc.Weights = w
		doc.Bias = gate.Float(b)
	case gate.KindMLP:
		hidden := max(1, cfg.Hidden)
		W1, b1, W2, b2 := MLP(X, y, hidden, cfg.Steps, cfg.LR, cfg.L2, cfg.Seed)
		for i, x := range X {
			probs[i] = gate.MLPProb(W1, b1, W2, b2, x)
		}
		doc.Type = gate.TypeMLPV1
		doc.Hidden = hidden
		doc.W1, doc.B1, doc.W2, doc.B2 = W1, b1, W2, gate.Float(b2)
	default:
		return gate.Document{}, fmt.Errorf("fit: unsupported controller kind %q", cfg.Kind)
	}

	doc.TrainAcc, doc.AvgProb = EvaluateProbs(y, probs)
	return doc, nil
}

// #endregion fit

// #region logreg
// LogReg runs full-batch gradient descent on binary cross-entropy. L2 applies
// to the weights only.
func LogReg(X []signals.Vector, y []int, steps int, lr, l2 float64) ([]float64, float64) {
	n := len(X)
	if n == 0 {
		return nil, 0
	}
	w := make([]float64, signals.Dims)
	b := 0.0
	invN := 1.0 / float64(n)
	for range steps {
		var gw signals.Vector
		gb := 0.0
		for k, x := range X {
			err := gate.LogRegProb(w, b, x) - float64(y[k])
			for i, xi := range x {
				gw[i] += err * xi
			}
			gb += err
		}
		for i := range w {
			w[i] -= lr * (gw[i]*invN + l2*w[i])
		}
		b -= lr * gb * invN
	}
	return w, b
}

// #endregion logreg

// #region mlp
// MLP trains a single ReLU hidden layer with a sigmoid output by full-batch
// backprop. Weights start uniform in [-0.1, 0.1] from a PCG source seeded by
// seed; W1 is drawn row by row, then W2. The ReLU subgradient at 0 is 0.
func MLP(X []signals.Vector, y []int, hidden, steps int, lr, l2 float64, seed uint64) (W1 [][]float64, b1, W2 []float64, b2 float64) {
	n := len(X)
	if n == 0 {
		return nil, nil, nil, 0
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	initW := func() float64 { return (rng.Float64()*2 - 1) * 0.1 }

	W1 = make([][]float64, hidden)
	for j := range W1 {
		W1[j] = make([]float64, signals.Dims)
		for i := range W1[j] {
			W1[j][i] = initW()
		}
	}
	b1 = make([]float64, hidden)
	W2 = make([]float64, hidden)
	for j := range W2 {
		W2[j] = initW()
	}

	invN := 1.0 / float64(n)
	z1 := make([]float64, hidden)
	h := make([]float64, hidden)
	gW1 := make([]signals.Vector, hidden)
	gb1 := make([]float64, hidden)
	gW2 := make([]float64, hidden)

	for range steps {
		clear(gW1)
		clear(gb1)
		clear(gW2)
		gb2 := 0.0

		for k, x := range X {
			logit := b2
			for j := range W1 {
				z := b1[j]
				for i, xi := range x {
					z += W1[j][i] * xi
				}
				z1[j] = z
				h[j] = gate.ReLU(z)
				logit += W2[j] * h[j]
			}
			dlogit := gate.Sigmoid(logit) - float64(y[k])

			for j := range W2 {
				gW2[j] += dlogit * h[j]
			}
			gb2 += dlogit
			for j := range W1 {
				if z1[j] <= 0 {
					continue
				}
				dz := dlogit * W2[j]
				gb1[j] += dz
				for i, xi := range x {
					gW1[j][i] += dz * xi
				}
			}
		}

		for j := range W1 {
			for i := range W1[j] {
				W1[j][i] -= lr * (gW1[j][i]*invN + l2*W1[j][i])
			}
			b1[j] -= lr * gb1[j] * invN
		}
		for j := range W2 {
			W2[j] -= lr * (gW2[j]*invN + l2*W2[j])
		}
		b2 -= lr * gb2 * invN
	}
	return W1, b1, W2, b2
}

// #endregion mlp

// #region evaluate
// EvaluateProbs returns accuracy at a 0.5 cut and the mean probability.
func EvaluateProbs(y []int, probs []float64) (accuracy, avgProb float64) {
	if len(y) == 0 {
		return 0, 0
	}
	correct := 0
	for i, label := range y {
		pred := 0
		if probs[i] >= 0.5 {
			pred = 1
		}
		if pred == label {
			correct++
		}
		avgProb += probs[i]
	}
	n := float64(len(y))
	return float64(correct) / n, avgProb / n
}

// #endregion evaluate
