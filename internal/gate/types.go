package gate

import "github.com/danielpatrickdp/neuroutine/internal/signals"

// #region kind
// Kind names a controller variant.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindLogReg    Kind = "logreg"
	KindMLP       Kind = "mlp"
)

// Document type tags.
const (
	TypeLogRegV1 = "logreg_v1"
	TypeMLPV1    = "mlp_v1"
)

// #endregion kind

// #region options
// Options holds the decision thresholds that are not part of a weights document.
type Options struct {
	AcceptProb      float64 // learned controllers accept when score >= this
	MarginThreshold float64 // threshold controller accepts when margin >= this
}

// DefaultOptions returns the loop defaults.
func DefaultOptions() Options {
	return Options{
		AcceptProb:      0.5,
		MarginThreshold: 1.0,
	}
}

// #endregion options

// #region controller
// Controller predicts whether a draft token will match the verifier.
// The variant set is closed: Threshold, LogReg and MLP.
type Controller interface {
	Accept(m signals.Metrics, draft string) (bool, float64)
	controller()
}

// Threshold accepts when the draft margin clears a fixed bar.
type Threshold struct {
	MarginThreshold float64
}

// LogReg is a logistic regression over the (optionally normalized) feature vector.
type LogReg struct {
	Weights    []float64
	Bias       float64
	Mean       []float64 // nil when the document had no usable normalization
	Std        []float64
	AcceptProb float64
}

// MLP is a single ReLU hidden layer with a sigmoid output.
type MLP struct {
	W1         [][]float64 // hidden x Dims
	B1         []float64
	W2         []float64
	B2         float64
	Mean       []float64
	Std        []float64
	AcceptProb float64
}

func (Threshold) controller() {}
func (LogReg) controller()    {}
func (MLP) controller()       {}

// #endregion controller

// #region document
// Document is the JSON interchange format between the trainer and the loader.
type Document struct {
	Type    string      `json:"type"`
	Weights []float64   `json:"weights,omitempty"`
	Bias    *float64    `json:"bias,omitempty"`
	Hidden  int         `json:"hidden,omitempty"`
	W1      [][]float64 `json:"W1,omitempty"`
	B1      []float64   `json:"b1,omitempty"`
	W2      []float64   `json:"W2,omitempty"`
	B2      *float64    `json:"b2,omitempty"`
	Mean    []float64   `json:"mean"`
	Std     []float64   `json:"std"`

	// Provenance, informational only.
	Samples  int     `json:"samples"`
	Pos      int     `json:"pos"`
	Neg      int     `json:"neg"`
	TrainAcc float64 `json:"train_acc,omitempty"`
	AvgProb  float64 `json:"avg_prob,omitempty"`
}

// #endregion document
