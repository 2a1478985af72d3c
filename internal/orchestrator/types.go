package orchestrator

// #region imports
import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/signals"
	"github.com/danielpatrickdp/neuroutine/internal/train"
)

// #endregion

// #region interfaces

// Runner answers one prompt with one token. runner.Handle and
// runner.Supervisor both satisfy it.
type Runner interface {
	Name() string
	Send(ctx context.Context, prompt string) (string, error)
}

// MetricsSource is the draft runner's confidence side channel.
type MetricsSource interface {
	NextMetrics(timeout time.Duration) (signals.Metrics, bool)
	Pending() int
}

// #endregion

// #region errors

// ErrUnverifiedReject marks a step where the controller rejected the draft
// but no verify call was made. The policy always verifies a rejection, so
// reaching it means the loop's own invariants are broken.
var ErrUnverifiedReject = errors.New("rejected draft without a verify call")

// #endregion

// #region reason

// Reason names the policy rule that forced a verify call.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonMirror    Reason = "mirror"
	ReasonReject    Reason = "reject"
	ReasonPeriodic  Reason = "periodic"
	ReasonSampled   Reason = "sampled"
	ReasonBootstrap Reason = "bootstrap"
)

// Verify reports whether the reason forces a verify call.
func (r Reason) Verify() bool { return r != ReasonNone }

// #endregion

// #region decision

// Decision labels printed in the status line.
const (
	DecisionMirror   = "mirror"
	DecisionAccept   = "accept-small"
	DecisionFallback = "fallback-large"
)

// #endregion

// #region config

// Config drives the loop.
type Config struct {
	Steps  int // per prompt
	Cycles int // passes over the prompt list; 0 runs until cancelled

	Mirror             bool
	TeacherProb        float64
	TeacherEvery       int
	BootstrapPositives int
	Seed               uint64

	WindowSize   int
	MinSamples   int
	RetrainEvery int // 0 disables retraining

	ReportEvery    int // 0 disables reports
	AccuracyWindow int
	MetricsTimeout time.Duration

	WeightsPath string // retrained controllers are written here
	RunID       string
	Train       train.Config
	Gate        gate.Options
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Steps:              6,
		Mirror:             true,
		BootstrapPositives: 4,
		WindowSize:         500,
		MinSamples:         50,
		RetrainEvery:       50,
		ReportEvery:        25,
		AccuracyWindow:     100,
		MetricsTimeout:     2 * time.Second,
		WeightsPath:        "data/neuroutine/live_weights.json",
		Train:              train.DefaultConfig(),
		Gate:               gate.DefaultOptions(),
	}
}

// #endregion

// #region step-result

// StepResult is the outcome of one generated token.
type StepResult struct {
	Record   logging.Record
	Reason   Reason
	Decision string
	Stop     bool // chosen output was empty
}

// #endregion
