package orchestrator

import (
	"math/rand/v2"

	"github.com/danielpatrickdp/neuroutine/internal/logging"
)

// #region policy

// Policy decides when the verify runner is called.
type Policy struct {
	Mirror             bool
	TeacherProb        float64
	TeacherEvery       int
	BootstrapPositives int

	rng *rand.Rand
}

// NewPolicy builds a policy from cfg with a PCG source seeded by cfg.Seed.
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		Mirror:             cfg.Mirror,
		TeacherProb:        cfg.TeacherProb,
		TeacherEvery:       cfg.TeacherEvery,
		BootstrapPositives: cfg.BootstrapPositives,
		rng:                rand.New(rand.NewPCG(cfg.Seed, 0)),
	}
}

// Decide applies the rules in priority order and returns the first that
// fires. tokens is the count generated before this step; positives is the
// positive-labeled count in the training window. The random draw happens
// only when TeacherProb > 0 and no earlier rule fired.
func (p *Policy) Decide(accept bool, tokens, positives int) Reason {
	switch {
	case p.Mirror:
		return ReasonMirror
	case !accept:
		return ReasonReject
	case p.TeacherEvery > 0 && (tokens+1)%p.TeacherEvery == 0:
		return ReasonPeriodic
	}
	if p.TeacherProb > 0 && p.rng.Float64() < p.TeacherProb {
		return ReasonSampled
	}
	if p.BootstrapPositives > 0 && positives < p.BootstrapPositives {
		return ReasonBootstrap
	}
	return ReasonNone
}

// #endregion

// #region output

// selectOutput picks the token appended to the context.
func selectOutput(mirror, accept, verified bool, draft, verify string) (string, error) {
	switch {
	case mirror:
		if !verified {
			return "", nil
		}
		return verify, nil
	case verified:
		return verify, nil
	case accept:
		return draft, nil
	default:
		return "", ErrUnverifiedReject
	}
}

func decisionLabel(mirror, accept bool) string {
	switch {
	case mirror:
		return DecisionMirror
	case accept:
		return DecisionAccept
	default:
		return DecisionFallback
	}
}

// #endregion

// #region window

// Window holds the most recent labeled samples, oldest evicted first.
type Window struct {
	items     []logging.Sample
	capacity  int
	positives int
}

// NewWindow creates a window holding at most capacity samples (minimum 1).
func NewWindow(capacity int) *Window {
	capacity = max(1, capacity)
	return &Window{items: make([]logging.Sample, 0, capacity), capacity: capacity}
}

// Push appends s, evicting the oldest sample when full.
func (w *Window) Push(s logging.Sample) {
	if len(w.items) == w.capacity {
		if w.items[0].Positive() {
			w.positives--
		}
		copy(w.items, w.items[1:])
		w.items = w.items[:len(w.items)-1]
	}
	w.items = append(w.items, s)
	if s.Positive() {
		w.positives++
	}
}

// Snapshot returns a copy of the window in insertion order.
func (w *Window) Snapshot() []logging.Sample {
	return append([]logging.Sample(nil), w.items...)
}

func (w *Window) Len() int       { return len(w.items) }
func (w *Window) Positives() int { return w.positives }

// #endregion
