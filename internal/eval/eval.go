package eval

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
)

// #region stats
// Stats re-decides every sample with c and compares against the recorded verifier token.
func Stats(samples []logging.Sample, c gate.Controller) GateStats {
	var total, accepted, wrongAccept, agreement, correct int
	for _, s := range samples {
		accept, _ := c.Accept(s.Metrics, s.Draft)
		match := s.Match()
		total++
		if match {
			agreement++
		}
		switch {
		case accept && match:
			accepted++
			correct++
		case accept:
			accepted++
			wrongAccept++
		case !match:
			correct++
		}
	}
	if total == 0 {
		return GateStats{OutputMatchRate: 1}
	}
	n := float64(total)
	st := GateStats{
		Samples:          total,
		AcceptRate:       float64(accepted) / n,
		AgreementRate:    float64(agreement) / n,
		OutputMatchRate:  1 - float64(wrongAccept)/n,
		DecisionAccuracy: float64(correct) / n,
	}
	if accepted > 0 {
		st.WrongAcceptRate = float64(wrongAccept) / float64(accepted)
	}
	return st
}

// Delta returns s - prev for every rate.
func (s GateStats) Delta(prev GateStats) GateStats {
	return GateStats{
		Samples:          s.Samples - prev.Samples,
		AcceptRate:       s.AcceptRate - prev.AcceptRate,
		WrongAcceptRate:  s.WrongAcceptRate - prev.WrongAcceptRate,
		AgreementRate:    s.AgreementRate - prev.AgreementRate,
		OutputMatchRate:  s.OutputMatchRate - prev.OutputMatchRate,
		DecisionAccuracy: s.DecisionAccuracy - prev.DecisionAccuracy,
	}
}

// #endregion stats

// #region format
type rate struct {
	name string
	v    float64
}

func (s GateStats) rates() []rate {
	return []rate{
		{"accept_rate", s.AcceptRate},
		{"wrong_accept_rate", s.WrongAcceptRate},
		{"agreement_rate", s.AgreementRate},
		{"output_match_rate", s.OutputMatchRate},
		{"decision_accuracy", s.DecisionAccuracy},
	}
}

// Format renders the rates as key=value pairs. With prev, each value carries
// its signed change, e.g. accept_rate=0.600(+0.100).
func (s GateStats) Format(prev *GateStats) string {
	cur := s.rates()
	var d []rate
	if prev != nil {
		d = s.Delta(*prev).rates()
	}
	parts := make([]string, len(cur))
	for i, r := range cur {
		if d != nil {
			parts[i] = fmt.Sprintf("%s=%.3f(%+.3f)", r.name, r.v, d[i].v)
		} else {
			parts[i] = fmt.Sprintf("%s=%.3f", r.name, r.v)
		}
	}
	return strings.Join(parts, " ")
}

// Report renders the periodic loop report line.
func Report(s GateStats, t Timing) string {
	return fmt.Sprintf("samples=%d tokens=%d large_calls=%d est_speedup=%.2f %s",
		s.Samples, t.Tokens, t.LargeCalls, t.EstSpeedup(), s.Format(nil))
}

// RetrainReport renders the line printed after a successful retrain.
func RetrainReport(s GateStats, prev *GateStats, t Timing) string {
	return fmt.Sprintf("retrain: est_speedup=%.2f %s", t.EstSpeedup(), s.Format(prev))
}

// #endregion format

// #region accuracy
// Accuracy tracks gate decision correctness over all verified tokens and over
// a rolling window of the most recent ones.
type Accuracy struct {
	correct int
	total   int
	window  []bool
	next    int
	filled  int
	inWin   int
}

// NewAccuracy creates a tracker with a rolling window of size (minimum 1).
func NewAccuracy(size int) *Accuracy {
	return &Accuracy{window: make([]bool, max(1, size))}
}

// Observe records one verified decision.
func (a *Accuracy) Observe(correct bool) {
	a.total++
	if correct {
		a.correct++
	}
	if a.filled == len(a.window) && a.window[a.next] {
		a.inWin--
	}
	a.window[a.next] = correct
	if correct {
		a.inWin++
	}
	a.next = (a.next + 1) % len(a.window)
	if a.filled < len(a.window) {
		a.filled++
	}
}

// Total is correct / observed, 0 before any observation.
func (a *Accuracy) Total() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// Rolling is the accuracy over the window, 0 before any observation.
func (a *Accuracy) Rolling() float64 {
	if a.filled == 0 {
		return 0
	}
	return float64(a.inWin) / float64(a.filled)
}

// Correct reports whether a gate decision agreed with the verifier.
func Correct(accept, match bool) bool {
	return accept == match
}

// #endregion accuracy

// #region live-summary
// Observe records one token of a live evaluation.
func (s *Summary) Observe(accept bool, draft, verify string) {
	s.Total++
	if accept {
		s.Accepted++
		if draft != verify {
			s.WrongAccept++
		}
	}
}

// AcceptRate is accepted / total.
func (s *Summary) AcceptRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Total)
}

// WrongAcceptRate is wrong accepts / accepted.
func (s *Summary) WrongAcceptRate() float64 {
	return float64(s.WrongAccept) / float64(max(1, s.Accepted))
}

// String renders the multi-line summary printed at the end of an eval run.
func (s *Summary) String() string {
	if s.Total == 0 {
		return "no samples"
	}
	return fmt.Sprintf("samples=%d\naccept_rate=%.3f\nwrong_accept_rate=%.3f\nsmall_time_s=%.2f large_time_s=%.2f",
		s.Total, s.AcceptRate(), s.WrongAcceptRate(), s.Timing.SmallS, s.Timing.LargeS)
}

// #endregion live-summary
