package eval

// #region gate-stats
// GateStats summarizes how a controller would decide over a set of verified samples.
type GateStats struct {
	Samples          int     `json:"samples"`
	AcceptRate       float64 `json:"accept_rate"`
	WrongAcceptRate  float64 `json:"wrong_accept_rate"` // wrong accepts / accepts
	AgreementRate    float64 `json:"agreement_rate"`
	OutputMatchRate  float64 `json:"output_match_rate"` // 1 - wrong accepts / samples
	DecisionAccuracy float64 `json:"decision_accuracy"`
}

// #endregion gate-stats

// #region timing
// Timing accumulates runner wall time across a run.
type Timing struct {
	SmallS     float64
	LargeS     float64
	LargeCalls int
	Tokens     int
}

// EstSpeedup compares the time spent against calling the verifier for every
// token at its observed average latency. Zero when nothing has run.
func (t Timing) EstSpeedup() float64 {
	actual := t.SmallS + t.LargeS
	if actual <= 0 {
		return 0
	}
	avgLarge := t.LargeS / float64(max(1, t.LargeCalls))
	return avgLarge * float64(t.Tokens) / actual
}

// #endregion timing

// #region live-summary
// Summary accumulates a live evaluation where every token is verified.
type Summary struct {
	Total       int
	Accepted    int
	WrongAccept int
	Timing      Timing
}

// #endregion live-summary
